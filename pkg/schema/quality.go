package schema

// Grade buckets for an overall quality score.
const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
	GradeD = "D"
	GradeF = "F"
)

// QualityScore is the result of scoring a piece of generated content.
type QualityScore struct {
	Overall    int             `json:"overall"` // 0-100
	Grade      string          `json:"grade"`
	Categories []CategoryScore `json:"categories,omitempty"`
}

// CategoryScore is the per-category breakdown of a quality score.
type CategoryScore struct {
	Name   string   `json:"name"`
	Score  int      `json:"score"`
	Max    int      `json:"max"`
	Issues []string `json:"issues,omitempty"`
}

// GradeFor maps an overall score to a letter grade.
func GradeFor(overall int) string {
	switch {
	case overall >= 90:
		return GradeA
	case overall >= 80:
		return GradeB
	case overall >= 70:
		return GradeC
	case overall >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// Severity classifies a review finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Finding is a single issue raised by a content review pass.
type Finding struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category,omitempty"`
	Message  string   `json:"message"`
}

// IsBlocking reports whether the finding must be resolved before the
// review loop can close.
func (f Finding) IsBlocking() bool {
	return f.Severity == SeverityCritical || f.Severity == SeverityMajor
}
