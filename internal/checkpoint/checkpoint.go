// Package checkpoint persists per-step results so an interrupted run can
// resume without repeating completed generation calls. One JSON file per
// step under <project>/checkpoints/.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

// RecordVersion is the current checkpoint schema version. Files with an
// unknown version are treated as no checkpoint rather than an error.
const RecordVersion = 1

// Output is the opaque artifact produced by a step.
type Output struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Record is a persisted step result. Created on first successful execution,
// overwritten if the step reruns, never deleted automatically.
type Record struct {
	Version int               `json:"version"`
	StepID  string            `json:"stepId"`
	Status  schema.StepStatus `json:"status"`
	SavedAt time.Time         `json:"savedAt"`
	Output  Output            `json:"output"`
}

// Store reads and writes checkpoint records under a fixed directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a checkpoint store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create checkpoint dir: %s", err.Error()).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Save writes the record for its step, overwriting any previous record.
// The write goes through a temp file so a crash cannot leave a torn file.
func (s *Store) Save(rec *Record) error {
	rec.Version = RecordVersion
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal checkpoint %s: %s", rec.StepID, err.Error()).WithCause(err)
	}
	path := s.path(rec.StepID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write checkpoint %s: %s", rec.StepID, err.Error()).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write checkpoint %s: %s", rec.StepID, err.Error()).WithCause(err)
	}
	return nil
}

// Load returns the record for stepID, or nil if no usable checkpoint exists.
// Parse failures and unknown versions are recoverable: they are logged and
// reported as no checkpoint, never as an error.
func (s *Store) Load(stepID string) (*Record, error) {
	data, err := os.ReadFile(s.path(stepID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read checkpoint %s: %s", stepID, err.Error()).WithCause(err)
	}
	return s.decode(stepID, data), nil
}

// LoadAll returns every usable checkpoint record keyed by step ID.
func (s *Store) LoadAll() (map[string]*Record, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list checkpoints: %s", err.Error()).WithCause(err)
	}
	sort.Strings(matches)

	records := make(map[string]*Record, len(matches))
	for _, path := range matches {
		stepID := strings.TrimSuffix(filepath.Base(path), ".json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if rec := s.decode(stepID, data); rec != nil {
			records[rec.StepID] = rec
		}
	}
	return records, nil
}

// Delete removes the checkpoint for stepID. Missing files are not an error.
func (s *Store) Delete(stepID string) error {
	err := os.Remove(s.path(stepID))
	if err != nil && !os.IsNotExist(err) {
		return schema.NewErrorf(schema.ErrCodeStore, "delete checkpoint %s: %s", stepID, err.Error()).WithCause(err)
	}
	return nil
}

// Clear removes every checkpoint file.
func (s *Store) Clear() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list checkpoints: %s", err.Error()).WithCause(err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return schema.NewErrorf(schema.ErrCodeStore, "clear checkpoint %s: %s", m, err.Error()).WithCause(err)
		}
	}
	return nil
}

func (s *Store) decode(stepID string, data []byte) *Record {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("unreadable checkpoint, treating as absent",
			slog.String("step_id", stepID), slog.String("error", err.Error()))
		return nil
	}
	if rec.Version != RecordVersion {
		s.logger.Warn("unknown checkpoint version, treating as absent",
			slog.String("step_id", stepID), slog.Int("version", rec.Version))
		return nil
	}
	if rec.StepID == "" {
		rec.StepID = stepID
	}
	return &rec
}

func (s *Store) path(stepID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", sanitize(stepID)))
}

// sanitize keeps step IDs usable as file names.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}
