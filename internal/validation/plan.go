// Package validation checks plan documents against an embedded JSON Schema
// before a run starts, so malformed plans fail with structured errors instead
// of surfacing mid-run.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

// planSchemaJSON is the JSON Schema for Plan documents.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://draftsmith.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "title": { "type": "string" },
        "prompt": { "type": "string" },
        "options": { "type": "object" },
        "mode": {
          "type": "string",
          "enum": ["auto", "manual", "skip"]
        },
        "skip_if": { "type": "string" },
        "transform": { "type": "string" },
        "cache": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "gate": { "$ref": "#/$defs/gate" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_retries"],
      "properties": {
        "max_retries": {
          "type": "integer",
          "minimum": 0
        },
        "base_delay": { "type": "integer", "minimum": 0 },
        "max_delay": { "type": "integer", "minimum": 0 },
        "strategy": {
          "type": "string",
          "enum": ["fixed", "linear", "exponential"]
        },
        "delays": {
          "type": "array",
          "items": { "type": "integer", "minimum": 0 }
        }
      },
      "additionalProperties": false
    },
    "gate": {
      "type": "object",
      "required": ["minimum_required"],
      "properties": {
        "minimum_required": {
          "type": "integer",
          "minimum": 0,
          "maximum": 100
        },
        "max_retries": {
          "type": "integer",
          "minimum": 0
        },
        "auto_fix": { "type": "boolean" },
        "pass_expr": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// PlanValidator validates Plan documents against the embedded JSON Schema.
// Safe for concurrent use once constructed.
type PlanValidator struct {
	planSchema *jsonschema.Schema
}

// NewPlanValidator creates a PlanValidator with the plan schema pre-compiled.
func NewPlanValidator() (*PlanValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://draftsmith.dev/schemas/plan.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	compiled, err := c.Compile("https://draftsmith.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &PlanValidator{planSchema: compiled}, nil
}

// ValidatePlan validates a Plan against the plan JSON Schema plus structural
// checks the schema cannot express (duplicate step IDs).
func (v *PlanValidator) ValidatePlan(plan *schema.Plan) error {
	if plan == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}

	doc, err := toJSONValue(plan)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize plan").WithCause(err)
	}

	if err := v.planSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	seen := make(map[string]struct{}, len(plan.Steps))
	for _, step := range plan.Steps {
		if _, exists := seen[step.ID]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = struct{}{}
	}

	return nil
}

// ValidatePlanBytes parses and validates a raw JSON plan document.
func (v *PlanValidator) ValidatePlanBytes(data []byte) (*schema.Plan, error) {
	var plan schema.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse plan: %s", err.Error()).WithCause(err)
	}
	if err := v.ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with clear, actionable messages.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("plan validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
