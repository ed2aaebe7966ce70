package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/draftsmith/draftsmith/internal/engine"
	"github.com/draftsmith/draftsmith/internal/validation"
	"github.com/draftsmith/draftsmith/pkg/schema"
)

// scheduledRuns adapts the runner to the scheduler's RunTrigger interface.
// The plan comes embedded in the schedule params under "plan", falling back
// to plan.json in the project directory.
type scheduledRuns struct {
	runner    *engine.Runner
	validator *validation.PlanValidator
	dataDir   string
}

func (t *scheduledRuns) TriggerRun(ctx context.Context, project string, params map[string]any) error {
	planBytes, runParams, err := t.resolvePlan(project, params)
	if err != nil {
		return err
	}

	plan, err := t.validator.ValidatePlanBytes(planBytes)
	if err != nil {
		return err
	}

	result, err := t.runner.Run(ctx, engine.RunConfig{
		Project: project,
		Plan:    plan,
		Params:  runParams,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("scheduled run %s stopped at %s: %w", result.RunID, result.FailedStep, result.Err)
	}
	return nil
}

func (t *scheduledRuns) resolvePlan(project string, params map[string]any) ([]byte, map[string]any, error) {
	if embedded, ok := params["plan"]; ok {
		raw, err := json.Marshal(embedded)
		if err != nil {
			return nil, nil, schema.NewError(schema.ErrCodeValidation, "encoding embedded plan").WithCause(err)
		}
		runParams, _ := params["params"].(map[string]any)
		return raw, runParams, nil
	}

	path := filepath.Join(t.dataDir, "projects", project, "plan.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "no plan for project %s", project).WithCause(err)
	}
	return raw, params, nil
}
