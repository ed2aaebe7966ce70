package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/draftsmith/draftsmith/internal/engine"
	"github.com/draftsmith/draftsmith/internal/store"
	"github.com/draftsmith/draftsmith/pkg/schema"
)

// handleRun executes a plan from the beginning.
func (s *DraftServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg, errResult := s.runConfig(req)
	if errResult != nil {
		return errResult, nil
	}

	result, err := s.runner.Run(ctx, *cfg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run rejected: %v", err)), nil
	}
	return marshalResult(runSummary(result))
}

// handleResume continues a plan from its checkpoints.
func (s *DraftServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg, errResult := s.runConfig(req)
	if errResult != nil {
		return errResult, nil
	}

	result, err := s.runner.Resume(ctx, *cfg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume rejected: %v", err)), nil
	}
	return marshalResult(runSummary(result))
}

// handleStatus reports progress of the current run.
func (s *DraftServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	progress := s.runner.Progress()
	return marshalResult(map[string]any{
		"active":      s.runner.Active(),
		"total":       progress.Total,
		"pending":     progress.Pending,
		"in_progress": progress.InProgress,
		"completed":   progress.Completed,
		"skipped":     progress.Skipped,
		"current":     progress.Current,
	})
}

// handleHistory lists past runs or the events of one run.
func (s *DraftServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run history is not enabled"), nil
	}

	limit := req.GetInt("limit", 20)

	if runID := req.GetString("run_id", ""); runID != "" {
		events, err := s.store.GetEvents(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
		return marshalResult(map[string]any{"run_id": runID, "events": events})
	}

	filter := store.RunFilter{
		Project: req.GetString("project", ""),
		Limit:   limit,
	}
	if status := req.GetString("status", ""); status != "" {
		filter.Status = schema.RunStatus(status)
	}
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// runConfig parses and validates the shared run/resume arguments.
func (s *DraftServer) runConfig(req mcp.CallToolRequest) (*engine.RunConfig, *mcp.CallToolResult) {
	planJSON, err := req.RequireString("plan")
	if err != nil {
		return nil, mcp.NewToolResultError("plan is required")
	}

	var plan *schema.Plan
	if s.validator != nil {
		plan, err = s.validator.ValidatePlanBytes([]byte(planJSON))
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", err))
		}
	} else {
		plan = &schema.Plan{}
		if err := json.Unmarshal([]byte(planJSON), plan); err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("plan is not valid JSON: %v", err))
		}
	}

	project := req.GetString("project", s.project)
	if project == "" {
		return nil, mcp.NewToolResultError("no project context: pass project or configure one")
	}

	cfg := &engine.RunConfig{
		Project: project,
		Plan:    plan,
		Params:  mcp.ParseStringMap(req, "params", nil),
	}
	if mode := req.GetString("mode", ""); mode != "" {
		cfg.Mode = schema.AutomationMode(mode)
	}
	return cfg, nil
}

func runSummary(result *engine.RunResult) map[string]any {
	summary := map[string]any{
		"run_id":          result.RunID,
		"success":         result.Success,
		"completed_count": result.CompletedCount,
		"skipped_count":   result.SkippedCount,
	}
	if result.FailedStep != "" {
		summary["failed_step"] = result.FailedStep
	}
	if result.Err != nil {
		summary["error"] = result.Err.Error()
	}
	steps := make(map[string]any, len(result.Outputs))
	for id, out := range result.Outputs {
		steps[id] = map[string]any{
			"content":  out.Content,
			"metadata": out.Metadata,
		}
	}
	summary["outputs"] = steps
	return summary
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
