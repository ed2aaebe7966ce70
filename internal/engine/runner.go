package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftsmith/draftsmith/internal/checkpoint"
	"github.com/draftsmith/draftsmith/internal/expressions"
	"github.com/draftsmith/draftsmith/internal/logging"
	"github.com/draftsmith/draftsmith/internal/quality"
	"github.com/draftsmith/draftsmith/internal/store"
	"github.com/draftsmith/draftsmith/pkg/schema"
)

// ConfirmFunc decides whether a manual-mode step should run. Returning
// false skips the step. A nil callback means manual steps run normally.
type ConfirmFunc func(ctx context.Context, step schema.StepPlan) (bool, error)

// RunConfig describes one workflow run.
type RunConfig struct {
	Project string
	Plan    *schema.Plan
	Params  map[string]any
	Mode    schema.AutomationMode // optional global mode override
	Confirm ConfirmFunc

	OnStepComplete func(stepID string, output checkpoint.Output)
	OnProgress     func(schema.Progress)
}

// RunResult summarizes a finished or aborted run. Step failures land here
// rather than in Run's error return, which is reserved for precondition
// violations.
type RunResult struct {
	RunID          string
	Success        bool
	CompletedCount int
	SkippedCount   int
	FailedStep     string
	Err            error
	Outputs        map[string]checkpoint.Output
}

// WorkflowRunner is the surface the MCP layer drives. *Runner is the
// one production implementation.
type WorkflowRunner interface {
	// Run executes a plan from the beginning, ignoring prior checkpoints.
	Run(ctx context.Context, cfg RunConfig) (*RunResult, error)

	// Resume executes a plan, replaying completed checkpoints instead of
	// re-executing their steps.
	Resume(ctx context.Context, cfg RunConfig) (*RunResult, error)

	// Progress reports the current run's progress. Zero value when idle.
	Progress() schema.Progress

	// Active reports whether a run is in flight.
	Active() bool
}

// Runner drives a plan through the state machine one step at a time.
// A runner executes at most one workflow at a time.
type Runner struct {
	executor *StepExecutor
	store    store.Store
	cel      *expressions.CELEngine
	gate     *quality.Gate
	logger   *slog.Logger

	mu      sync.Mutex
	active  bool
	current *StateMachine
	runID   string
}

var _ WorkflowRunner = (*Runner)(nil)

// RunnerOption configures optional runner collaborators.
type RunnerOption func(*Runner)

// WithStore enables run history and audit event persistence.
func WithStore(s store.Store) RunnerOption {
	return func(r *Runner) { r.store = s }
}

// WithConditions enables skip_if evaluation on steps.
func WithConditions(eng *expressions.CELEngine) RunnerOption {
	return func(r *Runner) { r.cel = eng }
}

// WithGate enables per-step quality gates.
func WithGate(g *quality.Gate) RunnerOption {
	return func(r *Runner) { r.gate = g }
}

func NewRunner(executor *StepExecutor, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{executor: executor, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the plan from the beginning. Checkpoints from earlier runs
// are ignored; every step executes fresh.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	return r.run(ctx, cfg, false)
}

// Resume executes the plan, replaying completed checkpoints instead of
// re-executing their steps. Work continues from the first unfinished step.
func (r *Runner) Resume(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	return r.run(ctx, cfg, true)
}

// Progress reports the current run's progress. Zero value when idle.
func (r *Runner) Progress() schema.Progress {
	r.mu.Lock()
	sm := r.current
	r.mu.Unlock()
	if sm == nil {
		return schema.Progress{}
	}
	return sm.Progress()
}

// Active reports whether a run is in flight.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Runner) run(ctx context.Context, cfg RunConfig, resuming bool) (*RunResult, error) {
	if cfg.Project == "" {
		return nil, schema.NewError(schema.ErrCodeMissingProject, "no project context is set")
	}
	if cfg.Plan == nil || len(cfg.Plan.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan has no steps")
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeWorkflowRunning, "a workflow is already running")
	}
	runID := uuid.NewString()
	sm := NewStateMachine(cfg.Plan.Steps, r.logger)
	r.active = true
	r.current = sm
	r.runID = runID
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
	}()

	ctx = logging.WithRunID(ctx, runID)
	log := r.logger.With(slog.String("run_id", runID), slog.String("project", cfg.Project))
	log.Info("workflow starting",
		slog.String("plan", cfg.Plan.Name),
		slog.Int("steps", len(cfg.Plan.Steps)),
		slog.Bool("resuming", resuming))

	// Subscribe before applying the run-level mode so the mode_changed
	// events land in the audit log too.
	sm.Subscribe(func(ev schema.Event) {
		r.recordEvent(ctx, runID, ev)
	})
	if cfg.Mode != "" {
		sm.SetGlobalMode(cfg.Mode)
	}

	r.createRunRow(ctx, runID, cfg)

	result := &RunResult{RunID: runID, Outputs: make(map[string]checkpoint.Output)}

	if resuming {
		r.restoreCheckpoints(sm, result, log)
	}

	for _, step := range cfg.Plan.Steps {
		st, _ := sm.State(step.ID)
		if st.Status.IsTerminal() {
			continue
		}

		if err := ctx.Err(); err != nil {
			result.Err = schema.NewError(schema.ErrCodeCancelled, "workflow cancelled").WithCause(err)
			r.finishRunRow(ctx, runID, result, schema.RunStatusCancelled)
			return result, nil
		}

		skip, reason, err := r.shouldSkip(ctx, cfg, step, st, result)
		if err != nil {
			result.FailedStep = step.ID
			result.Err = err
			r.finishRunRow(ctx, runID, result, schema.RunStatusFailed)
			return result, nil
		}
		if skip {
			log.Info("step skipped", slog.String("step_id", step.ID), slog.String("reason", reason))
			if err := sm.Skip(step.ID); err != nil {
				result.FailedStep = step.ID
				result.Err = err
				r.finishRunRow(ctx, runID, result, schema.RunStatusFailed)
				return result, nil
			}
			result.SkippedCount++
			r.reportProgress(cfg, sm)
			continue
		}

		if err := sm.Start(step.ID); err != nil {
			result.FailedStep = step.ID
			result.Err = err
			r.finishRunRow(ctx, runID, result, schema.RunStatusFailed)
			return result, nil
		}
		r.reportProgress(cfg, sm)

		observer := r.retryObserver(ctx, runID, step.ID)
		stepResult, err := r.executor.ExecuteStep(ctx, step, resuming, observer)
		if err != nil {
			log.Error("step failed", slog.String("step_id", step.ID), slog.Any("error", err))
			result.FailedStep = step.ID
			result.Err = err
			r.finishRunRow(ctx, runID, result, schema.RunStatusFailed)
			return result, nil
		}

		output := stepResult.Output
		if step.Gate != nil && r.gate != nil {
			output, err = r.applyGate(ctx, runID, step, output)
			if err != nil {
				result.FailedStep = step.ID
				result.Err = err
				r.finishRunRow(ctx, runID, result, schema.RunStatusFailed)
				return result, nil
			}
		}

		if err := sm.Complete(step.ID); err != nil {
			result.FailedStep = step.ID
			result.Err = err
			r.finishRunRow(ctx, runID, result, schema.RunStatusFailed)
			return result, nil
		}
		result.Outputs[step.ID] = output
		result.CompletedCount++
		if cfg.OnStepComplete != nil {
			cfg.OnStepComplete(step.ID, output)
		}
		r.reportProgress(cfg, sm)
	}

	result.Success = true
	log.Info("workflow completed",
		slog.Int("completed", result.CompletedCount),
		slog.Int("skipped", result.SkippedCount))
	r.finishRunRow(ctx, runID, result, schema.RunStatusCompleted)
	return result, nil
}

// restoreCheckpoints marks completed checkpointed steps as done in the
// state machine and seeds their outputs, so prior work is never redone.
func (r *Runner) restoreCheckpoints(sm *StateMachine, result *RunResult, log *slog.Logger) {
	if r.executor.checkpoints == nil {
		return
	}
	records, err := r.executor.checkpoints.LoadAll()
	if err != nil {
		log.Warn("loading checkpoints failed, running from scratch", slog.Any("error", err))
		return
	}
	for stepID, rec := range records {
		if rec.Status != schema.StepStatusCompleted {
			continue
		}
		savedAt := rec.SavedAt
		if err := sm.Restore(stepID, schema.StepStatusCompleted, &savedAt); err != nil {
			// Checkpoint for a step not in the current plan; ignore it.
			continue
		}
		result.Outputs[stepID] = rec.Output
		result.CompletedCount++
		log.Info("step restored from checkpoint", slog.String("step_id", stepID))
	}
}

func (r *Runner) shouldSkip(ctx context.Context, cfg RunConfig, step schema.StepPlan, st StepState, result *RunResult) (bool, string, error) {
	if st.Mode == schema.ModeSkip {
		return true, "mode", nil
	}
	if step.SkipIf != "" && r.cel != nil {
		data := map[string]any{
			"outputs": outputsForConditions(result.Outputs),
			"run":     map[string]any{"project": cfg.Project, "completed": result.CompletedCount},
			"params":  cfg.Params,
		}
		matched, err := r.cel.EvaluateBool(ctx, step.SkipIf, data)
		if err != nil {
			return false, "", schema.NewErrorf(schema.ErrCodeValidation,
				"skip condition failed: %s", step.SkipIf).WithStep(step.ID).WithCause(err)
		}
		if matched {
			return true, "condition", nil
		}
	}
	if st.Mode == schema.ModeManual && cfg.Confirm != nil {
		ok, err := cfg.Confirm(ctx, step)
		if err != nil {
			return false, "", schema.NewError(schema.ErrCodeCancelled, "confirmation failed").WithStep(step.ID).WithCause(err)
		}
		if !ok {
			return true, "declined", nil
		}
	}
	return false, "", nil
}

// applyGate scores the step output and, when the gate revises the content,
// rewrites the checkpoint so resume sees the improved version. A gate that
// closes without passing is recorded, not raised.
func (r *Runner) applyGate(ctx context.Context, runID string, step schema.StepPlan, output checkpoint.Output) (checkpoint.Output, error) {
	gateResult, err := r.gate.RunGate(ctx, output.Content, *step.Gate)
	if err != nil {
		return output, schema.NewError(schema.ErrCodeStepFailed, "quality gate errored").WithStep(step.ID).WithCause(err)
	}

	eventType := schema.EventGatePassed
	if !gateResult.Passed {
		eventType = schema.EventGateFailed
	}
	r.recordEvent(ctx, runID, schema.Event{
		Type:      eventType,
		StepID:    step.ID,
		Timestamp: time.Now().UTC(),
	})

	if output.Metadata == nil {
		output.Metadata = map[string]any{}
	}
	output.Metadata["gate"] = map[string]any{
		"passed":   gateResult.Passed,
		"score":    gateResult.Score.Overall,
		"grade":    gateResult.Score.Grade,
		"attempts": gateResult.Attempts,
		"minimum":  gateResult.MinimumRequired,
	}

	if gateResult.Content != output.Content {
		output.Content = gateResult.Content
		if err := r.executor.SaveOutput(step.ID, output); err != nil {
			r.logger.Warn("rewriting checkpoint after gate failed",
				slog.String("step_id", step.ID), slog.Any("error", err))
		}
	}
	return output, nil
}

func (r *Runner) retryObserver(ctx context.Context, runID, stepID string) RetryObserver {
	return func(ev schema.RetryEvent) {
		if ev.Type == schema.EventRetryScheduled {
			r.logger.Warn("attempt failed, retrying",
				slog.String("step_id", stepID),
				slog.Int("attempt", ev.Attempt),
				slog.Duration("delay", ev.Delay),
				slog.Any("error", ev.Err))
		}
		payload := map[string]any{"attempt": ev.Attempt}
		if ev.Delay > 0 {
			payload["delay_ms"] = ev.Delay.Milliseconds()
		}
		if ev.Err != nil {
			payload["error"] = ev.Err.Error()
		}
		r.appendEvent(ctx, runID, stepID, ev.Type, payload)
	}
}

func (r *Runner) reportProgress(cfg RunConfig, sm *StateMachine) {
	if cfg.OnProgress != nil {
		cfg.OnProgress(sm.Progress())
	}
}

// Persistence below is best effort: the run proceeds even when the audit
// store is unavailable.

func (r *Runner) createRunRow(ctx context.Context, runID string, cfg RunConfig) {
	if r.store == nil {
		return
	}
	now := time.Now().UTC()
	run := &store.Run{
		ID:         runID,
		Project:    cfg.Project,
		PlanName:   cfg.Plan.Name,
		Status:     schema.RunStatusActive,
		TotalSteps: len(cfg.Plan.Steps),
		StartedAt:  &now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.logger.Warn("recording run failed", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (r *Runner) finishRunRow(ctx context.Context, runID string, result *RunResult, status schema.RunStatus) {
	if r.store == nil {
		return
	}
	now := time.Now().UTC()
	upd := store.RunUpdate{
		Status:         &status,
		CompletedCount: &result.CompletedCount,
		SkippedCount:   &result.SkippedCount,
		CompletedAt:    &now,
	}
	if result.FailedStep != "" {
		upd.FailedStep = &result.FailedStep
	}
	if result.Err != nil {
		if raw, err := json.Marshal(map[string]any{"message": result.Err.Error()}); err == nil {
			upd.Error = raw
		}
	}
	if err := r.store.UpdateRun(ctx, runID, upd); err != nil {
		r.logger.Warn("updating run failed", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (r *Runner) recordEvent(ctx context.Context, runID string, ev schema.Event) {
	payload := map[string]any{}
	if ev.Previous != "" {
		payload["previous"] = ev.Previous
	}
	if ev.New != "" {
		payload["new"] = ev.New
	}
	r.appendEvent(ctx, runID, ev.StepID, ev.Type, payload)
}

func (r *Runner) appendEvent(ctx context.Context, runID, stepID, eventType string, payload map[string]any) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
	}
	ev := &store.Event{
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.logger.Warn("appending event failed",
			slog.String("run_id", runID),
			slog.String("event", eventType),
			slog.Any("error", err))
	}
}

// outputsForConditions flattens step outputs into plain maps for condition
// evaluation.
func outputsForConditions(outputs map[string]checkpoint.Output) map[string]any {
	out := make(map[string]any, len(outputs))
	for id, o := range outputs {
		out[id] = map[string]any{
			"content":  o.Content,
			"metadata": o.Metadata,
		}
	}
	return out
}
