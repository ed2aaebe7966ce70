package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/draftsmith/draftsmith/internal/cache"
	"github.com/draftsmith/draftsmith/internal/checkpoint"
	"github.com/draftsmith/draftsmith/internal/expressions"
	"github.com/draftsmith/draftsmith/internal/logging"
	"github.com/draftsmith/draftsmith/pkg/schema"
)

// Generator produces content for one step prompt. Implementations wrap
// whatever backend actually writes the text; the executor only sees this
// interface.
type Generator interface {
	Generate(ctx context.Context, prompt string, options map[string]any) (string, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, options map[string]any) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, options map[string]any) (string, error) {
	return f(ctx, prompt, options)
}

// StepExecutor runs a single step end to end: checkpoint replay, cache
// lookup, retried generation, output transform, checkpoint persistence.
type StepExecutor struct {
	generator    Generator
	checkpoints  *checkpoint.Store
	cache        *cache.Cache
	transforms   *expressions.GoJQEngine
	defaultRetry schema.RetryConfig
	logger       *slog.Logger
}

// ExecutorOption configures optional executor collaborators.
type ExecutorOption func(*StepExecutor)

// WithCache enables result caching for steps that opt in.
func WithCache(c *cache.Cache) ExecutorOption {
	return func(e *StepExecutor) { e.cache = c }
}

// WithTransforms enables jq output transforms.
func WithTransforms(eng *expressions.GoJQEngine) ExecutorOption {
	return func(e *StepExecutor) { e.transforms = eng }
}

// WithDefaultRetry sets the retry config used by steps without their own.
func WithDefaultRetry(cfg schema.RetryConfig) ExecutorOption {
	return func(e *StepExecutor) { e.defaultRetry = cfg }
}

func NewStepExecutor(gen Generator, cp *checkpoint.Store, logger *slog.Logger, opts ...ExecutorOption) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &StepExecutor{
		generator:   gen,
		checkpoints: cp,
		defaultRetry: schema.RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Strategy:   schema.BackoffExponential,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepResult is the output of one executed step plus how it was obtained.
type StepResult struct {
	Output   checkpoint.Output
	Attempts int
	Elapsed  time.Duration
	Replayed bool // satisfied from a checkpoint, no generation attempted
	Cached   bool // satisfied from the result cache
}

// ExecuteStep runs one step. When resuming, a completed checkpoint short
// circuits the whole pipeline and its saved output is returned as-is. A
// failed outcome comes back as an error naming the step.
func (e *StepExecutor) ExecuteStep(ctx context.Context, step schema.StepPlan, resuming bool, observer RetryObserver) (*StepResult, error) {
	ctx = logging.WithStepID(ctx, step.ID)
	log := e.logger.With(slog.String("step_id", step.ID))

	if resuming && e.checkpoints != nil {
		rec, err := e.checkpoints.Load(step.ID)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "loading checkpoint").WithStep(step.ID).WithCause(err)
		}
		if rec != nil && rec.Status == schema.StepStatusCompleted {
			log.Info("step replayed from checkpoint", slog.Time("saved_at", rec.SavedAt))
			return &StepResult{Output: rec.Output, Replayed: true}, nil
		}
	}

	output, attempts, elapsed, cached, err := e.produce(ctx, step, observer)
	if err != nil {
		return nil, err
	}

	if step.Transform != "" && e.transforms != nil {
		transformed, terr := e.applyTransform(ctx, step, output)
		if terr != nil {
			return nil, terr
		}
		output = transformed
	}

	if e.checkpoints != nil {
		rec := &checkpoint.Record{
			StepID: step.ID,
			Status: schema.StepStatusCompleted,
			Output: output,
		}
		if err := e.checkpoints.Save(rec); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "saving checkpoint").WithStep(step.ID).WithCause(err)
		}
	}

	return &StepResult{Output: output, Attempts: attempts, Elapsed: elapsed, Cached: cached}, nil
}

// produce obtains the step output from cache or fresh generation.
func (e *StepExecutor) produce(ctx context.Context, step schema.StepPlan, observer RetryObserver) (checkpoint.Output, int, time.Duration, bool, error) {
	if step.Cache && e.cache != nil {
		key := cache.Key(step.ID, step.Prompt, step.Options)
		var attempts int
		var elapsed time.Duration
		raw, err := e.cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) (json.RawMessage, error) {
			out, a, el, err := e.generate(ctx, step, observer)
			attempts, elapsed = a, el
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		})
		if err != nil {
			return checkpoint.Output{}, attempts, elapsed, false, err
		}
		var out checkpoint.Output
		if err := json.Unmarshal(raw, &out); err != nil {
			return checkpoint.Output{}, attempts, elapsed, false, schema.NewError(schema.ErrCodeInvalidResponse,
				"decoding cached step output").WithStep(step.ID).WithCause(err)
		}
		// attempts is zero when the closure never ran, meaning a cache hit.
		return out, attempts, elapsed, attempts == 0, nil
	}

	out, attempts, elapsed, err := e.generate(ctx, step, observer)
	return out, attempts, elapsed, false, err
}

func (e *StepExecutor) generate(ctx context.Context, step schema.StepPlan, observer RetryObserver) (checkpoint.Output, int, time.Duration, error) {
	cfg := e.defaultRetry
	if step.Retry != nil {
		cfg = *step.Retry
	}

	outcome := Retry(ctx, cfg, observer, func(ctx context.Context) (any, error) {
		return e.generator.Generate(ctx, step.Prompt, step.Options)
	})
	if !outcome.Success {
		code := schema.ErrCodeStepFailed
		if IsRetryable(outcome.Err) {
			code = schema.ErrCodeRetryExhausted
		}
		return checkpoint.Output{}, 0, 0, schema.NewErrorf(code,
			"step %s failed after %d attempt(s)", step.ID, outcome.Attempts).
			WithStep(step.ID).
			WithCause(outcome.Err).
			WithDetails(map[string]any{"attempts": outcome.Attempts})
	}

	content, ok := outcome.Result.(string)
	if !ok {
		return checkpoint.Output{}, 0, 0, schema.NewErrorf(schema.ErrCodeInvalidResponse,
			"generator returned %T, want string", outcome.Result).WithStep(step.ID)
	}

	out := checkpoint.Output{
		Content: content,
		Metadata: map[string]any{
			"attempts":     outcome.Attempts,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	return out, outcome.Attempts, outcome.Elapsed, nil
}

// applyTransform runs the step's jq expression over the output. A map
// result replaces the metadata; anything else is stored under "transform".
func (e *StepExecutor) applyTransform(ctx context.Context, step schema.StepPlan, out checkpoint.Output) (checkpoint.Output, error) {
	input := map[string]any{
		"content":  out.Content,
		"metadata": out.Metadata,
	}
	result, err := e.transforms.Evaluate(ctx, step.Transform, input)
	if err != nil {
		return out, schema.NewErrorf(schema.ErrCodeValidation,
			"transform failed: %s", step.Transform).WithStep(step.ID).WithCause(err)
	}
	switch v := result.(type) {
	case nil:
	case map[string]any:
		if out.Metadata == nil {
			out.Metadata = map[string]any{}
		}
		for k, val := range v {
			out.Metadata[k] = val
		}
	default:
		if out.Metadata == nil {
			out.Metadata = map[string]any{}
		}
		out.Metadata["transform"] = v
	}
	return out, nil
}

// SaveOutput overwrites a step's completed checkpoint, used when post
// processing (a quality gate fix pass) revises the content.
func (e *StepExecutor) SaveOutput(stepID string, out checkpoint.Output) error {
	if e.checkpoints == nil {
		return nil
	}
	rec := &checkpoint.Record{
		StepID: stepID,
		Status: schema.StepStatusCompleted,
		Output: out,
	}
	if err := e.checkpoints.Save(rec); err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", stepID, err)
	}
	return nil
}
