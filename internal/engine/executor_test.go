package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftsmith/draftsmith/internal/cache"
	"github.com/draftsmith/draftsmith/internal/checkpoint"
	"github.com/draftsmith/draftsmith/internal/expressions"
	"github.com/draftsmith/draftsmith/pkg/schema"
)

// mockGenerator scripts a sequence of responses, one per call.
type mockGenerator struct {
	calls     int
	responses []func() (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string, options map[string]any) (string, error) {
	idx := m.calls
	m.calls++
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx]()
}

func respond(content string) func() (string, error) {
	return func() (string, error) { return content, nil }
}

func fail(err error) func() (string, error) {
	return func() (string, error) { return "", err }
}

func newTestExecutor(t *testing.T, gen Generator, opts ...ExecutorOption) (*StepExecutor, *checkpoint.Store) {
	t.Helper()
	cp, err := checkpoint.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	opts = append(opts, WithDefaultRetry(schema.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}))
	return NewStepExecutor(gen, cp, nil, opts...), cp
}

func TestExecuteStep_GeneratesAndCheckpoints(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){respond("draft text")}}
	exec, cp := newTestExecutor(t, gen)

	result, err := exec.ExecuteStep(context.Background(), schema.StepPlan{ID: "intro", Prompt: "write the intro"}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, "draft text", result.Output.Content)
	assert.Equal(t, 1, result.Attempts)
	assert.False(t, result.Replayed)

	rec, err := cp.Load("intro")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, schema.StepStatusCompleted, rec.Status)
	assert.Equal(t, "draft text", rec.Output.Content)
}

func TestExecuteStep_ResumeReplaysCheckpoint(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){respond("fresh")}}
	exec, cp := newTestExecutor(t, gen)

	require.NoError(t, cp.Save(&checkpoint.Record{
		StepID: "intro",
		Status: schema.StepStatusCompleted,
		Output: checkpoint.Output{Content: "from before"},
	}))

	result, err := exec.ExecuteStep(context.Background(), schema.StepPlan{ID: "intro", Prompt: "p"}, true, nil)
	require.NoError(t, err)

	assert.True(t, result.Replayed)
	assert.Equal(t, "from before", result.Output.Content)
	assert.Equal(t, 0, gen.calls, "resume must not re-execute a completed step")
}

func TestExecuteStep_FreshRunIgnoresCheckpoint(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){respond("fresh")}}
	exec, cp := newTestExecutor(t, gen)

	require.NoError(t, cp.Save(&checkpoint.Record{
		StepID: "intro",
		Status: schema.StepStatusCompleted,
		Output: checkpoint.Output{Content: "stale"},
	}))

	result, err := exec.ExecuteStep(context.Background(), schema.StepPlan{ID: "intro", Prompt: "p"}, false, nil)
	require.NoError(t, err)

	assert.False(t, result.Replayed)
	assert.Equal(t, "fresh", result.Output.Content)
	assert.Equal(t, 1, gen.calls)
}

func TestExecuteStep_RetriesTransientFailure(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){
		fail(schema.NewError(schema.ErrCodeNetwork, "connection reset")),
		respond("second try"),
	}}
	exec, _ := newTestExecutor(t, gen)

	result, err := exec.ExecuteStep(context.Background(), schema.StepPlan{ID: "body", Prompt: "p"}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, "second try", result.Output.Content)
}

func TestExecuteStep_FatalFailureNamesStep(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){
		fail(schema.NewError(schema.ErrCodeAuthFailure, "invalid api key")),
	}}
	exec, cp := newTestExecutor(t, gen)

	_, err := exec.ExecuteStep(context.Background(), schema.StepPlan{ID: "body", Prompt: "p"}, false, nil)
	require.Error(t, err)

	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "body", ee.StepID)
	assert.Equal(t, 1, gen.calls)

	rec, cerr := cp.Load("body")
	require.NoError(t, cerr)
	assert.Nil(t, rec, "failed steps must not leave a completed checkpoint")
}

func TestExecuteStep_ExhaustedRetryableReportsRetryExhausted(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){
		fail(schema.NewError(schema.ErrCodeTimeout, "timed out")),
	}}
	exec, _ := newTestExecutor(t, gen)

	_, err := exec.ExecuteStep(context.Background(), schema.StepPlan{ID: "body", Prompt: "p"}, false, nil)
	require.Error(t, err)

	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeRetryExhausted, ee.Code)
	assert.Equal(t, 3, gen.calls, "default retry config allows 3 attempts")
}

func TestExecuteStep_StepRetryConfigOverridesDefault(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){
		fail(schema.NewError(schema.ErrCodeTimeout, "timed out")),
	}}
	exec, _ := newTestExecutor(t, gen)

	step := schema.StepPlan{
		ID:     "body",
		Prompt: "p",
		Retry:  &schema.RetryConfig{MaxRetries: 0},
	}
	_, err := exec.ExecuteStep(context.Background(), step, false, nil)
	require.Error(t, err)
	assert.Equal(t, 1, gen.calls)
}

func TestExecuteStep_CacheComputesOnce(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){respond("cached content")}}
	c, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	exec, cp := newTestExecutor(t, gen, WithCache(c))

	step := schema.StepPlan{ID: "intro", Prompt: "p", Cache: true}

	first, err := exec.ExecuteStep(context.Background(), step, false, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Clear the checkpoint so the second run cannot replay it.
	require.NoError(t, cp.Delete("intro"))

	second, err := exec.ExecuteStep(context.Background(), step, false, nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "cached content", second.Output.Content)
	assert.Equal(t, 1, gen.calls, "cache hit must not call the generator again")
}

func TestExecuteStep_CachedFreshComputeReportsRealAttempts(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){
		fail(schema.NewError(schema.ErrCodeNetwork, "connection reset")),
		respond("eventually"),
	}}
	c, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	exec, cp := newTestExecutor(t, gen, WithCache(c))

	step := schema.StepPlan{ID: "intro", Prompt: "p", Cache: true}

	first, err := exec.ExecuteStep(context.Background(), step, false, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 2, first.Attempts, "retries inside the cache fill must be reported")
	assert.Greater(t, first.Elapsed, time.Duration(0))

	require.NoError(t, cp.Delete("intro"))

	second, err := exec.ExecuteStep(context.Background(), step, false, nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 0, second.Attempts, "a cache hit makes no generation attempts")
}

func TestExecuteStep_CacheKeyVariesWithOptions(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){respond("v1"), respond("v2")}}
	c, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	exec, _ := newTestExecutor(t, gen, WithCache(c))

	_, err = exec.ExecuteStep(context.Background(),
		schema.StepPlan{ID: "s", Prompt: "p", Cache: true, Options: map[string]any{"tone": "formal"}}, false, nil)
	require.NoError(t, err)

	result, err := exec.ExecuteStep(context.Background(),
		schema.StepPlan{ID: "s", Prompt: "p", Cache: true, Options: map[string]any{"tone": "casual"}}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, "v2", result.Output.Content)
	assert.Equal(t, 2, gen.calls)
}

func TestExecuteStep_TransformMergesIntoMetadata(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){respond("one two three four")}}
	exec, _ := newTestExecutor(t, gen, WithTransforms(expressions.NewGoJQEngine()))

	step := schema.StepPlan{
		ID:        "s",
		Prompt:    "p",
		Transform: `{word_count: (.content | split(" ") | length)}`,
	}
	result, err := exec.ExecuteStep(context.Background(), step, false, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 4, result.Output.Metadata["word_count"])
	assert.Equal(t, "one two three four", result.Output.Content)
}

func TestExecuteStep_TransformScalarStoredUnderKey(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){respond("hello")}}
	exec, _ := newTestExecutor(t, gen, WithTransforms(expressions.NewGoJQEngine()))

	step := schema.StepPlan{ID: "s", Prompt: "p", Transform: `.content | length`}
	result, err := exec.ExecuteStep(context.Background(), step, false, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 5, result.Output.Metadata["transform"])
}

func TestExecuteStep_InvalidTransformFails(t *testing.T) {
	gen := &mockGenerator{responses: []func() (string, error){respond("hello")}}
	exec, _ := newTestExecutor(t, gen, WithTransforms(expressions.NewGoJQEngine()))

	step := schema.StepPlan{ID: "s", Prompt: "p", Transform: `.content |`}
	_, err := exec.ExecuteStep(context.Background(), step, false, nil)
	require.Error(t, err)

	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}
