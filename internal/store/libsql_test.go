package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, project string) *Run {
	t.Helper()
	now := time.Now().UTC()
	run := &Run{
		ID:         uuid.New().String(),
		Project:    project,
		PlanName:   "chapter",
		Status:     schema.RunStatusActive,
		TotalSteps: 12,
		StartedAt:  &now,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestLibSQLStore_CreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, "novel")

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "novel", got.Project)
	assert.Equal(t, "chapter", got.PlanName)
	assert.Equal(t, schema.RunStatusActive, got.Status)
	assert.Equal(t, 12, got.TotalSteps)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestLibSQLStore_GetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestLibSQLStore_UpdateRun_PartialFields(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, "novel")

	status := schema.RunStatusFailed
	completed := 5
	failedStep := "step6"
	now := time.Now().UTC()
	errPayload, _ := json.Marshal(map[string]any{"message": "invalid api key"})
	err := s.UpdateRun(context.Background(), run.ID, RunUpdate{
		Status:         &status,
		CompletedCount: &completed,
		FailedStep:     &failedStep,
		Error:          errPayload,
		CompletedAt:    &now,
	})
	require.NoError(t, err)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, 5, got.CompletedCount)
	assert.Equal(t, "step6", got.FailedStep)
	assert.JSONEq(t, string(errPayload), string(got.Error))
	require.NotNil(t, got.CompletedAt)
	// Untouched fields survive.
	assert.Equal(t, 12, got.TotalSteps)
}

func TestLibSQLStore_UpdateRun_NoFields(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, "novel")

	// An empty update is a no-op, not an error.
	assert.NoError(t, s.UpdateRun(context.Background(), run.ID, RunUpdate{}))
}

func TestLibSQLStore_UpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	status := schema.RunStatusCompleted

	err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &status})
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestLibSQLStore_ListRuns_FilterAndLimit(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "novel")
	seedRun(t, s, "novel")
	blog := seedRun(t, s, "blog")

	status := schema.RunStatusCompleted
	require.NoError(t, s.UpdateRun(context.Background(), blog.ID, RunUpdate{Status: &status}))

	byProject, err := s.ListRuns(context.Background(), RunFilter{Project: "novel"})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	byStatus, err := s.ListRuns(context.Background(), RunFilter{Status: schema.RunStatusCompleted})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, blog.ID, byStatus[0].ID)

	limited, err := s.ListRuns(context.Background(), RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestLibSQLStore_AppendEvent_SequencePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runA := seedRun(t, s, "novel")
	runB := seedRun(t, s, "novel")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			RunID: runA.ID,
			Type:  schema.EventStepCompleted,
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{
		RunID: runB.ID,
		Type:  schema.EventWorkflowStarted,
	}))

	eventsA, err := s.GetEvents(ctx, runA.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsA, 3)
	for i, ev := range eventsA {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequence is dense per run")
	}

	eventsB, err := s.GetEvents(ctx, runB.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsB, 1)
	assert.Equal(t, int64(1), eventsB[0].Sequence, "each run has its own sequence")
}

func TestLibSQLStore_GetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "novel")

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventStepStarted}))
	}

	events, err := s.GetEvents(ctx, run.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)
}

func TestLibSQLStore_GetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "novel")

	payload, _ := json.Marshal(map[string]any{"attempt": 2})
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventRetryScheduled, StepID: "step4", Payload: payload}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventStepCompleted, StepID: "step4"}))

	events, err := s.GetEventsByType(ctx, schema.EventRetryScheduled, EventFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "step4", events[0].StepID)
	assert.JSONEq(t, string(payload), string(events[0].Payload))
}

func TestLibSQLStore_EventsCascadeWithRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "novel")
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventWorkflowStarted}))

	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", run.ID)
	require.NoError(t, err)

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLibSQLStore_ScheduleLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	params, _ := json.Marshal(map[string]any{"tone": "formal"})
	sched := &Schedule{
		ID:             uuid.New().String(),
		Project:        "novel",
		CronExpression: "0 6 * * *",
		Params:         params,
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 6 * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	assert.JSONEq(t, string(params), string(got.Params))
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, next.Unix(), got.NextRunAt.Unix())

	fired := time.Now().UTC()
	require.NoError(t, s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{
		LastRunAt:     &fired,
		LastRunStatus: "ok",
	}))
	got, err = s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{Enabled: &disabled}))

	enabled := true
	active, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.DeleteSchedule(ctx, sched.ID))
	_, err = s.GetSchedule(ctx, sched.ID)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestLibSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}
