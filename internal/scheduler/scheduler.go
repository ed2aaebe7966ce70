package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/draftsmith/draftsmith/internal/store"
	"github.com/draftsmith/draftsmith/pkg/schema"
)

const pollInterval = 60 * time.Second

// RunTrigger starts a workflow run for a project. The scheduler stays
// decoupled from the engine through this interface.
type RunTrigger interface {
	TriggerRun(ctx context.Context, project string, params map[string]any) error
}

// Scheduler polls enabled schedules once a minute and triggers runs whose
// next_run_at is due. One scheduler instance per process.
type Scheduler struct {
	store   store.Store
	trigger RunTrigger
	parser  cron.Parser
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(s store.Store, trigger RunTrigger, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		trigger:  trigger,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// Start launches the polling loop. It returns immediately; call Stop to
// shut the loop down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// CalculateNextRun returns the next fire time of a cron expression after
// the given instant. Five-field expressions only.
func (s *Scheduler) CalculateNextRun(expression string, after time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expression)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q", expression).WithCause(err)
	}
	return sched.Next(after), nil
}

func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("listing schedules failed", slog.Any("error", err))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	s.mu.Lock()
	if s.inFlight[sched.ID] {
		s.mu.Unlock()
		return
	}
	s.inFlight[sched.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, sched.ID)
		s.mu.Unlock()
	}()

	log := s.logger.With(
		slog.String("schedule_id", sched.ID),
		slog.String("project", sched.Project))

	var params map[string]any
	if len(sched.Params) > 0 {
		if err := json.Unmarshal(sched.Params, &params); err != nil {
			log.Error("schedule params are not valid JSON", slog.Any("error", err))
			s.recordResult(ctx, sched, now, "error")
			return
		}
	}

	log.Info("triggering scheduled run")
	err := s.trigger.TriggerRun(ctx, sched.Project, params)
	status := "ok"
	switch {
	case err == nil:
	case isAlreadyRunning(err):
		// Another run holds the engine; skip this fire, the next tick
		// past the following next_run_at will try again.
		log.Warn("engine busy, skipping scheduled run")
		status = "skipped"
	default:
		log.Error("scheduled run failed", slog.Any("error", err))
		status = "error"
	}
	s.recordResult(ctx, sched, now, status)
}

func (s *Scheduler) recordResult(ctx context.Context, sched *store.Schedule, firedAt time.Time, status string) {
	upd := store.ScheduleUpdate{
		LastRunAt:     &firedAt,
		LastRunStatus: status,
	}
	if next, err := s.CalculateNextRun(sched.CronExpression, firedAt); err == nil {
		upd.NextRunAt = &next
	}
	if err := s.store.UpdateSchedule(ctx, sched.ID, upd); err != nil {
		s.logger.Warn("updating schedule failed",
			slog.String("schedule_id", sched.ID), slog.Any("error", err))
	}
}

func isAlreadyRunning(err error) bool {
	var ee *schema.EngineError
	return errors.As(err, &ee) && ee.Code == schema.ErrCodeWorkflowRunning
}
