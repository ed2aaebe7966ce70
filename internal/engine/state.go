package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

// StepState tracks the lifecycle of one step. Owned exclusively by the
// StateMachine; mutated only through its transition methods.
type StepState struct {
	StepID      string                `json:"step_id"`
	Status      schema.StepStatus     `json:"status"`
	Mode        schema.AutomationMode `json:"mode"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Listener receives lifecycle events. Listener panics are isolated: they are
// recovered and logged, and never abort a transition or block other listeners.
type Listener func(schema.Event)

// StateMachine tracks the ordered collection of step states plus the current
// step cursor. Safe for concurrent observation; transitions themselves are
// driven from the single run loop.
type StateMachine struct {
	mu        sync.Mutex
	order     []string
	steps     map[string]*StepState
	cursor    int // index of the current step, -1 before the first start
	started   bool
	completed bool // WorkflowCompleted emitted for the current completion
	listeners []Listener
	logger    *slog.Logger
}

// NewStateMachine creates a state machine for the given plan steps, all
// Pending. Step modes default to auto unless the plan says otherwise.
func NewStateMachine(steps []schema.StepPlan, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	sm := &StateMachine{
		order:  make([]string, 0, len(steps)),
		steps:  make(map[string]*StepState, len(steps)),
		cursor: -1,
		logger: logger,
	}
	for _, sp := range steps {
		mode := sp.Mode
		if mode == "" {
			mode = schema.ModeAuto
		}
		sm.order = append(sm.order, sp.ID)
		sm.steps[sp.ID] = &StepState{
			StepID: sp.ID,
			Status: schema.StepStatusPending,
			Mode:   mode,
		}
	}
	return sm
}

// Subscribe registers a listener for lifecycle events.
func (sm *StateMachine) Subscribe(l Listener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, l)
}

// Start transitions a Pending step to InProgress, stamps StartedAt, and
// advances the cursor. The very first start across the workflow additionally
// emits WorkflowStarted. Starting while another step is InProgress is an
// invalid transition: at most one step is InProgress at any instant.
func (sm *StateMachine) Start(stepID string) error {
	sm.mu.Lock()

	st, idx, err := sm.lookup(stepID)
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	if st.Status != schema.StepStatusPending {
		sm.mu.Unlock()
		return invalidTransition(stepID, st.Status, "start")
	}
	for _, other := range sm.steps {
		if other.Status == schema.StepStatusInProgress {
			sm.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot start while step %s is in_progress", other.StepID).WithStep(stepID)
		}
	}

	now := time.Now().UTC()
	var events []schema.Event
	if !sm.started {
		sm.started = true
		events = append(events, schema.Event{Type: schema.EventWorkflowStarted, Timestamp: now})
	}
	st.Status = schema.StepStatusInProgress
	st.StartedAt = &now
	sm.cursor = idx
	events = append(events, schema.Event{
		Type:      schema.EventStepStarted,
		StepID:    stepID,
		Previous:  string(schema.StepStatusPending),
		New:       string(schema.StepStatusInProgress),
		Timestamp: now,
	})
	listeners := sm.snapshotListeners()
	sm.mu.Unlock()

	sm.emit(listeners, events)
	return nil
}

// Complete transitions an InProgress step to Completed and stamps
// CompletedAt. When every step is terminal it emits WorkflowCompleted.
func (sm *StateMachine) Complete(stepID string) error {
	return sm.finish(stepID, "complete", schema.StepStatusCompleted, schema.EventStepCompleted,
		[]schema.StepStatus{schema.StepStatusInProgress})
}

// Skip transitions a Pending or InProgress step to Skipped. When every step
// is terminal it emits WorkflowCompleted.
func (sm *StateMachine) Skip(stepID string) error {
	return sm.finish(stepID, "skip", schema.StepStatusSkipped, schema.EventStepSkipped,
		[]schema.StepStatus{schema.StepStatusPending, schema.StepStatusInProgress})
}

func (sm *StateMachine) finish(stepID, trigger string, target schema.StepStatus, eventType string, from []schema.StepStatus) error {
	sm.mu.Lock()

	st, idx, err := sm.lookup(stepID)
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	allowed := false
	for _, f := range from {
		if st.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		sm.mu.Unlock()
		return invalidTransition(stepID, st.Status, trigger)
	}

	now := time.Now().UTC()
	previous := st.Status
	st.Status = target
	if target == schema.StepStatusCompleted {
		st.CompletedAt = &now
	}
	sm.cursor = idx

	events := []schema.Event{{
		Type:      eventType,
		StepID:    stepID,
		Previous:  string(previous),
		New:       string(target),
		Timestamp: now,
	}}
	if sm.allTerminalLocked() && !sm.completed {
		sm.completed = true
		events = append(events, schema.Event{Type: schema.EventWorkflowCompleted, Timestamp: now})
	}
	listeners := sm.snapshotListeners()
	sm.mu.Unlock()

	sm.emit(listeners, events)
	return nil
}

// GoTo rewinds a Completed or Skipped step back to Pending, clearing its
// timestamps and moving the cursor to it. GoTo on a Pending or InProgress
// step fails.
func (sm *StateMachine) GoTo(stepID string) error {
	sm.mu.Lock()

	st, idx, err := sm.lookup(stepID)
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	if !st.Status.IsTerminal() {
		sm.mu.Unlock()
		return invalidTransition(stepID, st.Status, "goTo")
	}

	now := time.Now().UTC()
	previous := st.Status
	st.Status = schema.StepStatusPending
	st.StartedAt = nil
	st.CompletedAt = nil
	sm.cursor = idx
	// The workflow is no longer complete; a later completion emits again.
	sm.completed = false

	events := []schema.Event{{
		Type:      schema.EventStepReset,
		StepID:    stepID,
		Previous:  string(previous),
		New:       string(schema.StepStatusPending),
		Timestamp: now,
	}}
	listeners := sm.snapshotListeners()
	sm.mu.Unlock()

	sm.emit(listeners, events)
	return nil
}

// SetMode changes the automation mode of one step.
func (sm *StateMachine) SetMode(stepID string, mode schema.AutomationMode) error {
	sm.mu.Lock()

	st, _, err := sm.lookup(stepID)
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	previous := st.Mode
	st.Mode = mode

	events := []schema.Event{{
		Type:      schema.EventModeChanged,
		StepID:    stepID,
		Previous:  string(previous),
		New:       string(mode),
		Timestamp: time.Now().UTC(),
	}}
	listeners := sm.snapshotListeners()
	sm.mu.Unlock()

	sm.emit(listeners, events)
	return nil
}

// SetGlobalMode changes the mode of every step still Pending. In-flight and
// finished steps keep their mode.
func (sm *StateMachine) SetGlobalMode(mode schema.AutomationMode) {
	sm.mu.Lock()
	now := time.Now().UTC()
	var events []schema.Event
	for _, id := range sm.order {
		st := sm.steps[id]
		if st.Status != schema.StepStatusPending || st.Mode == mode {
			continue
		}
		previous := st.Mode
		st.Mode = mode
		events = append(events, schema.Event{
			Type:      schema.EventModeChanged,
			StepID:    id,
			Previous:  string(previous),
			New:       string(mode),
			Timestamp: now,
		})
	}
	listeners := sm.snapshotListeners()
	sm.mu.Unlock()

	sm.emit(listeners, events)
}

// Restore sets a step's terminal status directly from a checkpoint during
// resume, without emitting lifecycle events or touching the cursor. Only
// Pending steps can be restored, and only to a terminal status.
func (sm *StateMachine) Restore(stepID string, status schema.StepStatus, completedAt *time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, _, err := sm.lookup(stepID)
	if err != nil {
		return err
	}
	if st.Status != schema.StepStatusPending {
		return invalidTransition(stepID, st.Status, "restore")
	}
	if !status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot restore step to non-terminal status %s", status).WithStep(stepID)
	}
	st.Status = status
	st.CompletedAt = completedAt
	sm.started = true
	return nil
}

// State returns a copy of the state for one step.
func (sm *StateMachine) State(stepID string) (StepState, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	st, ok := sm.steps[stepID]
	if !ok {
		return StepState{}, false
	}
	return *st, true
}

// States returns copies of all step states in plan order.
func (sm *StateMachine) States() []StepState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]StepState, 0, len(sm.order))
	for _, id := range sm.order {
		out = append(out, *sm.steps[id])
	}
	return out
}

// Progress derives step counts by status plus the current step pointer.
// No independent bookkeeping: everything comes from the step states.
func (sm *StateMachine) Progress() schema.Progress {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	p := schema.Progress{Total: len(sm.order)}
	for _, id := range sm.order {
		switch sm.steps[id].Status {
		case schema.StepStatusPending:
			p.Pending++
		case schema.StepStatusInProgress:
			p.InProgress++
		case schema.StepStatusCompleted:
			p.Completed++
		case schema.StepStatusSkipped:
			p.Skipped++
		}
	}
	if sm.cursor >= 0 && sm.cursor < len(sm.order) {
		p.Current = sm.order[sm.cursor]
	}
	return p
}

// IsComplete reports whether every step is Completed or Skipped.
func (sm *StateMachine) IsComplete() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.allTerminalLocked()
}

// Started reports whether any step has ever been started.
func (sm *StateMachine) Started() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.started
}

func (sm *StateMachine) allTerminalLocked() bool {
	for _, st := range sm.steps {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return len(sm.steps) > 0
}

func (sm *StateMachine) lookup(stepID string) (*StepState, int, error) {
	st, ok := sm.steps[stepID]
	if !ok {
		return nil, -1, schema.NewErrorf(schema.ErrCodeNotFound, "unknown step %q", stepID).WithStep(stepID)
	}
	for i, id := range sm.order {
		if id == stepID {
			return st, i, nil
		}
	}
	return st, -1, nil
}

func (sm *StateMachine) snapshotListeners() []Listener {
	out := make([]Listener, len(sm.listeners))
	copy(out, sm.listeners)
	return out
}

// emit delivers events to listeners outside the lock, isolating panics so a
// faulty observer cannot break a transition or starve other listeners.
func (sm *StateMachine) emit(listeners []Listener, events []schema.Event) {
	for _, ev := range events {
		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						sm.logger.Warn("listener panicked",
							slog.String("event", ev.Type),
							slog.Any("panic", r))
					}
				}()
				l(ev)
			}()
		}
	}
}

func invalidTransition(stepID string, status schema.StepStatus, trigger string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"cannot %s step in status %s", trigger, status).WithStep(stepID)
}
