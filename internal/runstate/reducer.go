package runstate

import (
	"strings"
	"time"

	"runstream/internal/types"
)

const (
	defaultRunErrorMessage  = "run failed"
	defaultStepErrorMessage = "step failed"
)

// Apply folds ev into state and returns the next state. It never mutates
// state: a no-op returns the same pointer, any change returns a fresh copy.
// Events addressed to another run are ignored.
func Apply(state *types.RunState, ev types.RunStreamEvent, now time.Time) *types.RunState {
	runID := strings.TrimSpace(ev.RunID)
	if runID == "" || !ev.Event.Valid() {
		return state
	}
	if state != nil && state.RunID != runID {
		return state
	}
	now = now.UTC()

	switch ev.Event {
	case types.RunEventRunStart:
		if state != nil {
			return state
		}
		return newRunState(runID, now)
	case types.RunEventRunComplete, types.RunEventRunError:
		return applyRunTerminal(state, runID, ev, now)
	case types.RunEventStepStart:
		return applyStepStart(state, runID, ev, now)
	case types.RunEventStepChunk:
		return applyStepChunk(state, runID, ev, now)
	case types.RunEventStepComplete, types.RunEventStepError:
		return applyStepTerminal(state, runID, ev, now)
	}
	return state
}

// ApplyAll folds events in order.
func ApplyAll(state *types.RunState, events []types.RunStreamEvent, now time.Time) *types.RunState {
	for _, ev := range events {
		state = Apply(state, ev, now)
	}
	return state
}

func newRunState(runID string, now time.Time) *types.RunState {
	return &types.RunState{
		RunID:     runID,
		Status:    types.RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
		StepsByID: map[string]*types.RunStepState{},
		StepOrder: []string{},
	}
}

func applyRunTerminal(state *types.RunState, runID string, ev types.RunStreamEvent, now time.Time) *types.RunState {
	if state != nil && state.Status.IsTerminal() {
		return state
	}
	var next *types.RunState
	if state == nil {
		next = newRunState(runID, now)
	} else {
		next = Clone(state)
	}
	terminalAt := now
	next.TerminalAt = &terminalAt
	next.UpdatedAt = now
	if summary := firstRaw(ev.Summary, ev.Payload); summary != nil {
		next.Summary = cloneRaw(summary)
	}
	if ev.Payload != nil {
		next.Payload = cloneRaw(ev.Payload)
	}
	if ev.Event == types.RunEventRunComplete {
		next.Status = types.RunStatusCompleted
		next.ErrorMessage = ""
		for _, id := range next.StepOrder {
			step := next.StepsByID[id]
			if step != nil && !step.Status.IsTerminal() {
				step.Status = types.StepStatusCompleted
			}
		}
		return next
	}
	message := strings.TrimSpace(ev.Message)
	if message == "" {
		message = defaultRunErrorMessage
	}
	next.Status = types.RunStatusFailed
	next.ErrorMessage = message
	for _, id := range next.StepOrder {
		step := next.StepsByID[id]
		if step != nil && step.Status == types.StepStatusRunning {
			step.Status = types.StepStatusFailed
			if step.ErrorMessage == "" {
				step.ErrorMessage = message
			}
		}
	}
	return next
}

func applyStepStart(state *types.RunState, runID string, ev types.RunStreamEvent, now time.Time) *types.RunState {
	stepID := strings.TrimSpace(ev.StepID)
	if stepID == "" {
		return state
	}
	if state != nil && state.Status.IsTerminal() {
		return state
	}
	next, step, ok := prepareStep(state, runID, stepID, ev, now)
	if !ok {
		return state
	}
	if step.Status.IsTerminal() {
		return state
	}
	step.Status = types.StepStatusRunning
	applyStepAddressing(step, ev)
	if msg := strings.TrimSpace(ev.Message); msg != "" {
		step.Message = msg
	}
	next.ActiveStepID = stepID
	next.UpdatedAt = now
	return next
}

func applyStepChunk(state *types.RunState, runID string, ev types.RunStreamEvent, now time.Time) *types.RunState {
	stepID := strings.TrimSpace(ev.StepID)
	if stepID == "" {
		return state
	}
	if state != nil && state.Status.IsTerminal() {
		return state
	}
	lane := ev.Lane
	if lane == "" {
		lane = types.LaneText
	}
	delta := ev.TextDelta
	if lane == types.LaneReasoning {
		delta = ev.ReasoningDelta
	}
	if delta == "" {
		return state
	}
	if existing := lookupStep(state, stepID); existing != nil {
		if existing.Attempt > ev.Attempt() {
			return state
		}
		if existing.Attempt == ev.Attempt() {
			if existing.Status.IsTerminal() {
				return state
			}
			if ev.Seq != nil {
				last := existing.TextSeq
				if lane == types.LaneReasoning {
					last = existing.ReasoningSeq
				}
				if last != nil && *ev.Seq <= *last {
					return state
				}
			}
		}
	}
	next, step, ok := prepareStep(state, runID, stepID, ev, now)
	if !ok {
		return state
	}
	step.Status = types.StepStatusRunning
	applyStepAddressing(step, ev)
	switch lane {
	case types.LaneReasoning:
		step.Reasoning += delta
		step.ReasoningLength += len(delta)
		if ev.Seq != nil {
			step.ReasoningSeq = types.Int64Ptr(*ev.Seq)
		}
	default:
		step.Text += delta
		step.TextLength += len(delta)
		if ev.Seq != nil {
			step.TextSeq = types.Int64Ptr(*ev.Seq)
		}
	}
	if next.ActiveStepID == "" {
		next.ActiveStepID = stepID
	}
	next.UpdatedAt = now
	return next
}

func applyStepTerminal(state *types.RunState, runID string, ev types.RunStreamEvent, now time.Time) *types.RunState {
	stepID := strings.TrimSpace(ev.StepID)
	if stepID == "" {
		return state
	}
	if existing := lookupStep(state, stepID); existing != nil {
		if existing.Attempt > ev.Attempt() {
			return state
		}
		if existing.Attempt == ev.Attempt() && existing.Status.IsTerminal() {
			return state
		}
	}
	if state != nil && state.Status.IsTerminal() && lookupStep(state, stepID) == nil {
		return state
	}
	next, step, ok := prepareStep(state, runID, stepID, ev, now)
	if !ok {
		return state
	}
	applyStepAddressing(step, ev)
	if ev.Text != nil {
		step.Text = *ev.Text
		step.TextLength = len(step.Text)
	}
	if ev.Reasoning != nil {
		step.Reasoning = *ev.Reasoning
		step.ReasoningLength = len(step.Reasoning)
	}
	if ev.Event == types.RunEventStepComplete {
		step.Status = types.StepStatusCompleted
		if msg := strings.TrimSpace(ev.Message); msg != "" {
			step.Message = msg
		}
	} else {
		step.Status = types.StepStatusFailed
		message := strings.TrimSpace(ev.Message)
		if message == "" {
			message = defaultStepErrorMessage
		}
		step.ErrorMessage = message
	}
	next.UpdatedAt = now
	return next
}

// prepareStep clones state (creating it when absent) and returns the
// mutable step addressed by ev. A higher attempt replaces the step with a
// fresh instance; a lower attempt is rejected.
func prepareStep(state *types.RunState, runID, stepID string, ev types.RunStreamEvent, now time.Time) (*types.RunState, *types.RunStepState, bool) {
	var next *types.RunState
	if state == nil {
		next = newRunState(runID, now)
	} else {
		next = Clone(state)
	}
	attempt := ev.Attempt()
	step, exists := next.StepsByID[stepID]
	switch {
	case !exists || step == nil:
		step = &types.RunStepState{ID: stepID, Status: types.StepStatusPending, Attempt: attempt}
		next.StepsByID[stepID] = step
		if !containsID(next.StepOrder, stepID) {
			next.StepOrder = append(next.StepOrder, stepID)
		}
	case attempt > step.Attempt:
		fresh := &types.RunStepState{
			ID:      stepID,
			Title:   step.Title,
			Status:  types.StepStatusPending,
			Index:   step.Index,
			Total:   step.Total,
			Attempt: attempt,
		}
		next.StepsByID[stepID] = fresh
		step = fresh
	case attempt < step.Attempt:
		return state, nil, false
	}
	return next, step, true
}

func applyStepAddressing(step *types.RunStepState, ev types.RunStreamEvent) {
	if title := strings.TrimSpace(ev.StepTitle); title != "" {
		step.Title = title
	}
	if ev.StepIndex != nil {
		step.Index = types.IntPtr(*ev.StepIndex)
	}
	if ev.StepTotal != nil {
		step.Total = types.IntPtr(*ev.StepTotal)
	}
}

func lookupStep(state *types.RunState, stepID string) *types.RunStepState {
	if state == nil {
		return nil
	}
	return state.StepsByID[stepID]
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func firstRaw(values ...[]byte) []byte {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
