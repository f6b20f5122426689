package runstate

import (
	"encoding/json"
	"strings"

	"runstream/internal/types"
)

// Clone deep-copies a run state so callers can mutate the copy freely.
func Clone(state *types.RunState) *types.RunState {
	if state == nil {
		return nil
	}
	next := *state
	if state.TerminalAt != nil {
		at := *state.TerminalAt
		next.TerminalAt = &at
	}
	next.Summary = cloneRaw(state.Summary)
	next.Payload = cloneRaw(state.Payload)
	next.StepOrder = append([]string{}, state.StepOrder...)
	next.StepsByID = make(map[string]*types.RunStepState, len(state.StepsByID))
	for id, step := range state.StepsByID {
		next.StepsByID[id] = cloneStep(step)
	}
	return &next
}

func cloneStep(step *types.RunStepState) *types.RunStepState {
	if step == nil {
		return nil
	}
	next := *step
	if step.Index != nil {
		next.Index = types.IntPtr(*step.Index)
	}
	if step.Total != nil {
		next.Total = types.IntPtr(*step.Total)
	}
	if step.TextSeq != nil {
		next.TextSeq = types.Int64Ptr(*step.TextSeq)
	}
	if step.ReasoningSeq != nil {
		next.ReasoningSeq = types.Int64Ptr(*step.ReasoningSeq)
	}
	return &next
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// SelectStep marks stepID as the user-focused step. Unknown ids are a no-op.
func SelectStep(state *types.RunState, stepID string) *types.RunState {
	stepID = strings.TrimSpace(stepID)
	if state == nil || stepID == "" {
		return state
	}
	if _, ok := state.StepsByID[stepID]; !ok || state.SelectedStepID == stepID {
		return state
	}
	next := Clone(state)
	next.SelectedStepID = stepID
	return next
}

// ResultFromState projects a terminal state. ok is false while running.
func ResultFromState(state *types.RunState) (types.RunResult, bool) {
	if state == nil || !state.Status.IsTerminal() {
		return types.RunResult{}, false
	}
	return types.RunResult{
		RunID:        state.RunID,
		Status:       state.Status,
		Summary:      cloneRaw(state.Summary),
		Payload:      cloneRaw(state.Payload),
		ErrorMessage: state.ErrorMessage,
	}, true
}

// ResultFromEvent projects a run-terminal event.
func ResultFromEvent(ev types.RunStreamEvent) (types.RunResult, bool) {
	if !ev.Event.IsRunTerminal() {
		return types.RunResult{}, false
	}
	result := types.RunResult{
		RunID:   strings.TrimSpace(ev.RunID),
		Summary: cloneRaw(firstRaw(ev.Summary, ev.Payload)),
		Payload: cloneRaw(ev.Payload),
	}
	if ev.Event == types.RunEventRunComplete {
		result.Status = types.RunStatusCompleted
		return result, true
	}
	result.Status = types.RunStatusFailed
	result.ErrorMessage = strings.TrimSpace(ev.Message)
	if result.ErrorMessage == "" {
		result.ErrorMessage = defaultRunErrorMessage
	}
	return result, true
}

// WithTaskID records the backend task tracking the run.
func WithTaskID(state *types.RunState, taskID string) *types.RunState {
	taskID = strings.TrimSpace(taskID)
	if state == nil || taskID == "" || state.TaskID == taskID {
		return state
	}
	next := Clone(state)
	next.TaskID = taskID
	return next
}
