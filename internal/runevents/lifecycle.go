package runevents

import (
	"encoding/json"
	"strings"

	"runstream/internal/types"
)

var (
	stepCompletedStages = map[string]struct{}{
		"completed": {}, "complete": {}, "done": {}, "succeeded": {}, "success": {},
	}
	stepFailedStages = map[string]struct{}{
		"failed": {}, "error": {}, "errored": {},
	}
)

// NormalizeLifecycle folds the progress alias onto processing and rejects
// unknown lifecycle names.
func NormalizeLifecycle(raw types.LifecycleType) (types.LifecycleType, bool) {
	switch types.LifecycleType(strings.ToLower(strings.TrimSpace(string(raw)))) {
	case types.LifecycleCreated:
		return types.LifecycleCreated, true
	case types.LifecycleProcessing, types.LifecycleProgress:
		return types.LifecycleProcessing, true
	case types.LifecycleCompleted:
		return types.LifecycleCompleted, true
	case types.LifecycleFailed:
		return types.LifecycleFailed, true
	case types.LifecycleDismissed:
		return types.LifecycleDismissed, true
	default:
		return "", false
	}
}

// MapTaskEvent expands one task-bus envelope into zero or more run events.
// The task id doubles as the run id.
func MapTaskEvent(ev types.TaskEvent) []types.RunStreamEvent {
	runID := strings.TrimSpace(ev.TaskID)
	if runID == "" {
		return nil
	}
	switch ev.Type {
	case types.TaskEventChannelStream:
		chunk, ok := mapStreamChunk(runID, ev)
		if !ok {
			return nil
		}
		return []types.RunStreamEvent{chunk}
	case types.TaskEventChannelLifecycle, "":
		return mapLifecycle(runID, ev)
	default:
		return nil
	}
}

func mapLifecycle(runID string, ev types.TaskEvent) []types.RunStreamEvent {
	lifecycle, ok := NormalizeLifecycle(ev.Payload.LifecycleType)
	if !ok {
		return nil
	}
	payload := ev.Payload
	stepID := strings.TrimSpace(payload.StepID)
	base := types.RunStreamEvent{
		RunID:       runID,
		TS:          ev.TS,
		StepID:      stepID,
		StepTitle:   payload.StepTitle,
		StepIndex:   payload.StepIndex,
		StepTotal:   payload.StepTotal,
		StepAttempt: payload.StepAttempt,
		Message:     payload.Message,
	}
	switch lifecycle {
	case types.LifecycleCreated:
		start := base
		start.Event = types.RunEventRunStart
		start.Status = types.RunStatusRunning
		start.StepID = ""
		return []types.RunStreamEvent{start}
	case types.LifecycleProcessing:
		if stepID == "" {
			start := base
			start.Event = types.RunEventRunStart
			start.Status = types.RunStatusRunning
			return []types.RunStreamEvent{start}
		}
		out := []types.RunStreamEvent{withKind(base, types.RunEventStepStart)}
		stage := strings.ToLower(strings.TrimSpace(payload.Stage))
		if _, done := stepCompletedStages[stage]; done {
			complete := withKind(base, types.RunEventStepComplete)
			complete.Text = payload.Text
			complete.Reasoning = payload.Reasoning
			out = append(out, complete)
		} else if _, failed := stepFailedStages[stage]; failed {
			stepErr := withKind(base, types.RunEventStepError)
			stepErr.Message = ResolveErrorText(payload.Error, payload.Message, defaultTaskFailedMessage)
			out = append(out, stepErr)
		}
		return out
	case types.LifecycleCompleted:
		out := make([]types.RunStreamEvent, 0, 2)
		if stepID != "" {
			complete := withKind(base, types.RunEventStepComplete)
			complete.Text = payload.Text
			complete.Reasoning = payload.Reasoning
			out = append(out, complete)
		}
		result := completedResult(payload)
		done := base
		done.Event = types.RunEventRunComplete
		done.Status = types.RunStatusCompleted
		done.StepID = ""
		done.Payload = result
		done.Summary = result
		return append(out, done)
	case types.LifecycleFailed, types.LifecycleDismissed:
		fallback := defaultTaskFailedMessage
		if lifecycle == types.LifecycleDismissed {
			fallback = defaultTaskDismissedMessage
		}
		message := ResolveErrorText(payload.Error, payload.Message, fallback)
		out := make([]types.RunStreamEvent, 0, 2)
		if stepID != "" {
			stepErr := withKind(base, types.RunEventStepError)
			stepErr.Message = message
			out = append(out, stepErr)
		}
		failed := base
		failed.Event = types.RunEventRunError
		failed.Status = types.RunStatusFailed
		failed.StepID = ""
		failed.Message = message
		failed.Payload = nonNullRaw(payload.Error)
		return append(out, failed)
	}
	return nil
}

func mapStreamChunk(runID string, ev types.TaskEvent) (types.RunStreamEvent, bool) {
	stream := ev.Payload.Stream
	if stream == nil || stream.Delta == "" {
		return types.RunStreamEvent{}, false
	}
	lane, ok := types.NormalizeLane(stream.Kind)
	if !ok {
		return types.RunStreamEvent{}, false
	}
	stepID := strings.TrimSpace(ev.Payload.StepID)
	if stepID == "" {
		stepID = DefaultStepID(ev.TaskType)
	}
	if stepID == "" {
		return types.RunStreamEvent{}, false
	}
	attempt := stream.Attempt
	if attempt == nil {
		attempt = ev.Payload.StepAttempt
	}
	chunk := types.RunStreamEvent{
		RunID:       runID,
		Event:       types.RunEventStepChunk,
		TS:          ev.TS,
		StepID:      stepID,
		StepTitle:   ev.Payload.StepTitle,
		StepIndex:   ev.Payload.StepIndex,
		StepTotal:   ev.Payload.StepTotal,
		StepAttempt: attempt,
		Lane:        lane,
		Seq:         stream.Seq,
	}
	if lane == types.LaneReasoning {
		chunk.ReasoningDelta = stream.Delta
	} else {
		chunk.TextDelta = stream.Delta
	}
	return chunk, true
}

// DefaultStepID names the implicit step of a single-step task after its
// task type.
func DefaultStepID(taskType string) string {
	return strings.TrimSpace(taskType)
}

func completedResult(payload types.TaskEventPayload) json.RawMessage {
	if result := nonNullRaw(payload.Result); result != nil {
		return result
	}
	return nonNullRaw(payload.Raw)
}

func withKind(base types.RunStreamEvent, kind types.RunEventKind) types.RunStreamEvent {
	base.Event = kind
	return base
}
