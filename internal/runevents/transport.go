package runevents

import (
	"encoding/json"
	"strings"

	"runstream/internal/types"
)

// TransportEvent is a raw message from one of the two transports. Exactly
// one field is set.
type TransportEvent struct {
	SSE  *SSEBlock
	Task *types.TaskEvent
}

// MapTransportEvent is the single entry point used by every source.
func MapTransportEvent(raw TransportEvent) []types.RunStreamEvent {
	switch {
	case raw.SSE != nil:
		ev, ok := MapSSEBlock(*raw.SSE)
		if !ok {
			return nil
		}
		return []types.RunStreamEvent{ev}
	case raw.Task != nil:
		return MapTaskEvent(*raw.Task)
	default:
		return nil
	}
}

// MapHistoryEvent decodes one entry of a task's event log. The log may
// hold either task-bus envelopes or request-stream payloads; taskID fills
// in envelopes that omit it.
func MapHistoryEvent(raw json.RawMessage, taskID string) []types.RunStreamEvent {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	if _, ok := probe["runId"]; ok {
		if ev, ok := decodeRunEvent(raw, ""); ok {
			return []types.RunStreamEvent{ev}
		}
		return nil
	}
	var envelope types.TaskEvent
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if strings.TrimSpace(envelope.TaskID) == "" {
		envelope.TaskID = taskID
	}
	return MapTaskEvent(envelope)
}

// TerminalEventForTask synthesizes the run-terminal event equivalent to a
// finished task record. ok is false while the task is still pending.
func TerminalEventForTask(task types.TaskRecord, runID string) (types.RunStreamEvent, bool) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = strings.TrimSpace(task.ID)
	}
	switch types.TaskStatus(strings.ToLower(strings.TrimSpace(string(task.Status)))) {
	case types.TaskStatusCompleted:
		result := nonNullRaw(task.Result)
		return types.RunStreamEvent{
			RunID:   runID,
			Event:   types.RunEventRunComplete,
			Status:  types.RunStatusCompleted,
			Payload: result,
			Summary: result,
		}, true
	case types.TaskStatusFailed:
		return types.RunStreamEvent{
			RunID:   runID,
			Event:   types.RunEventRunError,
			Status:  types.RunStatusFailed,
			Message: ResolveErrorMessage(task.Error, defaultTaskFailedMessage),
			Payload: nonNullRaw(task.Error),
		}, true
	default:
		return types.RunStreamEvent{}, false
	}
}
