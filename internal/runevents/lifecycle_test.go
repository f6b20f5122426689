package runevents

import (
	"encoding/json"
	"testing"

	"runstream/internal/types"
)

func lifecycleEvent(kind types.LifecycleType, payload types.TaskEventPayload) types.TaskEvent {
	payload.LifecycleType = kind
	return types.TaskEvent{TaskID: "t1", TaskType: "summarize", Type: types.TaskEventChannelLifecycle, Payload: payload}
}

func kinds(events []types.RunStreamEvent) []types.RunEventKind {
	out := make([]types.RunEventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Event)
	}
	return out
}

func sameKinds(got []types.RunEventKind, want ...types.RunEventKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestMapTaskEventLifecycle(t *testing.T) {
	tests := []struct {
		name string
		ev   types.TaskEvent
		want []types.RunEventKind
	}{
		{"created", lifecycleEvent(types.LifecycleCreated, types.TaskEventPayload{StepID: "s1"}), []types.RunEventKind{types.RunEventRunStart}},
		{"processing without step", lifecycleEvent(types.LifecycleProcessing, types.TaskEventPayload{}), []types.RunEventKind{types.RunEventRunStart}},
		{"progress alias", lifecycleEvent("Progress", types.TaskEventPayload{StepID: "s1"}), []types.RunEventKind{types.RunEventStepStart}},
		{"processing stage done", lifecycleEvent(types.LifecycleProcessing, types.TaskEventPayload{StepID: "s1", Stage: "Completed"}), []types.RunEventKind{types.RunEventStepStart, types.RunEventStepComplete}},
		{"processing stage failed", lifecycleEvent(types.LifecycleProcessing, types.TaskEventPayload{StepID: "s1", Stage: "error"}), []types.RunEventKind{types.RunEventStepStart, types.RunEventStepError}},
		{"completed with step", lifecycleEvent(types.LifecycleCompleted, types.TaskEventPayload{StepID: "s1"}), []types.RunEventKind{types.RunEventStepComplete, types.RunEventRunComplete}},
		{"completed", lifecycleEvent(types.LifecycleCompleted, types.TaskEventPayload{}), []types.RunEventKind{types.RunEventRunComplete}},
		{"failed", lifecycleEvent(types.LifecycleFailed, types.TaskEventPayload{StepID: "s1"}), []types.RunEventKind{types.RunEventStepError, types.RunEventRunError}},
		{"dismissed", lifecycleEvent(types.LifecycleDismissed, types.TaskEventPayload{}), []types.RunEventKind{types.RunEventRunError}},
		{"unknown lifecycle", lifecycleEvent("paused", types.TaskEventPayload{}), nil},
		{"missing task id", types.TaskEvent{Type: types.TaskEventChannelLifecycle, Payload: types.TaskEventPayload{LifecycleType: types.LifecycleCreated}}, nil},
		{"unknown channel", types.TaskEvent{TaskID: "t1", Type: "metrics"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapTaskEvent(tt.ev)
			if !sameKinds(kinds(got), tt.want...) {
				t.Fatalf("got %v, want %v", kinds(got), tt.want)
			}
			for _, ev := range got {
				if ev.RunID != "t1" {
					t.Fatalf("run id should equal task id, got %q", ev.RunID)
				}
			}
		})
	}
}

func TestMapTaskEventFailureMessage(t *testing.T) {
	got := MapTaskEvent(lifecycleEvent(types.LifecycleFailed, types.TaskEventPayload{
		Message: "transport text",
		Error:   json.RawMessage(`{"code":"QUOTA","message":"quota exceeded"}`),
	}))
	if len(got) != 1 || got[0].Message != "quota exceeded" {
		t.Fatalf("structured error should win: %#v", got)
	}

	dismissed := MapTaskEvent(lifecycleEvent(types.LifecycleDismissed, types.TaskEventPayload{}))
	if dismissed[0].Message != "task dismissed" {
		t.Fatalf("unexpected dismissed message: %q", dismissed[0].Message)
	}
}

func TestMapTaskEventCompletedResult(t *testing.T) {
	var ev types.TaskEvent
	raw := `{"taskId":"t1","type":"lifecycle","payload":{"lifecycleType":"completed","words":12}}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := MapTaskEvent(ev)
	if len(got) != 1 || len(got[0].Summary) == 0 {
		t.Fatalf("expected the raw payload as summary: %#v", got)
	}

	withResult := MapTaskEvent(lifecycleEvent(types.LifecycleCompleted, types.TaskEventPayload{Result: json.RawMessage(`{"id":9}`)}))
	if string(withResult[0].Summary) != `{"id":9}` {
		t.Fatalf("nested result should win: %s", withResult[0].Summary)
	}
}

func TestMapTaskEventStream(t *testing.T) {
	seq := int64(4)
	ev := types.TaskEvent{
		TaskID:   "t1",
		TaskType: "summarize",
		Type:     types.TaskEventChannelStream,
		Payload: types.TaskEventPayload{
			StepAttempt: types.IntPtr(2),
			Stream:      &types.TaskStreamData{Kind: "reasoning", Delta: "thinking", Seq: &seq},
		},
	}
	got := MapTaskEvent(ev)
	if len(got) != 1 {
		t.Fatalf("expected one chunk, got %d", len(got))
	}
	chunk := got[0]
	if chunk.StepID != "summarize" || chunk.Lane != types.LaneReasoning || chunk.ReasoningDelta != "thinking" || chunk.Attempt() != 2 {
		t.Fatalf("unexpected chunk: %#v", chunk)
	}

	ev.Payload.Stream = &types.TaskStreamData{Kind: "audio", Delta: "x"}
	if got := MapTaskEvent(ev); got != nil {
		t.Fatalf("unknown lanes should be dropped: %#v", got)
	}
	ev.Payload.Stream = &types.TaskStreamData{Kind: "text"}
	if got := MapTaskEvent(ev); got != nil {
		t.Fatalf("empty deltas should be dropped: %#v", got)
	}
}
