package runevents

import (
	"encoding/json"
	"testing"

	"runstream/internal/types"
)

func TestMapTransportEvent(t *testing.T) {
	sse := MapTransportEvent(TransportEvent{SSE: &SSEBlock{Data: `{"runId":"r1","event":"run.start"}`}})
	if len(sse) != 1 || sse[0].RunID != "r1" {
		t.Fatalf("unexpected sse mapping: %#v", sse)
	}
	task := MapTransportEvent(TransportEvent{Task: &types.TaskEvent{
		TaskID:  "t1",
		Type:    types.TaskEventChannelLifecycle,
		Payload: types.TaskEventPayload{LifecycleType: types.LifecycleCompleted},
	}})
	if len(task) != 1 || task[0].Event != types.RunEventRunComplete {
		t.Fatalf("unexpected task mapping: %#v", task)
	}
	if got := MapTransportEvent(TransportEvent{}); got != nil {
		t.Fatalf("empty transport event should map to nothing")
	}
}

func TestMapHistoryEvent(t *testing.T) {
	runEvent := MapHistoryEvent(json.RawMessage(`{"runId":"t1","event":"step.start","stepId":"s1"}`), "t1")
	if len(runEvent) != 1 || runEvent[0].Event != types.RunEventStepStart {
		t.Fatalf("unexpected run-event history: %#v", runEvent)
	}
	envelope := MapHistoryEvent(json.RawMessage(`{"type":"lifecycle","payload":{"lifecycleType":"failed","error":"nope"}}`), "t1")
	if len(envelope) != 1 || envelope[0].RunID != "t1" || envelope[0].Message != "nope" {
		t.Fatalf("unexpected envelope history: %#v", envelope)
	}
	if got := MapHistoryEvent(json.RawMessage(`[1,2]`), "t1"); got != nil {
		t.Fatalf("non-object history should be dropped")
	}
}

func TestTerminalEventForTask(t *testing.T) {
	if _, ok := TerminalEventForTask(types.TaskRecord{ID: "t1", Status: types.TaskStatusProcessing}, ""); ok {
		t.Fatalf("processing task is not terminal")
	}
	done, ok := TerminalEventForTask(types.TaskRecord{ID: "t1", Status: "COMPLETED", Result: json.RawMessage(`{"n":1}`)}, "")
	if !ok || done.RunID != "t1" || done.Event != types.RunEventRunComplete || string(done.Summary) != `{"n":1}` {
		t.Fatalf("unexpected completion: %#v", done)
	}
	failed, ok := TerminalEventForTask(types.TaskRecord{ID: "t1", Status: types.TaskStatusFailed}, "r9")
	if !ok || failed.RunID != "r9" || failed.Message != "task failed" {
		t.Fatalf("unexpected failure: %#v", failed)
	}
}

func TestResolveErrorPolicy(t *testing.T) {
	tests := []struct {
		name       string
		structured string
		text       string
		want       string
	}{
		{"message wins", `{"message":"bad input","code":"E1"}`, "HTTP 400", "bad input"},
		{"nested error", `{"error":{"detail":"deep"}}`, "", "deep"},
		{"code when no message", `{"code":"BUSY"}`, "HTTP 409", "BUSY"},
		{"plain string", `"oops"`, "", "oops"},
		{"transport text", `null`, "connection reset", "connection reset"},
		{"fallback", ``, "", "run failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveErrorText(json.RawMessage(tt.structured), tt.text, "run failed"); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTagParseError(t *testing.T) {
	once := TagParseError("bad body")
	if once != "bad body [parseError]" || TagParseError(once) != once {
		t.Fatalf("unexpected tagging: %q", once)
	}
	if TagParseError("") != ParseErrorMarker {
		t.Fatalf("empty message should become the marker")
	}
}
