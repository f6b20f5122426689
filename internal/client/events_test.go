package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"runstream/internal/types"
)

func TestTaskEventStreamParsesEnvelopes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/events" || r.URL.Query().Get("projectId") != "p1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte(": keepalive\n\n"))
		_, _ = w.Write([]byte("event: lifecycle\ndata: {\"taskId\":\"t1\",\"taskType\":\"script\",\"payload\":{\"lifecycleType\":\"created\"}}\n\n"))
		_, _ = w.Write([]byte("event: stream\ndata: not json\n\n"))
		_, _ = w.Write([]byte("event: stream\ndata: {\"taskId\":\"t1\",\"type\":\"stream\",\"payload\":{\"stream\":{\"kind\":\"text\",\"delta\":\"hi\",\"seq\":1}}}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, stop, err := New(server.URL).TaskEventStream(ctx, "p1")
	if err != nil {
		t.Fatalf("TaskEventStream: %v", err)
	}
	defer stop()

	var got []types.TaskEvent
	for event := range ch {
		got = append(got, event)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d: %#v", len(got), got)
	}
	if got[0].Type != types.TaskEventChannelLifecycle || got[0].Payload.LifecycleType != types.LifecycleCreated {
		t.Fatalf("unexpected lifecycle event: %#v", got[0])
	}
	if got[1].Payload.Stream == nil || got[1].Payload.Stream.Delta != "hi" {
		t.Fatalf("unexpected stream event: %#v", got[1])
	}
}

func TestTaskEventStreamRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer server.Close()

	_, _, err := New(server.URL).TaskEventStream(context.Background(), "p1")
	if err == nil || err.Error() != "unauthorized" {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}
