package runengine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"runstream/internal/client"
	"runstream/internal/types"
)

// fakeBackend serves the task API over httptest.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	start     func(body map[string]any) (contentType string, status int, payload string)
	tasks     map[string]string
	events    map[string][]string
	active    []types.TaskRecord
	cancelled chan string
	lists     int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:         t,
		tasks:     map[string]string{},
		events:    map[string][]string{},
		cancelled: make(chan string, 8),
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) client() *client.Client {
	return client.New(b.server.URL)
}

func (b *fakeBackend) setStart(fn func(body map[string]any) (string, int, string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = fn
}

// setTask stores the JSON of the task record returned for id.
func (b *fakeBackend) setTask(id, record string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[id] = record
}

func (b *fakeBackend) setEvents(id string, events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[id] = events
}

func (b *fakeBackend) setActive(tasks ...types.TaskRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = tasks
}

func (b *fakeBackend) listCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/runs":
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		b.mu.Lock()
		start := b.start
		b.mu.Unlock()
		if start == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		contentType, status, payload := start(body)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	case r.Method == http.MethodGet && r.URL.Path == "/tasks":
		b.mu.Lock()
		b.lists++
		active := b.active
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": active})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/tasks/"):
		id := strings.TrimPrefix(r.URL.Path, "/tasks/")
		b.mu.Lock()
		record, ok := b.tasks[id]
		events := b.events[id]
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"task not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body := `{"task":` + record
		if r.URL.Query().Get("includeEvents") == "1" {
			body += `,"events":[` + strings.Join(events, ",") + `]`
		}
		_, _ = w.Write([]byte(body + "}"))
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/tasks/"):
		b.cancelled <- strings.TrimPrefix(r.URL.Path, "/tasks/")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// fakeLive is a LiveSource whose events are pushed by the test.
type fakeLive struct {
	mu    sync.Mutex
	chans map[string]chan types.TaskEvent
	ready chan string
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		chans: map[string]chan types.TaskEvent{},
		ready: make(chan string, 16),
	}
}

func (f *fakeLive) Subscribe(ctx context.Context, projectID, taskID string) (<-chan types.TaskEvent, func(), error) {
	ch := make(chan types.TaskEvent, 16)
	f.mu.Lock()
	f.chans[taskID] = ch
	f.mu.Unlock()
	f.ready <- taskID
	return ch, func() {}, nil
}

func (f *fakeLive) waitReady(t *testing.T, taskID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-f.ready:
			if got == taskID {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for live subscription to %s", taskID)
		}
	}
}

func (f *fakeLive) emit(taskID string, events ...types.TaskEvent) {
	f.mu.Lock()
	ch := f.chans[taskID]
	f.mu.Unlock()
	for _, ev := range events {
		ch <- ev
	}
}

func lifecycle(taskID string, kind types.LifecycleType, payload types.TaskEventPayload) types.TaskEvent {
	payload.LifecycleType = kind
	return types.TaskEvent{
		TaskID:   taskID,
		TaskType: "script",
		Type:     types.TaskEventChannelLifecycle,
		Payload:  payload,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func jsonResponse(payload string) (string, int, string) {
	return "application/json", http.StatusOK, payload
}
