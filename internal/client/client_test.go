package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"runstream/internal/types"
)

func TestStartRunDecodesVariants(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		check       func(t *testing.T, resp StartResponse)
	}{
		{
			name:        "handoff",
			contentType: "application/json",
			body:        `{"taskId":"t1"}`,
			check: func(t *testing.T, resp StartResponse) {
				handoff, ok := resp.(*TaskHandoffResponse)
				if !ok || handoff.TaskID != "t1" {
					t.Fatalf("expected handoff t1, got %#v", resp)
				}
			},
		},
		{
			name:        "inline failure",
			contentType: "application/json",
			body:        `{"success":false,"message":"boom"}`,
			check: func(t *testing.T, resp StartResponse) {
				inline, ok := resp.(*InlineResultResponse)
				if !ok || inline.Success || inline.Message != "boom" {
					t.Fatalf("expected failed inline result, got %#v", resp)
				}
			},
		},
		{
			name:        "inline success without flag",
			contentType: "application/json; charset=utf-8",
			body:        `{"value":42}`,
			check: func(t *testing.T, resp StartResponse) {
				inline, ok := resp.(*InlineResultResponse)
				if !ok || !inline.Success || string(inline.Raw) != `{"value":42}` {
					t.Fatalf("expected successful inline result, got %#v", resp)
				}
			},
		},
		{
			name:        "stream",
			contentType: "text/event-stream",
			body:        "event: run.start\ndata: {\"runId\":\"r1\"}\n\n",
			check: func(t *testing.T, resp StartResponse) {
				stream, ok := resp.(*StreamResponse)
				if !ok {
					t.Fatalf("expected stream response, got %#v", resp)
				}
				defer stream.Body.Close()
				data, _ := io.ReadAll(stream.Body)
				if !strings.Contains(string(data), "run.start") {
					t.Fatalf("unexpected stream body: %q", data)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/runs" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				if r.Header.Get("Authorization") != "Bearer token" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				if r.Header.Get(requestIDHeader) == "" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := New(server.URL, WithToken("token"))
			resp, err := c.StartRun(context.Background(), "/runs", map[string]any{"episodeId": "e1"})
			if err != nil {
				t.Fatalf("StartRun: %v", err)
			}
			tt.check(t, resp)
		})
	}
}

func TestStartRunStructuredErrorWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"BUSY","message":"episode already running"}}`))
	}))
	defer server.Close()

	_, err := New(server.URL).StartRun(context.Background(), "/runs", nil)
	apiErr := asAPIError(err)
	if apiErr == nil {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "episode already running" || apiErr.Code != "BUSY" {
		t.Fatalf("unexpected api error: %#v", apiErr)
	}
}

func TestStartRunTransportErrorFallsBackToStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer server.Close()

	_, err := New(server.URL).StartRun(context.Background(), "/runs", nil)
	if err == nil || err.Error() != "HTTP 502" {
		t.Fatalf("expected HTTP 502, got %v", err)
	}
}

func TestStartRunMalformedJSONIsParseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"taskId":`))
	}))
	defer server.Close()

	_, err := New(server.URL).StartRun(context.Background(), "/runs", nil)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestGetTaskWithEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/t1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("includeEvents") != "1" || r.URL.Query().Get("eventsLimit") != "50" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"task":{"id":"t1","status":"completed","result":{"ok":true}},"events":[{"taskId":"t1"}]}`))
	}))
	defer server.Close()

	snap, err := New(server.URL).GetTask(context.Background(), "t1", TaskQuery{IncludeEvents: true, EventsLimit: 50})
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if snap.Task.Status != types.TaskStatusCompleted || string(snap.Task.Result) != `{"ok":true}` || len(snap.Events) != 1 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"task not found"}`))
	}))
	defer server.Close()

	_, err := New(server.URL).GetTask(context.Background(), "missing", TaskQuery{})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err.Error() != "task not found" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestListActiveTasksQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("projectId") != "p1" || q.Get("targetType") != "episode" || q.Get("targetId") != "e1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := q["type"]; len(got) != 2 || got[0] != "script" || got[1] != "voice" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := q["status"]; len(got) != 2 || got[0] != "queued" || got[1] != "processing" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"tasks":[{"id":"t9","type":"script","status":"processing"}]}`))
	}))
	defer server.Close()

	tasks, err := New(server.URL).ListActiveTasks(context.Background(), ProbeQuery{
		ProjectID:  "p1",
		TargetType: "episode",
		TargetID:   "e1",
		Types:      []string{"script", " ", "voice"},
	})
	if err != nil {
		t.Fatalf("ListActiveTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t9" {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestCancelTaskSendsDelete(t *testing.T) {
	called := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := New(server.URL).CancelTask(context.Background(), "t1"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	select {
	case got := <-called:
		if got != "DELETE /tasks/t1" {
			t.Fatalf("unexpected request: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for cancel request")
	}
}
