package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	xansi "github.com/charmbracelet/x/ansi"

	"runstream/internal/runview"
	"runstream/internal/types"
)

func sampleView(status types.RunStatus) runview.View {
	state := &types.RunState{
		RunID:  "r1",
		TaskID: "t1",
		Status: status,
		StepsByID: map[string]*types.RunStepState{
			"outline": {ID: "outline", Title: "Outline", Status: types.StepStatusCompleted, Text: "- a\n- b", TextLength: 7},
			"draft":   {ID: "draft", Status: types.StepStatusRunning, Attempt: 2, Text: "Once upon a time", TextLength: 16},
		},
		StepOrder:    []string{"outline", "draft"},
		ActiveStepID: "draft",
	}
	if status == types.RunStatusFailed {
		state.ErrorMessage = "model overloaded"
		state.StepsByID["draft"].Status = types.StepStatusFailed
	}
	return runview.Project(state, status == types.RunStatusRunning, time.Now(), runview.DefaultOptions())
}

func TestViewPlain(t *testing.T) {
	out := View(sampleView(types.RunStatusRunning), Options{Width: 100})
	for _, want := range []string{"RUNNING", "run r1", "task t1", "57%", "live", "Outline", "draft (attempt 2)", "Once upon a time", "*"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain rendering should not contain escape codes:\n%s", out)
	}
}

func TestViewFailedShowsError(t *testing.T) {
	out := View(sampleView(types.RunStatusFailed), Options{})
	if !strings.Contains(out, "error: model overloaded") || !strings.Contains(out, "FAILED") {
		t.Fatalf("unexpected failed output:\n%s", out)
	}
}

func TestViewHideOutput(t *testing.T) {
	out := View(sampleView(types.RunStatusRunning), Options{HideOutput: true})
	if strings.Contains(out, "Once upon a time") {
		t.Fatalf("output should be hidden:\n%s", out)
	}
}

func TestViewWithoutRun(t *testing.T) {
	if got := View(runview.View{}, Options{}); got != noRunMessage {
		t.Fatalf("unexpected empty view: %q", got)
	}
}

func TestViewColorized(t *testing.T) {
	out := View(sampleView(types.RunStatusCompleted), Options{Color: true})
	if !strings.Contains(xansi.Strip(out), "COMPLETED") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestMarkdownRendersText(t *testing.T) {
	out := Markdown("# Title\n\nhello", 40)
	plain := xansi.Strip(out)
	if !strings.Contains(plain, "Title") || !strings.Contains(plain, "hello") {
		t.Fatalf("unexpected markdown output: %q", plain)
	}
	if Markdown("\n\n", 40) != "" {
		t.Fatalf("blank input should render empty")
	}
}

func TestResultLine(t *testing.T) {
	got := Result(types.RunResult{RunID: "r1", Status: types.RunStatusFailed, ErrorMessage: "boom"}, false)
	if got != " FAILED   run r1  boom" {
		t.Fatalf("unexpected result line: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 5, "abcd…"},
		{"日本語テキスト", 7, "日本語…"},
		{"abc", 1, "…"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.width); got != tt.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestShouldColorizeRejectsBuffers(t *testing.T) {
	if ShouldColorize(&bytes.Buffer{}) {
		t.Fatalf("buffers are never terminals")
	}
}
