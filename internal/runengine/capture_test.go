package runengine

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"runstream/internal/types"
)

func TestTerminalCaptureFirstWriterWins(t *testing.T) {
	capture := NewTerminalCapture()
	if !capture.Capture(types.RunResult{RunID: "r1", Status: types.RunStatusCompleted}) {
		t.Fatalf("first capture should win")
	}
	if capture.Capture(types.RunResult{RunID: "r1", Status: types.RunStatusFailed}) {
		t.Fatalf("second capture should be ignored")
	}
	select {
	case <-capture.Done():
	default:
		t.Fatalf("done should be closed after capture")
	}
	result, ok := capture.Result()
	if !ok || result.Status != types.RunStatusCompleted {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestSinkFirstTerminalSignalWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("the first terminal signal for a run decides its result", prop.ForAll(
		func(runID string, pollFirst bool, message string) bool {
			if runID == "" {
				runID = "run"
			}
			if message == "" {
				message = "poll failure"
			}
			live := types.RunStreamEvent{RunID: runID, Event: types.RunEventRunComplete, Status: types.RunStatusCompleted}
			poll := types.RunStreamEvent{RunID: runID, Event: types.RunEventRunError, Status: types.RunStatusFailed, Message: message}
			first, second := live, poll
			if pollFirst {
				first, second = poll, live
			}

			sink := NewLocalSink(func() time.Time { return time.Unix(0, 0) })
			sink.Apply(types.RunStreamEvent{RunID: runID, Event: types.RunEventRunStart})
			firstResult, ok := sink.Apply(first)
			if !ok {
				return false
			}
			secondResult, ok := sink.Apply(second)
			if !ok {
				return false
			}
			if firstResult.Status != secondResult.Status || firstResult.ErrorMessage != secondResult.ErrorMessage {
				return false
			}
			if pollFirst {
				return firstResult.Status == types.RunStatusFailed && firstResult.ErrorMessage == message
			}
			return firstResult.Status == types.RunStatusCompleted && sink.State().Status == types.RunStatusCompleted
		},
		gen.AlphaString(),
		gen.Bool(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
