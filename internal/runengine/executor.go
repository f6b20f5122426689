package runengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"runstream/internal/client"
	"runstream/internal/logging"
	"runstream/internal/runevents"
	"runstream/internal/types"
)

const streamClosedMessage = "stream closed without terminal event"

// ErrAborted is the message carried by a run resolved through cancellation.
var ErrAborted = errors.New("aborted")

// Starter issues the start-run request.
type Starter interface {
	StartRun(ctx context.Context, endpoint string, body any) (client.StartResponse, error)
}

type ExecuteRequest struct {
	Endpoint  string
	Body      any
	ProjectID string
}

// Executor starts a new run and follows it to a terminal result through
// whichever response shape the backend picked.
type Executor struct {
	starter Starter
	tracker *Tracker
	logger  logging.Logger
}

func NewExecutor(starter Starter, tracker *Tracker, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{starter: starter, tracker: tracker, logger: logger}
}

// Execute resolves with the run's terminal result. Cancelling ctx resolves
// with the result captured so far, or an aborted result, and a nil error.
// A failure to start the run is returned as an error after the failed
// result has been recorded in sink.
func (x *Executor) Execute(ctx context.Context, req ExecuteRequest, sink Sink) (types.RunResult, error) {
	start, err := x.starter.StartRun(ctx, req.Endpoint, req.Body)
	if err != nil {
		if ctx.Err() != nil {
			return abortedResult(sink), nil
		}
		result := x.fail(sink, err.Error())
		x.logger.Warn("run start failed", logging.F("endpoint", req.Endpoint), logging.F("error", err))
		return result, fmt.Errorf("start run: %w", err)
	}

	var result types.RunResult
	switch resp := start.(type) {
	case *client.StreamResponse:
		result, err = x.consumeStream(ctx, resp, sink)
	case *client.TaskHandoffResponse:
		sink.Handoff(resp.TaskID)
		x.logger.Info("run handed off", logging.F("task_id", resp.TaskID), logging.F("live", x.tracker.LiveMode()))
		result, err = x.tracker.Track(ctx, TrackRequest{
			TaskID:    resp.TaskID,
			RunID:     resp.TaskID,
			ProjectID: req.ProjectID,
		}, sink)
	case *client.InlineResultResponse:
		result = x.applyInline(resp, sink)
	default:
		err = fmt.Errorf("unsupported start response %T", start)
	}
	if ctx.Err() != nil {
		return abortedResult(sink), nil
	}
	if err != nil {
		result = x.fail(sink, err.Error())
		return result, err
	}
	return result, nil
}

func (x *Executor) consumeStream(ctx context.Context, resp *client.StreamResponse, sink Sink) (types.RunResult, error) {
	defer resp.Body.Close()
	ceiling, cancel := context.WithTimeout(ctx, x.hardTimeout())
	defer cancel()
	// The body only unblocks when closed.
	stopClose := context.AfterFunc(ceiling, func() { _ = resp.Body.Close() })
	defer stopClose()

	blocks := 0
	err := runevents.ReadSSEBlocks(ceiling, resp.Body, func(block runevents.SSEBlock) bool {
		blocks++
		events := runevents.MapTransportEvent(runevents.TransportEvent{SSE: &block})
		_, settled := sink.Apply(events...)
		return !settled
	})
	if result, settled := sink.Capture().Result(); settled {
		return result, nil
	}
	if ctx.Err() != nil {
		return types.RunResult{}, ctx.Err()
	}
	if ceiling.Err() != nil {
		x.logger.Warn("run timed out", logging.F("blocks", blocks), logging.F("timeout", x.hardTimeout().String()))
		return x.fail(sink, ErrTimeout.Error()), nil
	}
	message := streamClosedMessage
	if err != nil {
		message = fmt.Sprintf("%s: %v", streamClosedMessage, err)
	}
	x.logger.Warn("run stream ended early", logging.F("blocks", blocks), logging.F("error", err))
	return x.fail(sink, message), nil
}

func (x *Executor) hardTimeout() time.Duration {
	if x.tracker == nil {
		return DefaultHardTimeout
	}
	return x.tracker.hardTimeout
}

func (x *Executor) applyInline(resp *client.InlineResultResponse, sink Sink) types.RunResult {
	runID := ensureRunID(sink)
	start := types.RunStreamEvent{RunID: runID, Event: types.RunEventRunStart, Status: types.RunStatusRunning}
	var terminal types.RunStreamEvent
	if resp.Success {
		terminal = types.RunStreamEvent{
			RunID:   runID,
			Event:   types.RunEventRunComplete,
			Status:  types.RunStatusCompleted,
			Summary: resp.Raw,
			Payload: resp.Raw,
		}
	} else {
		terminal = types.RunStreamEvent{
			RunID:   runID,
			Event:   types.RunEventRunError,
			Status:  types.RunStatusFailed,
			Message: runevents.ResolveErrorText(resp.Raw, resp.Message, "run failed"),
			Payload: resp.Raw,
		}
	}
	result, _ := sink.Apply(start, terminal)
	return result
}

// fail records a failed terminal result for the tracked run.
func (x *Executor) fail(sink Sink, message string) types.RunResult {
	runID := ensureRunID(sink)
	result, settled := sink.Apply(
		types.RunStreamEvent{RunID: runID, Event: types.RunEventRunStart, Status: types.RunStatusRunning},
		types.RunStreamEvent{RunID: runID, Event: types.RunEventRunError, Status: types.RunStatusFailed, Message: message},
	)
	if !settled {
		return types.RunResult{RunID: runID, Status: types.RunStatusFailed, ErrorMessage: message}
	}
	return result
}

func ensureRunID(sink Sink) string {
	if runID := strings.TrimSpace(sink.RunID()); runID != "" {
		return runID
	}
	return uuid.NewString()
}

func abortedResult(sink Sink) types.RunResult {
	if result, settled := sink.Capture().Result(); settled {
		return result
	}
	return types.RunResult{
		RunID:        sink.RunID(),
		Status:       types.RunStatusFailed,
		ErrorMessage: ErrAborted.Error(),
	}
}

// IsAborted reports whether result came from cancellation rather than the
// backend.
func IsAborted(result types.RunResult) bool {
	return result.Status == types.RunStatusFailed && result.ErrorMessage == ErrAborted.Error()
}
