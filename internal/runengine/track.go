package runengine

import (
	"context"
	"errors"
	"strings"
	"time"

	"runstream/internal/logging"
	"runstream/internal/runevents"
	"runstream/internal/runstate"
	"runstream/internal/types"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultHardTimeout  = 30 * time.Minute
	DefaultReplayLimit  = 500
)

// ErrTimeout is the failure injected when no source settles a run within
// the hard timeout.
var ErrTimeout = errors.New("run timed out")

// LiveSource delivers task events for one task. The internal deployment
// mode backs it with a shared per-project connection; external mode has
// none.
type LiveSource interface {
	Subscribe(ctx context.Context, projectID, taskID string) (<-chan types.TaskEvent, func(), error)
}

type TrackerConfig struct {
	Live         LiveSource
	Poller       *Poller
	PollInterval time.Duration
	HardTimeout  time.Duration
	ReplayLimit  int
	Logger       logging.Logger
}

// Tracker resolves a run that continues as a backend task by racing the
// live channel, interval polling, history replay and a hard timeout.
type Tracker struct {
	live         LiveSource
	poller       *Poller
	pollInterval time.Duration
	hardTimeout  time.Duration
	replayLimit  int
	logger       logging.Logger
}

func NewTracker(cfg TrackerConfig) *Tracker {
	t := &Tracker{
		live:         cfg.Live,
		poller:       cfg.Poller,
		pollInterval: cfg.PollInterval,
		hardTimeout:  cfg.HardTimeout,
		replayLimit:  cfg.ReplayLimit,
		logger:       cfg.Logger,
	}
	if t.pollInterval <= 0 {
		t.pollInterval = DefaultPollInterval
	}
	if t.hardTimeout <= 0 {
		t.hardTimeout = DefaultHardTimeout
	}
	if t.replayLimit <= 0 {
		t.replayLimit = DefaultReplayLimit
	}
	if t.logger == nil {
		t.logger = logging.Nop()
	}
	return t
}

// LiveMode reports whether a live channel is configured.
func (t *Tracker) LiveMode() bool {
	return t.live != nil
}

type TrackRequest struct {
	TaskID    string
	RunID     string
	ProjectID string
	// Recovered marks a run discovered already in flight; its history is
	// replayed before live events can be trusted.
	Recovered bool
}

// Track blocks until one source settles the run or ctx ends.
func (t *Tracker) Track(ctx context.Context, req TrackRequest, sink Sink) (types.RunResult, error) {
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		return types.RunResult{}, errors.New("task id is required")
	}
	if strings.TrimSpace(req.RunID) == "" {
		req.RunID = req.TaskID
	}
	logger := t.logger.With(logging.F("task_id", req.TaskID), logging.F("run_id", req.RunID))
	if result, settled := sink.Capture().Result(); settled {
		return result, nil
	}

	sources := []Source[types.RunResult]{
		t.settledSource(sink),
		t.pollSource(req, sink, logger),
		t.timeoutSource(req, sink, logger),
	}
	if t.live != nil {
		sources = append(sources, t.liveSource(req, sink, logger))
	}
	if t.live == nil || req.Recovered {
		sources = append(sources, t.replaySource(req, sink))
	}
	logger.Debug("tracking task", logging.F("live", t.live != nil), logging.F("recovered", req.Recovered))
	return FirstOf(ctx, sources...)
}

func (t *Tracker) settledSource(sink Sink) Source[types.RunResult] {
	return func(ctx context.Context) (types.RunResult, error) {
		select {
		case <-ctx.Done():
			return types.RunResult{}, ctx.Err()
		case <-sink.Capture().Done():
			result, _ := sink.Capture().Result()
			return result, nil
		}
	}
}

func (t *Tracker) liveSource(req TrackRequest, sink Sink, logger logging.Logger) Source[types.RunResult] {
	return func(ctx context.Context) (types.RunResult, error) {
		events, unsubscribe, err := t.live.Subscribe(ctx, req.ProjectID, req.TaskID)
		if err != nil {
			logger.Warn("live channel unavailable, falling back to poll", logging.F("error", err))
			return types.RunResult{}, ErrNoResult
		}
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return types.RunResult{}, ctx.Err()
			case ev, ok := <-events:
				if !ok {
					logger.Info("live channel closed, falling back to poll")
					return types.RunResult{}, ErrNoResult
				}
				if result, settled := sink.Apply(runevents.MapTaskEvent(ev)...); settled {
					logger.Info("run settled", logging.F("source", "live"))
					return result, nil
				}
			}
		}
	}
}

func (t *Tracker) pollSource(req TrackRequest, sink Sink, logger logging.Logger) Source[types.RunResult] {
	return func(ctx context.Context) (types.RunResult, error) {
		if t.poller == nil {
			return types.RunResult{}, ErrNoResult
		}
		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return types.RunResult{}, ctx.Err()
			case <-ticker.C:
			}
			ev, terminal, err := t.poller.PollTerminal(ctx, req.TaskID, req.RunID)
			if err != nil {
				if ctx.Err() != nil {
					return types.RunResult{}, ctx.Err()
				}
				logger.Debug("poll skipped", logging.F("error", err))
				continue
			}
			if !terminal {
				continue
			}
			logger.Info("run settled", logging.F("source", "poll"))
			if result, settled := sink.Apply(ev); settled {
				return result, nil
			}
			result, _ := runstate.ResultFromEvent(ev)
			return result, nil
		}
	}
}

func (t *Tracker) replaySource(req TrackRequest, sink Sink) Source[types.RunResult] {
	return func(ctx context.Context) (types.RunResult, error) {
		if t.poller == nil {
			return types.RunResult{}, ErrNoResult
		}
		result, settled, err := t.poller.Replay(ctx, req.TaskID, req.RunID, t.replayLimit, sink.Apply)
		if err != nil {
			if ctx.Err() != nil {
				return types.RunResult{}, ctx.Err()
			}
			return types.RunResult{}, ErrNoResult
		}
		if !settled {
			return types.RunResult{}, ErrNoResult
		}
		t.logger.Info("run settled", logging.F("task_id", req.TaskID), logging.F("source", "replay"))
		return result, nil
	}
}

func (t *Tracker) timeoutSource(req TrackRequest, sink Sink, logger logging.Logger) Source[types.RunResult] {
	return func(ctx context.Context) (types.RunResult, error) {
		timer := time.NewTimer(t.hardTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return types.RunResult{}, ctx.Err()
		case <-timer.C:
		}
		logger.Warn("run timed out", logging.F("timeout", t.hardTimeout.String()))
		ev := types.RunStreamEvent{
			RunID:   req.RunID,
			Event:   types.RunEventRunError,
			Status:  types.RunStatusFailed,
			Message: ErrTimeout.Error(),
		}
		if result, settled := sink.Apply(ev); settled {
			return result, nil
		}
		result, _ := runstate.ResultFromEvent(ev)
		return result, nil
	}
}
