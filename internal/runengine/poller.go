package runengine

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/time/rate"

	"runstream/internal/client"
	"runstream/internal/logging"
	"runstream/internal/runevents"
	"runstream/internal/types"
)

// TaskReader fetches the canonical task record.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string, query client.TaskQuery) (*types.TaskSnapshot, error)
}

// Poller reads authoritative task state. Poll and replay requests from all
// racing sources share one limiter.
type Poller struct {
	tasks   TaskReader
	limiter *rate.Limiter
	logger  logging.Logger
}

func NewPoller(tasks TaskReader, limiter *rate.Limiter, logger logging.Logger) *Poller {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Poller{tasks: tasks, limiter: limiter, logger: logger}
}

// PollTerminal returns the run-terminal event equivalent to the task's
// current record. ok is false while the task is still pending or the
// request failed in a way worth retrying.
func (p *Poller) PollTerminal(ctx context.Context, taskID, runID string) (types.RunStreamEvent, bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return types.RunStreamEvent{}, false, err
	}
	snap, err := p.tasks.GetTask(ctx, taskID, client.TaskQuery{})
	if err != nil {
		return p.pollFailure(ctx, taskID, runID, err)
	}
	ev, ok := runevents.TerminalEventForTask(snap.Task, runID)
	return ev, ok, nil
}

// Replay fetches up to limit historical events for taskID and feeds them to
// apply in order, stopping at the first one that settles the run. A
// terminal task record settles the run when its log does not.
func (p *Poller) Replay(ctx context.Context, taskID, runID string, limit int, apply func(...types.RunStreamEvent) (types.RunResult, bool)) (types.RunResult, bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return types.RunResult{}, false, err
	}
	snap, err := p.tasks.GetTask(ctx, taskID, client.TaskQuery{IncludeEvents: true, EventsLimit: limit})
	if err != nil {
		ev, ok, err := p.pollFailure(ctx, taskID, runID, err)
		if err != nil || !ok {
			return types.RunResult{}, false, err
		}
		result, settled := apply(ev)
		return result, settled, nil
	}
	replayed := 0
	for _, raw := range snap.Events {
		events := runevents.MapHistoryEvent(raw, taskID)
		if len(events) == 0 {
			continue
		}
		replayed++
		if result, settled := apply(events...); settled {
			p.logger.Debug("replay settled",
				logging.F("task_id", taskID),
				logging.F("replayed", replayed),
			)
			return result, true, nil
		}
	}
	if ev, ok := runevents.TerminalEventForTask(snap.Task, runID); ok {
		result, settled := apply(ev)
		return result, settled, nil
	}
	p.logger.Debug("replay pending", logging.F("task_id", taskID), logging.F("replayed", replayed))
	return types.RunResult{}, false, nil
}

// pollFailure keeps polling through transport and HTTP failures. A 2xx body
// that cannot be read is terminal and surfaced with the parse marker.
func (p *Poller) pollFailure(ctx context.Context, taskID, runID string, err error) (types.RunStreamEvent, bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.RunStreamEvent{}, false, ctxErr
	}
	if errors.Is(err, client.ErrParse) {
		if strings.TrimSpace(runID) == "" {
			runID = taskID
		}
		p.logger.Warn("task snapshot unreadable", logging.F("task_id", taskID), logging.F("error", err))
		return types.RunStreamEvent{
			RunID:   runID,
			Event:   types.RunEventRunError,
			Status:  types.RunStatusFailed,
			Message: runevents.TagParseError(err.Error()),
		}, true, nil
	}
	p.logger.Warn("task poll failed", logging.F("task_id", taskID), logging.F("error", err))
	return types.RunStreamEvent{}, false, nil
}
