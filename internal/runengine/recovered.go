package runengine

import (
	"context"
	"sync"

	"runstream/internal/types"
)

type RecoveredArgs struct {
	TaskID    string
	RunID     string
	ProjectID string
}

// SubscribeRecovered follows a run that was already in flight without
// re-issuing its start request. onSettle, when set, receives the outcome
// exactly once. The returned cleanup cancels every source and waits for
// them to stop; calling it more than once is safe.
func SubscribeRecovered(ctx context.Context, tracker *Tracker, args RecoveredArgs, sink Sink, onSettle func(types.RunResult, error)) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, err := tracker.Track(ctx, TrackRequest{
			TaskID:    args.TaskID,
			RunID:     args.RunID,
			ProjectID: args.ProjectID,
			Recovered: true,
		}, sink)
		if onSettle != nil {
			onSettle(result, err)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
