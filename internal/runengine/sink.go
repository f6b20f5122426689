package runengine

import (
	"strings"
	"sync"
	"time"

	"runstream/internal/runstate"
	"runstream/internal/types"
)

// Sink receives the normalized events of one execution from every source
// racing to resolve it.
type Sink interface {
	// Apply folds events into the tracked run and returns the captured
	// terminal result once there is one.
	Apply(events ...types.RunStreamEvent) (types.RunResult, bool)
	// Handoff records the backend task that continues the run.
	Handoff(taskID string)
	// RunID is the id of the tracked run, empty until one is known.
	RunID() string
	Capture() *TerminalCapture
}

type runSink struct {
	apply   func([]types.RunStreamEvent) (*types.RunState, bool)
	current func() *types.RunState
	handoff func(taskID string)
	capture *TerminalCapture
}

func (s *runSink) Apply(events ...types.RunStreamEvent) (types.RunResult, bool) {
	if len(events) > 0 {
		if state, ok := s.apply(events); ok {
			if result, terminal := runstate.ResultFromState(state); terminal {
				s.capture.Capture(result)
			}
		}
	}
	return s.capture.Result()
}

func (s *runSink) Handoff(taskID string) {
	if s.handoff != nil {
		s.handoff(taskID)
	}
}

func (s *runSink) RunID() string {
	if state := s.current(); state != nil {
		return state.RunID
	}
	return ""
}

func (s *runSink) Capture() *TerminalCapture {
	return s.capture
}

// LocalSink is a self-contained Sink that owns its RunState.
type LocalSink struct {
	*runSink

	mu    sync.Mutex
	state *types.RunState
	now   func() time.Time
}

func NewLocalSink(now func() time.Time) *LocalSink {
	if now == nil {
		now = time.Now
	}
	s := &LocalSink{now: now}
	s.runSink = &runSink{
		apply: func(events []types.RunStreamEvent) (*types.RunState, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.state = runstate.ApplyAll(s.state, events, s.now())
			return s.state, true
		},
		current: s.State,
		handoff: func(taskID string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			taskID = strings.TrimSpace(taskID)
			s.state = runstate.Apply(s.state, types.RunStreamEvent{RunID: taskID, Event: types.RunEventRunStart}, s.now())
			s.state = runstate.WithTaskID(s.state, taskID)
		},
		capture: NewTerminalCapture(),
	}
	return s
}

func (s *LocalSink) State() *types.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
