package runengine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"runstream/internal/client"
	"runstream/internal/logging"
	"runstream/internal/runevents"
	"runstream/internal/runstate"
	"runstream/internal/runview"
	"runstream/internal/store"
	"runstream/internal/types"
)

const (
	interruptedMessage = "run interrupted"
	cancelTimeout      = 10 * time.Second

	DefaultSnapshotInterval = time.Second
)

var ErrClosed = errors.New("orchestrator closed")

// API is the backend surface used by the orchestrator.
type API interface {
	Starter
	TaskReader
	ListActiveTasks(ctx context.Context, query client.ProbeQuery) ([]types.TaskRecord, error)
	CancelTask(ctx context.Context, taskID string) error
}

// Scope identifies the logical workflow an orchestrator tracks. It keys
// the snapshot and filters passive task events.
type Scope struct {
	ProjectID  string
	ScopeID    string
	EpisodeID  string
	TargetType string
	TargetID   string
}

type RunParams struct {
	Endpoint string
	Body     any
}

type Config struct {
	API              API
	Live             LiveSource
	Snapshots        *store.Snapshots
	SnapshotPrefix   string
	SnapshotInterval time.Duration
	Probes           *ProbeRegistry
	Scope            Scope
	TaskTypes        []string
	PollInterval     time.Duration
	HardTimeout      time.Duration
	ReplayLimit      int
	Limiter          *rate.Limiter
	View             runview.Options
	Validate         func(RunParams) error
	Logger           logging.Logger
	Now              func() time.Time
}

type execution struct {
	gen     uint64
	cancel  context.CancelFunc
	sink    *runSink
	done    chan struct{}
	cleanup func()
	result  types.RunResult
	err     error
}

// Orchestrator owns one run's state and composes the executor, the
// recovered subscriber, the snapshot tier and the view projector. At most
// one execution is current; starting another supersedes it.
type Orchestrator struct {
	api       API
	tracker   *Tracker
	executor  *Executor
	snapshots *store.Snapshots
	key       string
	probes    *ProbeRegistry
	scope     Scope
	taskTypes []string
	viewOpts  runview.Options
	validate  func(RunParams) error
	logger    logging.Logger
	now       func() time.Time

	lifecycle context.Context
	stopAll   context.CancelFunc
	bg        sync.WaitGroup

	mu          sync.Mutex
	state       *types.RunState
	gen         uint64
	taskID      string
	current     *execution
	liveRunning bool
	recovered   bool
	subs        map[uint64]func(*types.RunState)
	nextSub     uint64
	closed      bool

	persistMu    sync.Mutex
	saveInterval time.Duration
	pending      *types.RunState
	dirty        bool
	lastSaved    time.Time
	saveTimer    *time.Timer
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.API == nil {
		return nil, errors.New("api is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	poller := NewPoller(cfg.API, cfg.Limiter, logger)
	tracker := NewTracker(TrackerConfig{
		Live:         cfg.Live,
		Poller:       poller,
		PollInterval: cfg.PollInterval,
		HardTimeout:  cfg.HardTimeout,
		ReplayLimit:  cfg.ReplayLimit,
		Logger:       logger,
	})
	var taskTypes []string
	for _, taskType := range cfg.TaskTypes {
		if v := strings.TrimSpace(taskType); v != "" && !slices.Contains(taskTypes, v) {
			taskTypes = append(taskTypes, v)
		}
	}
	saveInterval := cfg.SnapshotInterval
	if saveInterval <= 0 {
		saveInterval = DefaultSnapshotInterval
	}
	lifecycle, stopAll := context.WithCancel(context.Background())
	key := store.SnapshotKey(cfg.SnapshotPrefix, cfg.Scope.ProjectID, cfg.Scope.ScopeID)
	return &Orchestrator{
		api:       cfg.API,
		tracker:   tracker,
		executor:  NewExecutor(cfg.API, tracker, logger),
		snapshots: cfg.Snapshots,
		key:       key,
		probes:    cfg.Probes,
		scope:     cfg.Scope,
		taskTypes: taskTypes,
		viewOpts:  cfg.View,
		validate:  cfg.Validate,
		logger:    logger.With(logging.F("scope", key)),
		now:       now,
		lifecycle: lifecycle,
		stopAll:   stopAll,
		subs:      map[uint64]func(*types.RunState){},
		// Running states are saved at most once per interval.
		saveInterval: saveInterval,
	}, nil
}

// SnapshotKey is the storage key of this orchestrator's snapshot.
func (o *Orchestrator) SnapshotKey() string {
	return o.key
}

// Run starts a new run and blocks until it settles. A run already in
// flight on this orchestrator is aborted first and resolves as aborted.
func (o *Orchestrator) Run(ctx context.Context, params RunParams) (types.RunResult, error) {
	if strings.TrimSpace(params.Endpoint) == "" {
		return types.RunResult{}, errors.New("endpoint is required")
	}
	if o.validate != nil {
		if err := o.validate(params); err != nil {
			return types.RunResult{}, err
		}
	}
	execCtx, cancel := context.WithCancel(ctx)
	exec, err := o.begin(cancel, false, func() {
		o.state = nil
		o.taskID = ""
	})
	if err != nil {
		cancel()
		return types.RunResult{}, err
	}
	defer o.finish(exec)

	o.logger.Info("run start", logging.F("endpoint", params.Endpoint))
	result, err := o.executor.Execute(execCtx, ExecuteRequest{
		Endpoint:  params.Endpoint,
		Body:      params.Body,
		ProjectID: o.scope.ProjectID,
	}, exec.sink)
	exec.result, exec.err = result, err
	o.logger.Info("run settled",
		logging.F("run_id", result.RunID),
		logging.F("status", string(result.Status)),
		logging.F("aborted", IsAborted(result)),
	)
	return result, err
}

// Resume follows an already running task to completion without issuing a
// start request.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (types.RunResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return types.RunResult{}, errors.New("task id is required")
	}
	exec, err := o.startRecovered(nil, taskID)
	if err != nil {
		return types.RunResult{}, err
	}
	return o.wait(ctx, exec)
}

// Wait blocks until the current execution settles. ok is false when there
// is nothing in flight.
func (o *Orchestrator) Wait(ctx context.Context) (types.RunResult, bool, error) {
	o.mu.Lock()
	exec := o.current
	o.mu.Unlock()
	if exec == nil {
		return types.RunResult{}, false, nil
	}
	result, err := o.wait(ctx, exec)
	return result, true, err
}

func (o *Orchestrator) wait(ctx context.Context, exec *execution) (types.RunResult, error) {
	select {
	case <-exec.done:
		return exec.result, exec.err
	case <-ctx.Done():
		return types.RunResult{}, ctx.Err()
	}
}

// Stop aborts the active run: the local state fails with "aborted", the
// backend task is cancelled best-effort and the current execution is
// cancelled.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	exec := o.current
	state := o.state
	gen := o.gen
	taskID := o.taskID
	o.mu.Unlock()

	if state != nil && state.Status == types.RunStatusRunning {
		aborted := types.RunStreamEvent{
			RunID:   state.RunID,
			Event:   types.RunEventRunError,
			Status:  types.RunStatusFailed,
			Message: ErrAborted.Error(),
		}
		if exec != nil {
			exec.sink.Apply(aborted)
		} else {
			o.applyEvents(gen, []types.RunStreamEvent{aborted})
		}
		if taskID == "" {
			taskID = state.TaskID
		}
		if taskID != "" {
			o.cancelRemote(taskID)
		}
		o.logger.Info("run stopped", logging.F("run_id", state.RunID), logging.F("task_id", taskID))
	}
	if exec != nil {
		exec.cancel()
	}
}

// Reset stops any active run and forgets its state and snapshot.
func (o *Orchestrator) Reset() {
	o.Stop()
	o.mu.Lock()
	o.gen++
	prev := o.current
	o.current = nil
	o.state = nil
	o.taskID = ""
	o.liveRunning = false
	o.recovered = false
	o.persistLocked(nil)
	subs := o.subscribersLocked()
	o.mu.Unlock()
	o.flushSnapshot(true)
	if prev != nil {
		prev.cancel()
	}
	notify(subs, nil)
}

// IngestTaskEvent applies an event from a shared task channel the
// orchestrator does not own. Events of other task types, other episodes,
// or another run while this one is active are refused. While an execution
// is in flight only events for its run are accepted; a passive event never
// creates the state of an execution.
func (o *Orchestrator) IngestTaskEvent(ev types.TaskEvent) bool {
	if len(o.taskTypes) > 0 && !slices.Contains(o.taskTypes, strings.TrimSpace(ev.TaskType)) {
		return false
	}
	if episode := strings.TrimSpace(ev.EpisodeID); o.scope.EpisodeID != "" && episode != "" && episode != o.scope.EpisodeID {
		return false
	}
	events := runevents.MapTaskEvent(ev)
	if len(events) == 0 {
		return false
	}
	runID := events[0].RunID

	o.mu.Lock()
	state := o.state
	if o.current != nil && (state == nil || state.RunID != runID) {
		o.mu.Unlock()
		o.logger.Debug("ignored passive event during execution", logging.F("event_run_id", runID))
		return false
	}
	if state != nil && state.RunID != runID {
		if state.Status == types.RunStatusRunning {
			o.mu.Unlock()
			o.logger.Debug("ignored event for another run",
				logging.F("run_id", state.RunID),
				logging.F("event_run_id", runID),
			)
			return false
		}
		o.gen++
		o.state = nil
		o.taskID = ""
	}
	exec := o.current
	if o.state == nil && exec == nil {
		o.taskID = strings.TrimSpace(ev.TaskID)
	}
	gen := o.gen
	o.mu.Unlock()

	if exec != nil {
		exec.sink.Apply(events...)
		return true
	}
	_, ok := o.applyEvents(gen, events)
	return ok
}

// SelectStep focuses stepID. Unknown ids are ignored.
func (o *Orchestrator) SelectStep(stepID string) {
	o.mu.Lock()
	next := runstate.SelectStep(o.state, stepID)
	if next == o.state {
		o.mu.Unlock()
		return
	}
	o.state = next
	o.persistLocked(next)
	subs := o.subscribersLocked()
	o.mu.Unlock()
	o.flushSnapshot(false)
	notify(subs, next)
}

// Hydrate restores the snapshot for this scope. A running snapshot with a
// known task resumes in recovered mode; otherwise the scope is probed for
// an active task. It reports whether a recovered run was started.
func (o *Orchestrator) Hydrate(ctx context.Context) (bool, error) {
	if o.snapshots != nil {
		if state := o.snapshots.Load(ctx, o.key); state != nil {
			switch {
			case state.Status.IsTerminal():
				o.adopt(state)
				return false, nil
			case strings.TrimSpace(state.TaskID) != "":
				o.logger.Info("resuming run from snapshot", logging.F("run_id", state.RunID), logging.F("task_id", state.TaskID))
				if _, err := o.startRecovered(state, state.TaskID); err != nil {
					return false, err
				}
				return true, nil
			default:
				gen := o.adopt(state)
				o.applyEvents(gen, []types.RunStreamEvent{{
					RunID:   state.RunID,
					Event:   types.RunEventRunError,
					Status:  types.RunStatusFailed,
					Message: interruptedMessage,
				}})
			}
		}
	}
	_, found, err := o.ProbeActive(ctx)
	return found, err
}

// ProbeActive looks for a task already running in this scope, at most once
// per probe cooldown, and resumes it when found.
func (o *Orchestrator) ProbeActive(ctx context.Context) (string, bool, error) {
	if o.probes != nil && !o.probes.TryAcquire(o.key) {
		return "", false, nil
	}
	tasks, err := o.api.ListActiveTasks(ctx, client.ProbeQuery{
		ProjectID:  o.scope.ProjectID,
		TargetType: o.scope.TargetType,
		TargetID:   o.scope.TargetID,
		Types:      o.taskTypes,
	})
	if err != nil {
		o.logger.Warn("active task probe failed", logging.F("error", err))
		return "", false, err
	}
	for _, task := range tasks {
		taskID := strings.TrimSpace(task.ID)
		if taskID == "" {
			continue
		}
		o.logger.Info("resuming active task", logging.F("task_id", taskID))
		if _, err := o.startRecovered(nil, taskID); err != nil {
			return "", false, err
		}
		return taskID, true, nil
	}
	return "", false, nil
}

func (o *Orchestrator) State() *types.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) LiveRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.liveRunning
}

func (o *Orchestrator) Recovered() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recovered
}

// View projects the current state at the orchestrator's clock.
func (o *Orchestrator) View() runview.View {
	o.mu.Lock()
	state := o.state
	live := o.liveRunning
	o.mu.Unlock()
	return runview.Project(state, live, o.now(), o.viewOpts)
}

// Subscribe registers fn for every state change. The returned func
// unregisters it.
func (o *Orchestrator) Subscribe(fn func(*types.RunState)) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Close cancels the current execution without failing it, waits for every
// source and background request to finish, and refuses further runs.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	exec := o.current
	var cleanup func()
	if exec != nil {
		cleanup = exec.cleanup
	}
	o.mu.Unlock()

	if exec != nil {
		exec.cancel()
		if cleanup != nil {
			cleanup()
		}
		<-exec.done
	}
	o.stopAll()
	o.bg.Wait()
	o.flushSnapshot(true)
}

// begin makes a new execution current, superseding the previous one.
// prepare runs under the lock before the state is persisted.
func (o *Orchestrator) begin(cancel context.CancelFunc, recovered bool, prepare func()) (*execution, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.gen++
	prev := o.current
	exec := &execution{
		gen:    o.gen,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	exec.sink = o.newSink(exec.gen)
	o.current = exec
	o.liveRunning = true
	o.recovered = recovered
	if prepare != nil {
		prepare()
	}
	o.persistLocked(o.state)
	state := o.state
	subs := o.subscribersLocked()
	o.mu.Unlock()
	o.flushSnapshot(false)

	if prev != nil {
		prev.cancel()
	}
	notify(subs, state)
	return exec, nil
}

func (o *Orchestrator) finish(exec *execution) {
	o.mu.Lock()
	changed := false
	if o.current == exec {
		o.current = nil
		o.liveRunning = false
		o.recovered = false
		changed = true
	}
	state := o.state
	subs := o.subscribersLocked()
	o.mu.Unlock()

	o.flushSnapshot(true)
	exec.cancel()
	close(exec.done)
	if changed {
		notify(subs, state)
	}
}

func (o *Orchestrator) startRecovered(seed *types.RunState, taskID string) (*execution, error) {
	execCtx, cancel := context.WithCancel(o.lifecycle)
	exec, err := o.begin(cancel, true, func() {
		o.taskID = taskID
		switch {
		case seed != nil:
			o.state = runstate.WithTaskID(seed, taskID)
		case o.state == nil || o.state.RunID != taskID || o.state.Status.IsTerminal():
			start := types.RunStreamEvent{RunID: taskID, Event: types.RunEventRunStart, Status: types.RunStatusRunning}
			o.state = runstate.WithTaskID(runstate.Apply(nil, start, o.now()), taskID)
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}
	cleanup := SubscribeRecovered(execCtx, o.tracker, RecoveredArgs{
		TaskID:    taskID,
		RunID:     taskID,
		ProjectID: o.scope.ProjectID,
	}, exec.sink, func(result types.RunResult, err error) {
		if execCtx.Err() != nil && err != nil {
			result, err = abortedResult(exec.sink), nil
		}
		exec.result, exec.err = result, err
		o.finish(exec)
	})
	o.mu.Lock()
	exec.cleanup = cleanup
	o.mu.Unlock()
	return exec, nil
}

// adopt replaces the state without starting an execution and returns the
// generation it belongs to.
func (o *Orchestrator) adopt(state *types.RunState) uint64 {
	o.mu.Lock()
	o.gen++
	o.state = state
	o.taskID = state.TaskID
	gen := o.gen
	subs := o.subscribersLocked()
	o.mu.Unlock()
	notify(subs, state)
	return gen
}

func (o *Orchestrator) newSink(gen uint64) *runSink {
	return &runSink{
		apply: func(events []types.RunStreamEvent) (*types.RunState, bool) {
			return o.applyEvents(gen, events)
		},
		current: func() *types.RunState {
			o.mu.Lock()
			defer o.mu.Unlock()
			if gen != o.gen {
				return nil
			}
			return o.state
		},
		handoff: func(taskID string) {
			taskID = strings.TrimSpace(taskID)
			o.mu.Lock()
			if gen != o.gen {
				o.mu.Unlock()
				return
			}
			o.taskID = taskID
			o.mu.Unlock()
			o.applyEvents(gen, []types.RunStreamEvent{{RunID: taskID, Event: types.RunEventRunStart, Status: types.RunStatusRunning}})
		},
		capture: NewTerminalCapture(),
	}
}

// applyEvents is the single mutation path. Events from a superseded
// generation are refused.
func (o *Orchestrator) applyEvents(gen uint64, events []types.RunStreamEvent) (*types.RunState, bool) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return nil, false
	}
	prev := o.state
	next := runstate.ApplyAll(prev, events, o.now())
	if o.taskID != "" && next != nil && next.RunID == o.taskID {
		next = runstate.WithTaskID(next, o.taskID)
	}
	if next == prev {
		o.mu.Unlock()
		return next, true
	}
	o.state = next
	o.persistLocked(next)
	subs := o.subscribersLocked()
	o.mu.Unlock()
	o.flushSnapshot(false)
	notify(subs, next)
	return next, true
}

// persistLocked queues state for the advisory snapshot. The write itself
// happens in flushSnapshot, outside o.mu.
func (o *Orchestrator) persistLocked(state *types.RunState) {
	if o.snapshots == nil {
		return
	}
	o.pending = state
	o.dirty = true
}

// flushSnapshot writes the queued state. Terminal and empty states clear
// the snapshot at once; running states are saved at most once per save
// interval unless force is set, and a trailing change is written by a timer.
func (o *Orchestrator) flushSnapshot(force bool) {
	if o.snapshots == nil {
		return
	}
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return
	}
	state := o.pending
	immediate := force || state == nil || state.Status.IsTerminal() || o.lastSaved.IsZero()
	if !immediate {
		if wait := o.saveInterval - time.Since(o.lastSaved); wait > 0 {
			if o.saveTimer == nil && !o.closed {
				var timer *time.Timer
				timer = time.AfterFunc(wait, func() {
					o.mu.Lock()
					if o.saveTimer == timer {
						o.saveTimer = nil
					}
					o.mu.Unlock()
					o.flushSnapshot(false)
				})
				o.saveTimer = timer
			}
			o.mu.Unlock()
			return
		}
	}
	o.dirty = false
	o.pending = nil
	if o.saveTimer != nil {
		o.saveTimer.Stop()
		o.saveTimer = nil
	}
	o.lastSaved = time.Now()
	o.mu.Unlock()

	ctx := context.Background()
	if state == nil || state.Status.IsTerminal() {
		o.snapshots.Clear(ctx, o.key)
		return
	}
	o.snapshots.Save(ctx, o.key, state)
}

func (o *Orchestrator) subscribersLocked() []func(*types.RunState) {
	if len(o.subs) == 0 {
		return nil
	}
	out := make([]func(*types.RunState), 0, len(o.subs))
	for _, fn := range o.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(*types.RunState), state *types.RunState) {
	for _, fn := range subs {
		fn(state)
	}
}

// cancelRemote asks the backend to cancel taskID without waiting for the
// answer.
func (o *Orchestrator) cancelRemote(taskID string) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.lifecycle), cancelTimeout)
		defer cancel()
		if err := o.api.CancelTask(ctx, taskID); err != nil {
			o.logger.Debug("task cancel failed", logging.F("task_id", taskID), logging.F("error", err))
		}
	}()
}
