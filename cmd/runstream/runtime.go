package main

import (
	"context"
	"errors"
	"io"

	"golang.org/x/time/rate"

	"runstream/internal/client"
	"runstream/internal/config"
	"runstream/internal/logging"
	"runstream/internal/runengine"
	"runstream/internal/runview"
	"runstream/internal/store"
	"runstream/internal/taskbus"
	"runstream/internal/types"
)

type runtimeFactory func() (commandRuntime, error)

// commandRuntime is everything a command needs from the configured process:
// engines per scope, passive snapshot reads and direct task control.
type commandRuntime interface {
	Engine(scope runengine.Scope) (engine, error)
	Snapshot(ctx context.Context, scope runengine.Scope) *types.RunState
	CancelTask(ctx context.Context, taskID string) error
	// TaskEvents subscribes to every task event of a project.
	TaskEvents(ctx context.Context, projectID string) (<-chan types.TaskEvent, func(), error)
	ViewOptions() runview.Options
	Close() error
}

// engine is the orchestrator surface used by the commands.
type engine interface {
	Run(ctx context.Context, params runengine.RunParams) (types.RunResult, error)
	Resume(ctx context.Context, taskID string) (types.RunResult, error)
	Hydrate(ctx context.Context) (bool, error)
	Wait(ctx context.Context) (types.RunResult, bool, error)
	Stop()
	Reset()
	IngestTaskEvent(ev types.TaskEvent) bool
	State() *types.RunState
	View() runview.View
	Subscribe(fn func(*types.RunState)) func()
	Close()
}

type appRuntime struct {
	cfg       config.CoreConfig
	logger    logging.Logger
	logCloser io.Closer
	api       *client.Client
	hub       *taskbus.Hub
	snapshots *store.Snapshots
	limiter   *rate.Limiter
	probes    *runengine.ProbeRegistry
	engines   []*runengine.Orchestrator
}

func newAppRuntime() (commandRuntime, error) {
	cfg, err := config.LoadCoreConfig()
	if err != nil {
		return nil, err
	}
	logPath, err := cfg.LogFile()
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := logging.Open(cfg.LogLevel(), logPath)
	if err != nil {
		return nil, err
	}
	snapshotPath, err := cfg.SnapshotPath()
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	backend, err := store.OpenSnapshotBackend(cfg.SnapshotBackend(), snapshotPath)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	api := client.New(cfg.BaseURL(),
		client.WithToken(cfg.Token()),
		client.WithLogger(logger),
		client.WithStreamDebug(cfg.StreamDebugEnabled()),
	)
	rt := &appRuntime{
		cfg:       cfg,
		logger:    logger,
		logCloser: logCloser,
		api:       api,
		snapshots: store.NewSnapshots(backend,
			store.WithSnapshotTTL(cfg.SnapshotTTL()),
			store.WithSnapshotLogger(logger),
		),
		probes: runengine.NewProbeRegistry(cfg.ProbeCooldown(), nil),
	}
	if cfg.LiveMode() == config.LiveModeInternal {
		rt.hub = taskbus.NewHub(api, logger)
	}
	perSecond, burst := cfg.RequestRate()
	rt.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return rt, nil
}

func (r *appRuntime) Engine(scope runengine.Scope) (engine, error) {
	var live runengine.LiveSource
	if r.hub != nil {
		live = r.hub
	}
	orchestrator, err := runengine.New(runengine.Config{
		API:            r.api,
		Live:           live,
		Snapshots:      r.snapshots,
		SnapshotPrefix: r.cfg.SnapshotPrefix(),
		Probes:         r.probes,
		Scope:          scope,
		TaskTypes:      r.cfg.TaskTypes(),
		PollInterval:   r.cfg.PollInterval(),
		HardTimeout:    r.cfg.HardTimeout(),
		ReplayLimit:    r.cfg.ReplayLimit(),
		Limiter:        r.limiter,
		View:           r.ViewOptions(),
		Logger:         r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.engines = append(r.engines, orchestrator)
	return orchestrator, nil
}

func (r *appRuntime) Snapshot(ctx context.Context, scope runengine.Scope) *types.RunState {
	return r.snapshots.Load(ctx, store.SnapshotKey(r.cfg.SnapshotPrefix(), scope.ProjectID, scope.ScopeID))
}

func (r *appRuntime) CancelTask(ctx context.Context, taskID string) error {
	return r.api.CancelTask(ctx, taskID)
}

func (r *appRuntime) TaskEvents(ctx context.Context, projectID string) (<-chan types.TaskEvent, func(), error) {
	if r.hub == nil {
		return nil, nil, errors.New("task feed requires engine live_mode = internal")
	}
	return r.hub.Subscribe(ctx, projectID, "")
}

func (r *appRuntime) ViewOptions() runview.Options {
	withContent, empty := r.cfg.ProgressHeuristic()
	return runview.Options{
		GraceWindow: r.cfg.GraceWindow(),
		Progress: runview.ProgressHeuristic{
			RunningWithContent: withContent,
			RunningEmpty:       empty,
		},
	}
}

func (r *appRuntime) Close() error {
	for _, orchestrator := range r.engines {
		orchestrator.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	return errors.Join(r.snapshots.Close(), r.logCloser.Close())
}
