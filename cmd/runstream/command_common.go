package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"runstream/internal/render"
	"runstream/internal/runengine"
	"runstream/internal/runview"
	"runstream/internal/types"
)

const (
	outputFormatText = "text"
	outputFormatJSON = "json"
)

type scopeFlags struct {
	projectID  *string
	scopeID    *string
	episodeID  *string
	targetType *string
	targetID   *string
}

func registerScopeFlags(fs *flag.FlagSet) scopeFlags {
	return scopeFlags{
		projectID:  fs.String("project", "", "project id"),
		scopeID:    fs.String("scope", "", "scope id within the project"),
		episodeID:  fs.String("episode", "", "episode id filter"),
		targetType: fs.String("target-type", "", "probe target type"),
		targetID:   fs.String("target-id", "", "probe target id"),
	}
}

func (f scopeFlags) scope() (runengine.Scope, error) {
	scope := runengine.Scope{
		ProjectID:  strings.TrimSpace(*f.projectID),
		ScopeID:    strings.TrimSpace(*f.scopeID),
		EpisodeID:  strings.TrimSpace(*f.episodeID),
		TargetType: strings.TrimSpace(*f.targetType),
		TargetID:   strings.TrimSpace(*f.targetID),
	}
	if scope.ProjectID == "" {
		return runengine.Scope{}, errors.New("--project is required")
	}
	return scope, nil
}

type renderFlags struct {
	format   *string
	markdown *bool
	width    *int
	watch    *bool
}

func registerRenderFlags(fs *flag.FlagSet) renderFlags {
	return renderFlags{
		format:   fs.String("format", outputFormatText, "output format: text|json"),
		markdown: fs.Bool("markdown", true, "render step output as markdown"),
		width:    fs.Int("width", 100, "render width"),
		watch:    fs.Bool("watch", false, "print the step table on every change"),
	}
}

func (f renderFlags) resolveFormat() (string, error) {
	switch strings.ToLower(strings.TrimSpace(*f.format)) {
	case "", outputFormatText:
		return outputFormatText, nil
	case outputFormatJSON:
		return outputFormatJSON, nil
	default:
		return "", errors.New("invalid format: must be text or json")
	}
}

func (f renderFlags) options(out io.Writer) render.Options {
	return render.Options{
		Width:    *f.width,
		Color:    render.ShouldColorize(out),
		Markdown: *f.markdown,
	}
}

// runPrinter prints a settled run in the requested format and, with
// --watch, the step table on every change.
type runPrinter struct {
	out    io.Writer
	format string
	opts   render.Options
	watch  bool

	mu        sync.Mutex
	lastFrame string
}

func newRunPrinter(out io.Writer, flags renderFlags) (*runPrinter, error) {
	format, err := flags.resolveFormat()
	if err != nil {
		return nil, err
	}
	return &runPrinter{
		out:    out,
		format: format,
		opts:   flags.options(out),
		watch:  *flags.watch && format == outputFormatText,
	}, nil
}

func (p *runPrinter) attach(e engine) func() {
	if !p.watch {
		return func() {}
	}
	return e.Subscribe(func(*types.RunState) {
		p.frame(e)
	})
}

// frame prints the step table unless it is unchanged since the last one.
func (p *runPrinter) frame(e engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	opts := p.opts
	opts.HideOutput = true
	frame := render.View(e.View(), opts)
	if frame == p.lastFrame {
		return
	}
	p.lastFrame = frame
	fmt.Fprintln(p.out, frame)
}

func (p *runPrinter) finish(view runview.View, result types.RunResult) error {
	if p.format == outputFormatJSON {
		return writeJSON(p.out, struct {
			Result types.RunResult `json:"result"`
			View   runview.View    `json:"view"`
		}{Result: result, View: view})
	}
	if view.RunID != "" {
		fmt.Fprintln(p.out, render.View(view, p.opts))
		fmt.Fprintln(p.out)
	}
	fmt.Fprintln(p.out, render.Result(result, p.opts.Color))
	return nil
}

func writeJSON(out io.Writer, payload any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

// signalContext is cancelled on SIGINT/SIGTERM. onSignal runs once, before
// the context is cancelled, so a command can stop its run cleanly.
func signalContext(onSignal func()) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-signals:
			if onSignal != nil {
				onSignal()
			}
			cancel()
		case <-done:
		}
	}()
	return ctx, func() {
		signal.Stop(signals)
		close(done)
		cancel()
	}
}

// runFailedError makes a failed or aborted run exit non-zero after it has
// been printed.
func runFailedError(result types.RunResult) error {
	if result.Status != types.RunStatusFailed {
		return nil
	}
	if runengine.IsAborted(result) {
		return runengine.ErrAborted
	}
	message := result.ErrorMessage
	if message == "" {
		message = "run failed"
	}
	return errors.New(message)
}

func exitOnErr(label string, err error, stderr io.Writer) {
	if err == nil {
		return
	}
	fmt.Fprintf(stderr, "%s error: %v\n", label, err)
	os.Exit(1)
}
