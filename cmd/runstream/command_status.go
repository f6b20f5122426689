package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"runstream/internal/render"
	"runstream/internal/runengine"
	"runstream/internal/runview"
)

type StatusCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
	now        func() time.Time
}

func NewStatusCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *StatusCommand {
	return &StatusCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
		now:        time.Now,
	}
}

// Run prints the stored snapshot of a scope without contacting the backend.
// With --watch it follows the project's task feed instead and reprints the
// step table on every change until interrupted.
func (c *StatusCommand) Run(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	scopeFlags := registerScopeFlags(fs)
	renderFlags := registerRenderFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	scope, err := scopeFlags.scope()
	if err != nil {
		return err
	}
	format, err := renderFlags.resolveFormat()
	if err != nil {
		return err
	}

	if *renderFlags.watch && format != outputFormatText {
		return errors.New("--watch requires text format")
	}

	rt, err := c.newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	if *renderFlags.watch {
		ctx, stop := signalContext(nil)
		defer stop()
		return c.follow(ctx, rt, scope, renderFlags)
	}
	state := rt.Snapshot(context.Background(), scope)
	view := runview.Project(state, false, c.now(), rt.ViewOptions())
	if format == outputFormatJSON {
		return writeJSON(c.stdout, view)
	}
	_, err = fmt.Fprintln(c.stdout, render.View(view, renderFlags.options(c.stdout)))
	return err
}

// follow feeds every task event of the project into the scope's engine.
// Events of other task types, episodes or runs are filtered by the engine.
func (c *StatusCommand) follow(ctx context.Context, rt commandRuntime, scope runengine.Scope, flags renderFlags) error {
	e, err := rt.Engine(scope)
	if err != nil {
		return err
	}
	events, unsubscribe, err := rt.TaskEvents(ctx, scope.ProjectID)
	if err != nil {
		return err
	}
	defer unsubscribe()
	if _, err := e.Hydrate(ctx); err != nil {
		fmt.Fprintf(c.stderr, "hydrate failed: %v\n", err)
	}

	printer, err := newRunPrinter(c.stdout, flags)
	if err != nil {
		return err
	}
	detach := printer.attach(e)
	defer detach()
	printer.frame(e)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				fmt.Fprintln(c.stderr, "task feed closed")
				return nil
			}
			e.IngestTaskEvent(ev)
		}
	}
}
