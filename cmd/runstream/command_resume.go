package main

import (
	"errors"
	"flag"
	"io"
	"strings"

	"runstream/internal/types"
)

var errNothingToResume = errors.New("no run to resume")

type ResumeCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
}

func NewResumeCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *ResumeCommand {
	return &ResumeCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
	}
}

func (c *ResumeCommand) Run(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
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
	taskID := strings.TrimSpace(fs.Arg(0))
	printer, err := newRunPrinter(c.stdout, renderFlags)
	if err != nil {
		return err
	}

	rt, err := c.newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	e, err := rt.Engine(scope)
	if err != nil {
		return err
	}
	detach := printer.attach(e)
	defer detach()

	ctx, stop := signalContext(e.Stop)
	defer stop()

	var result types.RunResult
	if taskID != "" {
		result, err = e.Resume(ctx, taskID)
		if err != nil {
			return err
		}
	} else {
		if _, err := e.Hydrate(ctx); err != nil {
			return err
		}
		var inFlight bool
		result, inFlight, err = e.Wait(ctx)
		if err != nil {
			return err
		}
		if !inFlight {
			// A settled snapshot is still worth showing.
			view := e.View()
			if view.RunID == "" {
				return errNothingToResume
			}
			result = types.RunResult{RunID: view.RunID, Status: view.Status, ErrorMessage: view.ErrorMessage}
		}
	}
	if err := printer.finish(e.View(), result); err != nil {
		return err
	}
	return runFailedError(result)
}
