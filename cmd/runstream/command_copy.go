package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"runstream/internal/render"
	"runstream/internal/runstate"
	"runstream/internal/runview"
)

type copyFunc func(text string) (string, error)

func copyToClipboard(text string) (string, error) {
	method, err := render.CopyText(text)
	if err != nil {
		return "", err
	}
	return method.String(), nil
}

type CopyCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
	copyText   copyFunc
	now        func() time.Time
}

func NewCopyCommand(stdout, stderr io.Writer, newRuntime runtimeFactory, copyText copyFunc) *CopyCommand {
	return &CopyCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
		copyText:   copyText,
		now:        time.Now,
	}
}

// Run copies the output text of a step (the active one by default) from the
// stored snapshot.
func (c *CopyCommand) Run(args []string) error {
	fs := flag.NewFlagSet("copy", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	scopeFlags := registerScopeFlags(fs)
	stepID := fs.String("step", "", "step id to copy")
	printOnly := fs.Bool("print", false, "print the text instead of copying it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	scope, err := scopeFlags.scope()
	if err != nil {
		return err
	}

	rt, err := c.newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	state := rt.Snapshot(context.Background(), scope)
	if state == nil {
		return errors.New("no stored run for this scope")
	}
	if id := strings.TrimSpace(*stepID); id != "" {
		if state.StepsByID[id] == nil {
			return fmt.Errorf("unknown step: %s", id)
		}
		state = runstate.SelectStep(state, id)
	}
	view := runview.Project(state, false, c.now(), rt.ViewOptions())
	text := view.OutputText
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to copy")
	}
	if *printOnly {
		_, err := fmt.Fprintln(c.stdout, text)
		return err
	}
	method, err := c.copyText(text)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.stdout, "copied %d characters (%s)\n", len(text), method)
	return err
}
