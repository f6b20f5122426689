package main

import (
	"flag"
	"fmt"
	"io"
)

type ResetCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
}

func NewResetCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *ResetCommand {
	return &ResetCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
	}
}

func (c *ResetCommand) Run(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	scopeFlags := registerScopeFlags(fs)
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
	e, err := rt.Engine(scope)
	if err != nil {
		return err
	}
	e.Reset()
	_, err = fmt.Fprintf(c.stdout, "reset %s\n", scopeLabel(scope.ProjectID, scope.ScopeID))
	return err
}

func scopeLabel(projectID, scopeID string) string {
	if scopeID == "" {
		return projectID
	}
	return projectID + "/" + scopeID
}
