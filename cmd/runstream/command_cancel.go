package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

const cancelRequestTimeout = 10 * time.Second

type CancelCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
}

func NewCancelCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *CancelCommand {
	return &CancelCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
	}
}

func (c *CancelCommand) Run(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("cancel requires a task id")
	}
	taskID := strings.TrimSpace(fs.Arg(0))

	rt, err := c.newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := context.WithTimeout(context.Background(), cancelRequestTimeout)
	defer cancel()
	if err := rt.CancelTask(ctx, taskID); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.stdout, "cancelled %s\n", taskID)
	return err
}
