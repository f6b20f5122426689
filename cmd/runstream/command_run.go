package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"strings"

	"runstream/internal/runengine"
)

type RunCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
}

func NewRunCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *RunCommand {
	return &RunCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
	}
}

func (c *RunCommand) Run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	scopeFlags := registerScopeFlags(fs)
	renderFlags := registerRenderFlags(fs)
	endpoint := fs.String("endpoint", "", "start-run endpoint path")
	body := fs.String("body", "", "JSON request body")
	bodyFile := fs.String("body-file", "", "read the JSON request body from a file (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	scope, err := scopeFlags.scope()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*endpoint) == "" {
		return errors.New("--endpoint is required")
	}
	payload, err := readRunBody(*body, *bodyFile)
	if err != nil {
		return err
	}
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
	result, err := e.Run(ctx, runengine.RunParams{Endpoint: *endpoint, Body: payload})
	if err != nil && result.Status == "" {
		return err
	}
	if printErr := printer.finish(e.View(), result); printErr != nil {
		return printErr
	}
	if err != nil {
		return err
	}
	return runFailedError(result)
}

func readRunBody(inline, path string) (json.RawMessage, error) {
	inline = strings.TrimSpace(inline)
	path = strings.TrimSpace(path)
	if inline != "" && path != "" {
		return nil, errors.New("use either --body or --body-file")
	}
	var data []byte
	switch {
	case path == "-":
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		data = raw
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = raw
	case inline != "":
		data = []byte(inline)
	default:
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, errors.New("request body is not valid JSON")
	}
	return json.RawMessage(data), nil
}
