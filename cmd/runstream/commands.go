package main

import (
	"io"
	"os"
)

type commandRunner interface {
	Run(args []string) error
}

type commandWiring struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
	copyText   copyFunc
}

func defaultCommandWiring(stdout, stderr io.Writer) commandWiring {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return commandWiring{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newAppRuntime,
		copyText:   copyToClipboard,
	}
}

func buildCommands(wiring commandWiring) map[string]commandRunner {
	return map[string]commandRunner{
		"run":    NewRunCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"resume": NewResumeCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"status": NewStatusCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"reset":  NewResetCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"cancel": NewCancelCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"copy":   NewCopyCommand(wiring.stdout, wiring.stderr, wiring.newRuntime, wiring.copyText),
		"config": NewConfigCommand(wiring.stdout, wiring.stderr),
	}
}
