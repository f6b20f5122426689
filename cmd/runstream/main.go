package main

import (
	"fmt"
	"os"
)

const usageText = `runstream drives and renders long-running backend runs.

Usage:
  runstream <command> [flags]

Commands:
  run      start a run and follow it to completion
  resume   resume the run of a scope, or follow a task by id
  status   show the last known state of a scope (--watch follows the task feed)
  reset    forget the run of a scope
  cancel   cancel a backend task
  copy     copy the selected step output to the clipboard
  config   print configuration (effective or defaults)
  help     show help

Scope flags (run, resume, status, reset, copy):
  --project      project id (required)
  --scope        scope id within the project
  --episode      only follow task events for this episode
  --target-type  target type used when probing for active tasks
  --target-id    target id used when probing for active tasks

Examples:
  runstream run --project p1 --endpoint /runs/outline --body '{"chapter":3}'
  runstream resume --project p1
  runstream resume --project p1 task-42
  runstream status --project p1 --format json
  runstream status --project p1 --watch
  runstream copy --project p1 --step draft
  runstream config --default --format toml
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	wiring := defaultCommandWiring(os.Stdout, os.Stderr)
	commands := buildCommands(wiring)

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return
	}

	runner, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
	exitOnErr(args[0], runner.Run(args[1:]), wiring.stderr)
}
