// Command autopack executes tiered build plans against a workspace and serves
// the operator control API.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// errRunIncomplete is returned when a run finished without reaching COMPLETE.
var errRunIncomplete = errors.New("run did not complete")

func main() {
	err := dispatch(os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, errRunIncomplete):
		os.Exit(2)
	default:
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		printHelp()
		return nil
	}

	switch args[0] {
	case "run":
		return runPlan(args[1:])
	case "serve":
		return runServe(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "runs":
		return runList(args[1:])
	case "approve":
		return runDecide(args[1:], true)
	case "deny":
		return runDecide(args[1:], false)
	case "cancel":
		return runCancel(args[1:])
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: autopack <command> [options]

Commands:
  run       Execute a plan against a workspace
  serve     Serve the control API and process queued decisions
  migrate   Apply, roll back or inspect database migrations
  runs      List runs
  approve   Approve a pending governance request
  deny      Deny a pending governance request
  cancel    Cancel a run
  help      Show this help message

Examples:
  autopack run --plan plan.yaml --workspace ./repo
  autopack migrate up
  autopack runs --status EXECUTING
  autopack approve 3f2a... --resolver alice --note "docs only"
  autopack cancel 9c1e... --reason "wrong goal"

Configuration is read from autopack.yaml (override with --config) and
AUTOPACK_* environment variables.
`)
}
