/*
Package log provides structured logging for Flowstate using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
context-scoped child loggers and configurable log levels. All logs include
timestamps and support filtering by severity level for production debugging.

# Usage

Initializing the Logger:

	import "github.com/flowstate-io/flowstate/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	engineLog := log.WithComponent("engine")
	engineLog.Info().Str("state_id", id).Msg("state leased")

	runLog := log.WithRunID(runID)
	runLog.Error().Err(err).Msg("successor creation failed")

Context helpers add the fields the rest of the system filters on: component,
run_id, state_id, namespace and graph. Handlers and background tasks always log
through a component child logger so records can be traced back to the engine,
the validator, the reaper or the API layer.

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Never concatenate user input into log messages
*/
package log
