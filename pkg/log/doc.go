/*
Package log provides structured logging for the action server using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common patterns. All logs include timestamps and support
filtering by severity level.

# Usage

Initialize once at startup, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("pool")
	logger.Info().Str("env", key).Msg("spawning worker")

Run-scoped helpers attach the identifiers operators grep for:

	log.WithRunID(run.ID).Info().Msg("run finished")
	log.WithAction("greeter", "greet").Debug().Msg("schema validated")

# Secret Hygiene

Nothing in this package redacts values. Callers that handle secret
material (the envelope codec, the secrets vault) must log key names only,
never values. This is enforced by review, not by the logger.
*/
package log
