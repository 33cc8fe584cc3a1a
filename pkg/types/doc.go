/*
Package types defines the shared data model for the action server.

All components exchange these types: action packages and their actions as
recorded by the import subsystem, runs and their lifecycle states, the
per-request invocation envelope, live-update bus events, and the classified
error taxonomy used across component boundaries.

# Core Types

ActionPackage: A directory with a manifest, identified by its slugified
name. Packages are created by the importer and disabled (never deleted)
when their directory disappears.

Action: A user-authored function, identified by (package, slug). Managed
parameters are stored by kind (secret, oauth2-secret, request, data-source)
so the execution path is a pure table lookup.

Run: A single execution with a persisted record. Status moves

	not_run -> running -> passed | failed | cancelled
	not_run -> cancelled

and CanTransitionTo encodes exactly these edges; the run store rejects
everything else with ErrInvalidStateTransition.

InvocationEnvelope: The decoded per-request context (secrets, OAuth2
tokens, async hints, forwarded headers). In-memory only, consumed once.

# Errors

Error carries a stable wire-level ErrorKind string. Components classify at
their boundary and callers dispatch with KindOf:

	if types.KindOf(err) == types.ErrOverloaded {
		// surface 429 to the client
	}

# Events

Event is the unit carried by the live-update bus. Sequence numbers are
monotonic per topic; subscribers use them to detect gaps after reconnects.
*/
package types
