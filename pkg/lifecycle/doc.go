/*
Package lifecycle is the policy center of the action server: it composes
the run store, process pool, envelope codec, post-run hook, and
live-update bus into the run state machine.

# Invocation Flow

	Submit(package, action, headers, body)
	  │ catalog lookup            -> ErrUnknownAction
	  │ envelope decode           -> ErrBadEnvelope / ErrDecryptFailed
	  │ input schema validation   -> ErrSchemaViolation
	  │ idempotency check         -> attach to prior run
	  │ run row (not_run) + artifact dir + run number
	  │ status running  + bus event
	  │ pool submit ───────────────────────────┐
	  │ await (sync / deferred)                │ worker executes
	  │                                        ▼
	  │ terminal persist + artifacts + bus + hook + callback

# Invocation Modes

Synchronous callers block until the run resolves. With the async-timeout
header the manager races the run against a timer: when the timer wins,
the caller receives an acknowledgement carrying the run id and a pending
flag while the run keeps executing. With a callback URL, the terminal
result is additionally POSTed to the client with a bounded retry budget;
delivery failures are recorded on the run without affecting its status.

# Idempotency

A request id makes submission idempotent per (action, request_id): a
duplicate submission attaches to the original run's completion instead
of starting a second execution, whether the run is live or already
terminal.

# Failure Propagation

Envelope and schema faults surface synchronously to the caller and
never create a run row. Pool, worker, and storage faults land in the
run record and surface through its terminal status. Hook failures are
logged only.
*/
package lifecycle
