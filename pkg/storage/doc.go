/*
Package storage provides the durable run store for the action server.

State lives in an embedded SQLite database (modernc.org/sqlite, pure Go)
under the data directory. Four tables hold the model: action_package,
action, run, and counter, plus schema_version for migrations.

# Writer Lane

SQLite allows one writer at a time. Rather than let concurrent
transactions race for the write lock and surface "database is locked"
errors, every mutation is funneled through a single writer goroutine:

	┌────────────┐   writeCh    ┌──────────────┐
	│ submitters │ ───────────> │ writer lane  │──> BEGIN .. COMMIT
	└────────────┘   closures   └──────────────┘

Reads never enter the lane; they run concurrently against the pool with
WAL mode enabled.

# Status Transitions

SetStatus re-reads the current status inside the transaction and applies
the legal-transition table from pkg/types. A forbidden transition fails
with ErrInvalidStateTransition and leaves the row untouched. Idempotent
run creation relies on a partial unique index over (action_id,
request_id): the lane checks for a prior row and returns it with
created=false rather than surfacing the constraint error.

# Cursored Queries

CursorQuery pages with keyset pagination ordered by (created_at, id),
which is stable under concurrent inserts. The cursor is an opaque
base64 token; clients must not parse it.

# Migrations

Migrations are ordered, idempotent, and applied inside transactions at
startup. A database whose recorded version exceeds the binary's newest
migration is refused with ErrDbFromFuture so an old server never
corrupts state written by a newer one.
*/
package storage
