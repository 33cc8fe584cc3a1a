/*
Package pool owns the fleet of pre-warmed worker processes that execute
actions, one environment per worker, with bounded concurrency, reuse,
crash recovery, and cooperative cancellation.

# Architecture

Per environment key the pool keeps a bounded set of worker slots, an
idle FIFO, and a bounded waiters FIFO of pending submissions:

	            Submit(env, sub)
	                  │
	     ┌────────────▼─────────────┐
	     │ idle slot?  ── yes ──────┼──> dispatch
	     │ below max?  ── yes ──────┼──> spawn, enqueue
	     │ waiters < bound? ─ yes ──┼──> enqueue
	     │ else                     │──> ErrOverloaded
	     └──────────────────────────┘

Slots live in an arena keyed by opaque slot ids; workers never hold
references back into the pool, so worker<->pool never forms a cycle.
Each slot runs exactly one request at a time. Back-pressure shows up as
queueing latency until the waiters bound, then as rejection.

# Slot Lifecycle

	starting ──ready──> idle ──dispatch──> busy ──result──> idle
	    │                 │                  │
	    │ exit            │ evict/ping-miss │ crash / poison
	    └────────────────>└─────────────────┴──> discarded

A worker that exits with an in-flight run resolves that run's future as
FAIL with a worker-crash cause and the slot is discarded; the next
submission spawns a fresh worker. A poisoned slot (crash, misbehavior,
frame for a run it does not own) is never reused.

# Cancellation

Cancel on a queued run removes it from the waiters FIFO. Cancel on an
executing run sends the worker a cancel frame and arms the grace timer;
a worker that does not respond in time is terminated and its slot
disposed. Either way the future resolves CANCELLED.

# Eviction

Idle workers beyond MinProcesses are evicted least-recently-used first
once they out-sit IdleTimeout. The janitor also pings idle workers; a
worker that misses a ping cycle is discarded.
*/
package pool
