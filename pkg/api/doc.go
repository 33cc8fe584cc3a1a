/*
Package api exposes the action execution core over HTTP using echo.

# Routes

	POST /api/actions/:package/:action/run    invoke (sync, deferred, callback)
	GET  /api/runs                            cursored listing with filters
	GET  /api/runs/:id                        one run
	GET  /api/runs/:id/fields?fields=a,b      selected fields of a run
	GET  /api/runs/by-request-id/:p/:a/:rid   idempotency-handle lookup
	POST /api/runs/:id/cancel                 cancellation
	PUT  /api/packages/:package/secrets       in-memory secret overrides
	GET  /api/actions                         current catalog snapshot
	GET  /api/ws?topics=runs,catalog          live-update subscription
	GET  /healthz                             liveness (unauthenticated)
	GET  /metrics                             Prometheus metrics

Every invocation response carries the run id in x-action-server-run-id;
deferred acknowledgements additionally carry x-action-async-completion.

# Errors

Classified errors map to stable statuses: envelope and schema faults are
400, unknown actions 404, missing bearer tokens 401, pool saturation
429; everything else is a 500. The body always carries the wire kind:

	{"error": {"kind": "schema-violation", "message": "..."}}

# Authentication

When an API key is configured, every /api route requires
"Authorization: Bearer <key>", compared in constant time. Health and
metrics stay open for probes and scrapers.
*/
package api
