/*
Package api exposes the state manager over JSON HTTP.

Routes live under /v0 and require the x-api-key header; /health and
/metrics are open. The surface covers graph template upsert and read,
run triggering, explicit state creation under a caller-supplied run_id,
the worker loop (lease, executed, errored), node registration, run-store
writes and run/state reads.

Error mapping is uniform: missing templates and states are 404, illegal
transitions and schema violations are 400, authentication failures are
401, and anything unexpected is a 500 with a stable generic body so
internals never leak to callers.
*/
package api
