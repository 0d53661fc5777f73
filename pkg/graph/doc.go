/*
Package graph persists graph templates and validates them against the
registered-node registry.

A PUT stores the template with validation_status=PENDING and schedules an
asynchronous verification task on the shared pool. Verification aggregates
every error it finds: structural invariants first (identifier uniqueness,
the reserved "store" identifier, successor references), then three concurrent
checks against one batch registry lookup (node resolution, secret presence,
input and placeholder typing). The verdict is VALID with no errors or
INVALID with the full list.

A template is readable in any state but only executable when VALID.
Successor creation calls WaitValid, a bounded poll (1s granularity, 5m
ceiling by default) that fails the dependent task when the ceiling elapses
or the template turns out INVALID.
*/
package graph
