/*
Package engine drives the state lifecycle of workflow runs.

A run starts with Trigger (or CreateStates under a caller-supplied run_id),
which materializes CREATED states from a graph template. Workers poll Lease
with a (namespace, node_name) routing key; the engine hands out the oldest
matching CREATED states, flipping each to QUEUED by compare-and-set so no
two workers receive the same state. At lease time every remaining input
placeholder is resolved from ancestor outputs and the run-scoped store, and
the secrets the node requires are decrypted into the response.

Workers commit with Executed or Errored. Executed validates the output maps
against the node's schema, records the first map on the state, and expands
successors in the background: one batch of CREATED successor states per
output map, inputs pre-resolved where the values are already knowable. A
state whose successors were all created becomes SUCCESS; a failed expansion
becomes NEXT_CREATED_ERROR. Errored moves the state to ERRORED and, when
the node's retry policy has budget left, arms a timer that re-creates it.

Fan-in joins are declared per slot as unites entries. Sibling copies of a
join slot share a state fingerprint; the first sibling whose upstream work
has settled claims the join, is executed canonically, and coalesces the
rest to SUCCESS without execution.

Every transition is a compare-and-set on the store, so concurrent leases,
commits, retries and the lease reaper never double-apply.
*/
package engine
