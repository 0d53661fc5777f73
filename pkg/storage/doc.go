/*
Package storage provides persistent storage for the workflow state manager.

The Store interface treats persistence as an abstract document store with
atomic conditional updates; BoltStore implements it on top of BoltDB with one
bucket per document kind, JSON-encoded documents and composite string keys.

# Buckets

	registered_nodes       namespace/name                -> RegisteredNode
	graphs                 namespace/name                -> GraphTemplate
	states                 state ID (ULID)               -> State
	states_by_fingerprint  run_id/identifier/fingerprint -> canonical state ID
	store_entries          run/ns/graph/key              -> StoreEntry

State IDs are ULIDs, so iterating the states bucket in key order visits
states oldest-first; the lease path and the join tie-break both rely on that.

# Concurrency

Every lifecycle transition goes through UpdateStateIfStatus, a compare-and-set
on the persisted status executed inside a single bolt read-write transaction.
ClaimJoin plays the role of a partial unique index on
(run_id, identifier, state_fingerprint): the first state to claim a join
slot's ancestry fingerprint becomes the canonical joiner, concurrent
claimers observe the existing entry. The identifier keeps distinct join
slots that hash to the same ancestry from contending for one slot.
*/
package storage
