/*
Package types defines the core data model shared by all Flowstate packages.

The model has four persisted document kinds:

  - RegisteredNode: the declared input/output JSON schemas, required secrets
    and retry policy of an externally-implemented unit of work, keyed by
    (namespace, name).
  - GraphTemplate: a declarative DAG of NodeTemplate slots with inputs,
    successor lists and optional fan-in (Unites) declarations, keyed by
    (namespace, name), carrying an asynchronous ValidationStatus.
  - State: one node's execution instance within a run, with lifecycle status,
    resolved inputs, recorded outputs or error, the parents map and the
    join-coordination fields (does_unites, state_fingerprint).
  - StoreEntry: one run-scoped key/value pair, seeded from the template's
    store_config at trigger time and mutable by nodes.

All cross-references are by string identifier (within a template) or by
(run_id, state_id) at runtime; nothing in the model owns a pointer cycle.

Types here are pure data plus small accessors. Behavior lives in the engine,
graph and registry packages.
*/
package types
