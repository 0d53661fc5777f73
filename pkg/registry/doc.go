/*
Package registry stores the registered nodes runtimes announce on handshake.

A registered node is the contract for one externally-implemented unit of
work: its input and output JSON schemas, the secret names it requires, and
its retry policy. Registration is an idempotent upsert by (namespace, name);
schemas must compile before anything is persisted.

The graph validator consumes LookupMany to resolve every node template of a
graph in one pass and report all misses together, and the lifecycle engine
consumes Lookup plus the schema helpers when validating committed outputs.
*/
package registry
