/*
Package depstring implements the dependency-string sublanguage used in graph
template inputs.

A template input value is literal text interleaved with placeholders:

	"hi ${{ a.outputs.msg }} from ${{ store.region }}"

Each placeholder references either an ancestor node's output field
(identifier.outputs.field) or a run-scoped store key (store.key). Parse
yields the literal head plus an ordered list of Dependents; callers fill the
slots with SetValue and produce the concrete string with Render.

The parser is a small hand-written scanner, not a regex, so malformed
placeholders are reported with the byte offset of the failing opener.
*/
package depstring
