package engine

import (
	"testing"

	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestFingerprintIgnoresExcludedIdentifiers(t *testing.T) {
	// Two sibling copies of a join slot: same shared ancestry, different
	// uniting branch and own entries.
	viaB := map[string]string{"a": "s-a", "b": "s-b", "d": "s-d1"}
	viaC := map[string]string{"a": "s-a", "c": "s-c", "d": "s-d2"}

	fpB := Fingerprint(viaB, "b", "c", "d")
	fpC := Fingerprint(viaC, "b", "c", "d")
	assert.Equal(t, fpB, fpC, "siblings must share a fingerprint")
	assert.NotEmpty(t, fpB)
}

func TestFingerprintSensitiveToSharedAncestry(t *testing.T) {
	run1 := Fingerprint(map[string]string{"a": "s-1"}, "d")
	run2 := Fingerprint(map[string]string{"a": "s-2"}, "d")
	assert.NotEqual(t, run1, run2)
}

func TestFingerprintKeyOrderIndependent(t *testing.T) {
	// Map iteration order must not leak into the hash.
	parents := map[string]string{"a": "1", "b": "2", "c": "3"}
	first := Fingerprint(parents)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Fingerprint(parents))
	}
}

// joinGraph is the template the readiness tests run against:
// a fans out to b and an unrelated x; b feeds the join d.
func joinGraph() *types.GraphTemplate {
	return &types.GraphTemplate{
		Namespace: "ns",
		Name:      "g",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "steady", NextNodes: []string{"b", "x"}},
			{Identifier: "b", Namespace: "ns", NodeName: "steady", NextNodes: []string{"d"}},
			{Identifier: "x", Namespace: "ns", NodeName: "steady"},
			{Identifier: "d", Namespace: "ns", NodeName: "steady"},
		},
	}
}

func joinState(id, identifier, nodeName string, status types.StateStatus, retryCount int, parents map[string]string) *types.State {
	return &types.State{
		ID:            id,
		RunID:         "run-1",
		NamespaceName: "ns",
		Identifier:    identifier,
		NodeName:      nodeName,
		Status:        status,
		RetryCount:    retryCount,
		Parents:       parents,
	}
}

func TestJoinSatisfied(t *testing.T) {
	env := newTestEnv(t)
	env.registerNode(t, "steady", nil, nil)
	env.registerNode(t, "flaky", nil, nil, func(n *types.RegisteredNode) {
		n.RetryPolicy = &types.RetryPolicy{
			MaxRetries:      2,
			Strategy:        types.RetryFixed,
			BackoffFactorMs: 10,
		}
	})

	allDone := &types.NodeTemplate{Identifier: "d", Unites: []*types.Unites{
		{Identifier: "b", Strategy: types.UnitesAllDone},
	}}
	allSuccess := &types.NodeTemplate{Identifier: "d", Unites: []*types.Unites{
		{Identifier: "b", Strategy: types.UnitesAllSuccess},
	}}

	tpl := joinGraph()
	candidate := joinState("cand", "d", "steady", types.StateCreated, 0,
		map[string]string{"a": "s-a", "b": "s-b", "d": "cand"})

	tests := []struct {
		name      string
		slot      *types.NodeTemplate
		runStates []*types.State
		want      bool
	}{
		{
			name: "all upstream settled",
			slot: allDone,
			runStates: []*types.State{
				joinState("a1", "a", "steady", types.StateSuccess, 0, map[string]string{"a": "s-a"}),
				joinState("b1", "b", "steady", types.StateSuccess, 0, map[string]string{"a": "s-a", "b": "s-b"}),
			},
			want: true,
		},
		{
			name: "upstream branch still created",
			slot: allDone,
			runStates: []*types.State{
				joinState("b1", "b", "steady", types.StateCreated, 0, map[string]string{"a": "s-a", "b": "s-b"}),
			},
			want: false,
		},
		{
			name: "upstream branch still queued",
			slot: allDone,
			runStates: []*types.State{
				joinState("b1", "b", "steady", types.StateQueued, 0, map[string]string{"a": "s-a", "b": "s-b"}),
			},
			want: false,
		},
		{
			name: "upstream executed but fanout pending",
			slot: allDone,
			runStates: []*types.State{
				joinState("b1", "b", "steady", types.StateExecuted, 0, map[string]string{"a": "s-a", "b": "s-b"}),
			},
			want: false,
		},
		{
			name: "unrelated branch never blocks",
			slot: allDone,
			runStates: []*types.State{
				joinState("x1", "x", "steady", types.StateCreated, 0, map[string]string{"a": "s-a", "x": "x1"}),
			},
			want: true,
		},
		{
			name: "branch from another fan-out lineage never blocks",
			slot: allDone,
			runStates: []*types.State{
				joinState("b2", "b", "steady", types.StateCreated, 0, map[string]string{"a": "other-a", "b": "b2"}),
			},
			want: true,
		},
		{
			name: "terminally errored branch tolerated by ALL_DONE",
			slot: allDone,
			runStates: []*types.State{
				joinState("b1", "b", "steady", types.StateErrored, 0, map[string]string{"a": "s-a", "b": "s-b"}),
			},
			want: true,
		},
		{
			name: "errored branch with retry budget left still counts as outstanding",
			slot: allDone,
			runStates: []*types.State{
				joinState("b1", "b", "flaky", types.StateErrored, 0, map[string]string{"a": "s-a", "b": "s-b"}),
			},
			want: false,
		},
		{
			name: "errored branch with budget spent is done",
			slot: allDone,
			runStates: []*types.State{
				joinState("b1", "b", "flaky", types.StateErrored, 2, map[string]string{"a": "s-a", "b": "s-b"}),
			},
			want: true,
		},
		{
			name: "errored branch blocks ALL_SUCCESS",
			slot: allSuccess,
			runStates: []*types.State{
				joinState("b1", "b", "steady", types.StateErrored, 0, map[string]string{"a": "s-a", "b": "s-b"}),
			},
			want: false,
		},
		{
			name: "unrelated errored branch never blocks ALL_SUCCESS",
			slot: allSuccess,
			runStates: []*types.State{
				joinState("x1", "x", "steady", types.StateErrored, 0, map[string]string{"a": "s-a", "x": "x1"}),
			},
			want: true,
		},
		{
			name: "sibling at equal depth never blocks",
			slot: allDone,
			runStates: []*types.State{
				joinState("d2", "d", "steady", types.StateCreated, 0, map[string]string{"a": "s-a", "b": "other-b", "d": "d2"}),
			},
			want: true,
		},
		{
			name:      "candidate itself is skipped",
			slot:      allDone,
			runStates: []*types.State{},
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := env.engine.joinSatisfied(candidate, tt.slot, tpl, append(tt.runStates, candidate))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpstreamIdentifiers(t *testing.T) {
	upstream := upstreamIdentifiers(joinGraph(), "d")
	assert.True(t, upstream["a"])
	assert.True(t, upstream["b"])
	assert.False(t, upstream["x"])
	assert.False(t, upstream["d"])
}
