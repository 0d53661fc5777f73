package graph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/flowstate-io/flowstate/pkg/registry"
	"github.com/flowstate-io/flowstate/pkg/storage"
	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTemplates(t *testing.T) (*Templates, *registry.Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := registry.New(store)
	return NewTemplates(store, reg, nil), reg
}

func stringSchema(fields ...string) map[string]any {
	props := map[string]any{}
	for _, f := range fields {
		props[f] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

func registerNode(t *testing.T, reg *registry.Registry, name string, inputs, outputs map[string]any, secrets ...string) {
	t.Helper()
	require.NoError(t, reg.Register(&types.RegisteredNode{
		Namespace:     "ns",
		Name:          name,
		InputsSchema:  inputs,
		OutputsSchema: outputs,
		Secrets:       secrets,
	}))
}

func TestVerifyValidTemplate(t *testing.T) {
	templates, reg := newTestTemplates(t)
	registerNode(t, reg, "fetch", stringSchema("url"), stringSchema("body"))
	registerNode(t, reg, "parse", stringSchema("raw"), stringSchema("result"))

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "pipeline",
		Nodes: []*types.NodeTemplate{
			{
				Identifier: "a",
				Namespace:  "ns",
				NodeName:   "fetch",
				Inputs:     map[string]string{"url": "https://example.com"},
				NextNodes:  []string{"b"},
			},
			{
				Identifier: "b",
				Namespace:  "ns",
				NodeName:   "parse",
				Inputs:     map[string]string{"raw": "${{ a.outputs.body }}"},
			},
		},
	}

	assert.Empty(t, templates.Verify(tpl))
}

func TestVerifyStructuralErrors(t *testing.T) {
	templates, reg := newTestTemplates(t)
	registerNode(t, reg, "fetch", nil, nil)

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "broken",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "fetch", NextNodes: []string{"ghost", "a", "a"}},
			{Identifier: "a", Namespace: "ns", NodeName: "fetch"},
			{Identifier: "store", Namespace: "ns", NodeName: "fetch"},
			{Identifier: "j", Namespace: "ns", NodeName: "fetch", Unites: []*types.Unites{
				{Identifier: "nope", Strategy: types.UnitesAllSuccess},
				{Identifier: "a", Strategy: "SOMETIMES"},
			}},
		},
	}

	errs := templates.Verify(tpl)
	joined := strings.Join(errs, "\n")
	assert.Contains(t, joined, `identifier "a" is declared more than once`)
	assert.Contains(t, joined, `identifier "store" is reserved`)
	assert.Contains(t, joined, `unknown successor "ghost"`)
	assert.Contains(t, joined, `successor "a" more than once`)
	assert.Contains(t, joined, `unknown identifier "nope"`)
	assert.Contains(t, joined, `unknown unites strategy "SOMETIMES"`)
}

func TestVerifyUnresolvedNodeAndSecrets(t *testing.T) {
	templates, reg := newTestTemplates(t)
	registerNode(t, reg, "notify", stringSchema("msg"), nil, "slack_token")

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "g",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "ghost"},
			{Identifier: "b", Namespace: "ns", NodeName: "notify", Inputs: map[string]string{"msg": "hi"}},
		},
	}

	errs := templates.Verify(tpl)
	joined := strings.Join(errs, "\n")
	assert.Contains(t, joined, "registered node ns/ghost does not exist")
	assert.Contains(t, joined, `secret "slack_token"`)
}

// A reference to an output field the upstream node never declares must name
// both the field and the identifier.
func TestVerifyUndeclaredOutputReference(t *testing.T) {
	templates, reg := newTestTemplates(t)
	registerNode(t, reg, "fetch", nil, stringSchema("body"))
	registerNode(t, reg, "parse", stringSchema("x"), nil)

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "g",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "fetch", NextNodes: []string{"b"}},
			{Identifier: "b", Namespace: "ns", NodeName: "parse", Inputs: map[string]string{
				"x": "${{ a.outputs.missing }}",
			}},
		},
	}

	errs := templates.Verify(tpl)
	require.NotEmpty(t, errs)
	joined := strings.Join(errs, "\n")
	assert.Contains(t, joined, "missing")
	assert.Contains(t, joined, `"a"`)
}

func TestVerifyNonStringTypes(t *testing.T) {
	templates, reg := newTestTemplates(t)
	intOut := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer"},
		},
	}
	registerNode(t, reg, "count", nil, intOut)
	registerNode(t, reg, "use", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"n":     map[string]any{"type": "number"},
			"other": map[string]any{"type": "string"},
		},
		"required": []any{},
	}, nil)

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "g",
		Nodes: []*types.NodeTemplate{
			{Identifier: "c", Namespace: "ns", NodeName: "count", NextNodes: []string{"u"}},
			{Identifier: "u", Namespace: "ns", NodeName: "use", Inputs: map[string]string{
				"n":     "1",
				"other": "${{ c.outputs.count }}",
			}},
		},
	}

	errs := templates.Verify(tpl)
	joined := strings.Join(errs, "\n")
	assert.Contains(t, joined, `input "n"`)
	assert.Contains(t, joined, `output "count"`)
}

func TestVerifyMissingRequiredInput(t *testing.T) {
	templates, reg := newTestTemplates(t)
	registerNode(t, reg, "fetch", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string"},
		},
		"required": []any{"url"},
	}, nil)

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "g",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "fetch"},
		},
	}

	errs := templates.Verify(tpl)
	assert.Contains(t, strings.Join(errs, "\n"), `missing required input "url"`)
}

func TestPutSchedulesVerificationVerdict(t *testing.T) {
	templates, reg := newTestTemplates(t)
	registerNode(t, reg, "fetch", nil, stringSchema("body"))

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "ok",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "fetch"},
		},
	}
	require.NoError(t, templates.Put(tpl))
	assert.Equal(t, types.ValidationPending, tpl.ValidationStatus)

	require.Eventually(t, func() bool {
		got, err := templates.Get("ns", "ok")
		return err == nil && got.ValidationStatus == types.ValidationValid
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPutInvalidVerdictCarriesErrors(t *testing.T) {
	templates, reg := newTestTemplates(t)
	registerNode(t, reg, "fetch", nil, stringSchema("body"))
	registerNode(t, reg, "parse", stringSchema("x"), nil)

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "bad",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "fetch", NextNodes: []string{"b"}},
			{Identifier: "b", Namespace: "ns", NodeName: "parse", Inputs: map[string]string{
				"x": "${{ a.outputs.missing }}",
			}},
		},
	}
	require.NoError(t, templates.Put(tpl))

	require.Eventually(t, func() bool {
		got, err := templates.Get("ns", "bad")
		return err == nil && got.ValidationStatus == types.ValidationInvalid
	}, 5*time.Second, 20*time.Millisecond)

	got, err := templates.Get("ns", "bad")
	require.NoError(t, err)
	assert.NotEmpty(t, got.ValidationErrors)
}

func TestWaitValid(t *testing.T) {
	templates, reg := newTestTemplates(t)
	registerNode(t, reg, "fetch", nil, nil)

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "ok",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "fetch"},
		},
	}
	require.NoError(t, templates.Put(tpl))

	got, err := templates.WaitValid(context.Background(), "ns", "ok", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ValidationValid, got.ValidationStatus)
}

func TestWaitValidFailsFastOnInvalid(t *testing.T) {
	templates, _ := newTestTemplates(t)

	tpl := &types.GraphTemplate{
		Namespace: "ns",
		Name:      "bad",
		Nodes: []*types.NodeTemplate{
			{Identifier: "a", Namespace: "ns", NodeName: "ghost"},
		},
	}
	require.NoError(t, templates.Put(tpl))

	require.Eventually(t, func() bool {
		got, err := templates.Get("ns", "bad")
		return err == nil && got.ValidationStatus == types.ValidationInvalid
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	_, err := templates.WaitValid(context.Background(), "ns", "bad", time.Minute)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "WaitValid should fail fast on INVALID")
}
