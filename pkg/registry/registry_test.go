package registry

import (
	"testing"

	"github.com/flowstate-io/flowstate/pkg/storage"
	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
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

func TestRegisterAndLookup(t *testing.T) {
	reg := newTestRegistry(t)

	node := &types.RegisteredNode{
		Namespace:     "ns",
		Name:          "fetch",
		InputsSchema:  stringSchema("url"),
		OutputsSchema: stringSchema("body"),
		Secrets:       []string{"api_token"},
	}
	require.NoError(t, reg.Register(node))

	got, err := reg.Lookup("ns", "fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name)
	assert.Equal(t, []string{"api_token"}, got.Secrets)
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)

	node := &types.RegisteredNode{
		Namespace:     "ns",
		Name:          "fetch",
		InputsSchema:  stringSchema("url"),
		OutputsSchema: stringSchema("body"),
	}
	require.NoError(t, reg.Register(node))
	require.NoError(t, reg.Register(node))

	nodes, err := reg.store.ListRegisteredNodes("ns")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	reg := newTestRegistry(t)

	node := &types.RegisteredNode{
		Namespace: "ns",
		Name:      "broken",
		InputsSchema: map[string]any{
			"type": 42, // type must be a string or array
		},
	}
	err := reg.Register(node)
	assert.Error(t, err)

	_, err = reg.Lookup("ns", "broken")
	assert.True(t, storage.IsNotFound(err), "nothing should be persisted on schema failure")
}

func TestRegisterRejectsMissingName(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Register(&types.RegisteredNode{Namespace: "ns"})
	assert.Error(t, err)
}

func TestRegisterRetryPolicyValidation(t *testing.T) {
	tests := []struct {
		name    string
		policy  *types.RetryPolicy
		wantErr bool
	}{
		{
			name: "valid exponential",
			policy: &types.RetryPolicy{
				MaxRetries:      3,
				Strategy:        types.RetryExponential,
				BackoffFactorMs: 100,
				Exponent:        2,
			},
		},
		{
			name: "exponential without exponent",
			policy: &types.RetryPolicy{
				MaxRetries:      3,
				Strategy:        types.RetryExponentialFullJitter,
				BackoffFactorMs: 100,
			},
			wantErr: true,
		},
		{
			name: "valid fixed",
			policy: &types.RetryPolicy{
				MaxRetries:      1,
				Strategy:        types.RetryFixed,
				BackoffFactorMs: 50,
			},
		},
		{
			name: "unknown strategy",
			policy: &types.RetryPolicy{
				MaxRetries:      1,
				Strategy:        "SOMETIMES",
				BackoffFactorMs: 50,
			},
			wantErr: true,
		},
		{
			name: "negative max retries",
			policy: &types.RetryPolicy{
				MaxRetries: -1,
				Strategy:   types.RetryFixed,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			err := reg.Register(&types.RegisteredNode{
				Namespace:   "ns",
				Name:        "n",
				RetryPolicy: tt.policy,
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLookupMany(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(&types.RegisteredNode{Namespace: "ns", Name: "a"}))

	found, missing, err := reg.LookupMany([]*types.NodeTemplate{
		{Namespace: "ns", NodeName: "a", Identifier: "a1"},
		{Namespace: "ns", NodeName: "a", Identifier: "a2"},
		{Namespace: "ns", NodeName: "ghost", Identifier: "g"},
	})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Contains(t, found, "ns/a")
	assert.Equal(t, []string{"ns/ghost"}, missing)
}

func TestSchemaProperties(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":   map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
			"loose": map[string]any{},
		},
	}

	props := SchemaProperties(doc)
	assert.Equal(t, "string", props["url"])
	assert.Equal(t, "integer", props["count"])
	assert.Equal(t, "", props["loose"])
	assert.Empty(t, SchemaProperties(nil))
}

func TestRequiredFields(t *testing.T) {
	withRequired := map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{}, "b": map[string]any{}},
		"required":   []any{"a"},
	}
	assert.Equal(t, []string{"a"}, RequiredFields(withRequired))

	// Without a required keyword, all declared properties are required.
	withoutRequired := map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{}},
	}
	assert.Equal(t, []string{"a"}, RequiredFields(withoutRequired))

	assert.Nil(t, RequiredFields(nil))
}

func TestValidateOutputs(t *testing.T) {
	schema := stringSchema("url", "status")

	assert.NoError(t, ValidateOutputs(schema, map[string]string{
		"url":    "https://example.com",
		"status": "200",
	}))

	err := ValidateOutputs(schema, map[string]string{"url": "https://example.com"})
	assert.ErrorContains(t, err, "status")

	nonString := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer"},
		},
	}
	err = ValidateOutputs(nonString, map[string]string{"count": "3"})
	assert.ErrorContains(t, err, "count")
}
