package registry

import (
	"fmt"
	"time"

	"github.com/flowstate-io/flowstate/pkg/log"
	"github.com/flowstate-io/flowstate/pkg/storage"
	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/rs/zerolog"
)

// Registry stores the declared schemas and secret requirements for each
// (namespace, node_name) pair. Runtimes register their nodes on handshake.
type Registry struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a registry backed by the given store.
func New(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		logger: log.WithComponent("registry"),
	}
}

// Register upserts a registered node by (namespace, name). The upsert is
// idempotent: registering the same node twice leaves the registry in the
// same state as one call. Schemas must compile before anything is persisted.
func (r *Registry) Register(node *types.RegisteredNode) error {
	if node.Namespace == "" || node.Name == "" {
		return fmt.Errorf("registered node requires namespace and name")
	}

	if _, err := CompileSchema(node.InputsSchema); err != nil {
		return fmt.Errorf("inputs schema for %s/%s: %w", node.Namespace, node.Name, err)
	}
	if _, err := CompileSchema(node.OutputsSchema); err != nil {
		return fmt.Errorf("outputs schema for %s/%s: %w", node.Namespace, node.Name, err)
	}
	if node.RetryPolicy != nil {
		if err := validateRetryPolicy(node.RetryPolicy); err != nil {
			return fmt.Errorf("retry policy for %s/%s: %w", node.Namespace, node.Name, err)
		}
	}

	now := time.Now()
	node.CreatedAt = now
	node.UpdatedAt = now
	if err := r.store.UpsertRegisteredNode(node); err != nil {
		return fmt.Errorf("failed to register node %s/%s: %w", node.Namespace, node.Name, err)
	}

	r.logger.Info().
		Str("namespace", node.Namespace).
		Str("node_name", node.Name).
		Int("secrets", len(node.Secrets)).
		Msg("node registered")
	return nil
}

// Lookup returns the registered node for (namespace, name).
func (r *Registry) Lookup(namespace, name string) (*types.RegisteredNode, error) {
	return r.store.GetRegisteredNode(namespace, name)
}

// LookupMany resolves a batch of node templates. It returns the nodes found,
// keyed by namespace/name, and the keys that did not resolve. Used by the
// graph validator, which wants all misses reported at once.
func (r *Registry) LookupMany(templates []*types.NodeTemplate) (map[string]*types.RegisteredNode, []string, error) {
	found := make(map[string]*types.RegisteredNode)
	var missing []string
	for _, tpl := range templates {
		key := tpl.Namespace + "/" + tpl.NodeName
		if _, ok := found[key]; ok {
			continue
		}
		node, err := r.store.GetRegisteredNode(tpl.Namespace, tpl.NodeName)
		if err != nil {
			if storage.IsNotFound(err) {
				missing = append(missing, key)
				continue
			}
			return nil, nil, err
		}
		found[key] = node
	}
	return found, missing, nil
}

func validateRetryPolicy(p *types.RetryPolicy) error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if p.BackoffFactorMs < 0 {
		return fmt.Errorf("backoff_factor_ms must be >= 0")
	}
	switch p.Strategy {
	case types.RetryExponential, types.RetryExponentialFullJitter, types.RetryExponentialEqualJitter:
		if p.Exponent <= 0 {
			return fmt.Errorf("exponential strategy requires exponent > 0")
		}
	case types.RetryLinear, types.RetryLinearFullJitter, types.RetryLinearEqualJitter,
		types.RetryFixed, types.RetryFixedFullJitter, types.RetryFixedEqualJitter:
	default:
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	if p.MaxDelayMs != nil && *p.MaxDelayMs < 0 {
		return fmt.Errorf("max_delay_ms must be >= 0")
	}
	return nil
}
