package engine

import (
	"fmt"

	"github.com/flowstate-io/flowstate/pkg/depstring"
	"github.com/flowstate-io/flowstate/pkg/metrics"
	"github.com/flowstate-io/flowstate/pkg/types"
)

// LeasedState is what a worker receives for one unit of work: the state
// handle, its fully resolved inputs, and the decrypted secrets its
// registered node requires.
type LeasedState struct {
	StateID    string            `json:"state_id"`
	RunID      string            `json:"run_id"`
	Identifier string            `json:"identifier"`
	NodeName   string            `json:"node_name"`
	Inputs     map[string]string `json:"inputs"`
	Secrets    map[string]string `json:"secrets,omitempty"`
}

// Lease hands up to batchSize CREATED states matching (namespace, node_name)
// to a worker, oldest first. Join candidates are skipped until their join is
// satisfied; the canonical joiner coalesces its siblings. Each handed-out
// state is flipped CREATED -> QUEUED by compare-and-set, so concurrent
// workers polling the same routing key never receive the same state.
func (e *Engine) Lease(namespace, nodeName string, batchSize int) ([]*LeasedState, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	candidates, err := e.store.ListCreatedStates(namespace, nodeName, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	tplCache := make(map[string]*types.GraphTemplate)
	runCache := make(map[string][]*types.State)
	parentCache := make(map[string]*types.State)

	leased := make([]*LeasedState, 0, batchSize)
	for _, c := range candidates {
		if len(leased) >= batchSize {
			break
		}

		tplKey := c.NamespaceName + "/" + c.GraphName
		tpl, ok := tplCache[tplKey]
		if !ok {
			tpl, err = e.templates.Get(c.NamespaceName, c.GraphName)
			if err != nil {
				e.logger.Error().Err(err).Str("state_id", c.ID).Msg("lease: template lookup failed")
				continue
			}
			tplCache[tplKey] = tpl
		}
		slot := tpl.Node(c.Identifier)
		if slot == nil {
			e.failState(c, types.StateCreated, fmt.Sprintf("identifier %q no longer exists in graph %s/%s", c.Identifier, c.NamespaceName, c.GraphName))
			continue
		}

		if len(slot.Unites) > 0 {
			runStates, ok := runCache[c.RunID]
			if !ok {
				runStates, err = e.store.ListStatesByRun(c.RunID)
				if err != nil {
					e.logger.Error().Err(err).Str("run_id", c.RunID).Msg("lease: run listing failed")
					continue
				}
				runCache[c.RunID] = runStates
			}
			if !e.joinSatisfied(c, slot, tpl, runStates) {
				continue
			}

			claimed, err := e.store.ClaimJoin(c.RunID, c.Identifier, c.StateFingerprint, c.ID)
			if err != nil {
				e.logger.Error().Err(err).Str("state_id", c.ID).Msg("lease: join claim failed")
				continue
			}
			if !claimed {
				// A sibling is canonical; it will coalesce this state.
				continue
			}
			if !c.DoesUnites {
				c.DoesUnites = true
				if err := e.store.UpdateStateIfStatus(c, types.StateCreated); err != nil {
					continue
				}
			}
			e.coalesceSiblings(c)
			delete(runCache, c.RunID)
		}

		c.Status = types.StateQueued
		if err := e.store.UpdateStateIfStatus(c, types.StateCreated); err != nil {
			// Lost the CAS to a concurrent lease.
			continue
		}

		inputs, err := e.resolveInputs(c, parentCache)
		if err != nil {
			e.failState(c, types.StateQueued, fmt.Sprintf("input resolution failed: %v", err))
			continue
		}
		c.Inputs = inputs
		if err := e.store.UpdateStateIfStatus(c, types.StateQueued); err != nil {
			e.logger.Error().Err(err).Str("state_id", c.ID).Msg("lease: failed to persist resolved inputs")
			continue
		}

		secrets, err := e.leaseSecrets(tpl, c)
		if err != nil {
			e.failState(c, types.StateQueued, fmt.Sprintf("secret decryption failed: %v", err))
			continue
		}

		leased = append(leased, &LeasedState{
			StateID:    c.ID,
			RunID:      c.RunID,
			Identifier: c.Identifier,
			NodeName:   c.NodeName,
			Inputs:     inputs,
			Secrets:    secrets,
		})
		e.logger.Info().
			Str("state_id", c.ID).
			Str("run_id", c.RunID).
			Str("node_name", c.NodeName).
			Msg("state leased")
	}

	metrics.StatesLeased.Add(float64(len(leased)))
	return leased, nil
}

// resolveInputs renders every placeholder in the state's inputs from the
// ancestors' outputs and the run-scoped store. Inputs already concrete pass
// through unchanged.
func (e *Engine) resolveInputs(state *types.State, parentCache map[string]*types.State) (map[string]string, error) {
	resolved := make(map[string]string, len(state.Inputs))
	for name, value := range state.Inputs {
		ds, err := depstring.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		if !ds.HasDependents() {
			resolved[name] = value
			continue
		}

		for _, ref := range ds.IdentifierFields() {
			if ref.Identifier == depstring.StoreIdentifier {
				entry, err := e.store.GetStoreEntry(state.RunID, state.NamespaceName, state.GraphName, ref.Field)
				if err != nil {
					return nil, fmt.Errorf("input %q: store key %q: %w", name, ref.Field, err)
				}
				ds.SetValue(ref.Identifier, ref.Field, entry.Value)
				continue
			}

			parentID, ok := state.Parents[ref.Identifier]
			if !ok {
				return nil, fmt.Errorf("input %q: no ancestor %q in parents", name, ref.Identifier)
			}
			parent, ok := parentCache[parentID]
			if !ok {
				parent, err = e.store.GetState(parentID)
				if err != nil {
					return nil, fmt.Errorf("input %q: ancestor state %s: %w", name, parentID, err)
				}
				parentCache[parentID] = parent
			}
			out, ok := parent.Outputs[ref.Field]
			if !ok {
				return nil, fmt.Errorf("input %q: ancestor %q has no output %q", name, ref.Identifier, ref.Field)
			}
			ds.SetValue(ref.Identifier, ref.Field, out)
		}

		rendered, err := ds.Render()
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		resolved[name] = rendered
	}
	return resolved, nil
}

// leaseSecrets decrypts the secrets the state's registered node requires.
func (e *Engine) leaseSecrets(tpl *types.GraphTemplate, state *types.State) (map[string]string, error) {
	if e.encrypter == nil || len(tpl.Secrets) == 0 {
		return nil, nil
	}
	rn, err := e.registry.Lookup(state.NamespaceName, state.NodeName)
	if err != nil {
		return nil, err
	}
	if len(rn.Secrets) == 0 {
		return nil, nil
	}
	return e.encrypter.DecryptSecrets(tpl.Secrets, rn.Secrets)
}
