package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowstate-io/flowstate/pkg/depstring"
	"github.com/flowstate-io/flowstate/pkg/metrics"
	"github.com/flowstate-io/flowstate/pkg/registry"
	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/oklog/ulid/v2"
)

// Executed commits a worker's outputs for a QUEUED state. Each output map in
// outputsList must satisfy the node's output schema; a violation moves the
// state through the retry gate and is rejected. On success the state becomes
// EXECUTED and successor creation runs in the background, one batch of
// successors per output map. A state with no successors goes straight to
// SUCCESS.
func (e *Engine) Executed(stateID string, outputsList []map[string]string) (*types.State, error) {
	state, err := e.store.GetState(stateID)
	if err != nil {
		return nil, err
	}
	if state.Status != types.StateQueued {
		return nil, fmt.Errorf("%w: state %s is %s, executed requires QUEUED", ErrBadTransition, stateID, state.Status)
	}
	if len(outputsList) == 0 {
		outputsList = []map[string]string{{}}
	}

	rn, err := e.registry.Lookup(state.NamespaceName, state.NodeName)
	if err != nil {
		return nil, fmt.Errorf("registered node lookup for %s/%s: %w", state.NamespaceName, state.NodeName, err)
	}
	for i, outputs := range outputsList {
		if err := registry.ValidateOutputs(rn.OutputsSchema, outputs); err != nil {
			e.failState(state, types.StateQueued, fmt.Sprintf("output map %d: %v", i, err))
			return nil, fmt.Errorf("%w: output map %d: %v", ErrInvalidRequest, i, err)
		}
	}

	state.Outputs = outputsList[0]
	state.Error = ""
	state.Status = types.StateExecuted
	if err := e.store.UpdateStateIfStatus(state, types.StateQueued); err != nil {
		return nil, fmt.Errorf("%w: state %s moved before commit", ErrBadTransition, stateID)
	}
	metrics.TransitionsTotal.WithLabelValues(string(types.StateExecuted)).Inc()

	tpl, err := e.templates.Get(state.NamespaceName, state.GraphName)
	if err != nil {
		e.finishFanout(state, fmt.Errorf("template lookup: %w", err))
		return state, nil
	}
	slot := tpl.Node(state.Identifier)
	if slot == nil {
		e.finishFanout(state, fmt.Errorf("identifier %q no longer exists in graph %s/%s", state.Identifier, state.NamespaceName, state.GraphName))
		return state, nil
	}

	if len(slot.NextNodes) == 0 {
		e.finishFanout(state, nil)
		return state, nil
	}

	snapshot := *state
	e.submit(func() {
		e.createSuccessors(&snapshot, slot, outputsList)
	})
	e.logger.Info().
		Str("state_id", state.ID).
		Str("run_id", state.RunID).
		Int("output_maps", len(outputsList)).
		Msg("state executed, fanout scheduled")
	return state, nil
}

// createSuccessors materializes one batch of successor states per output map,
// sequentially, so every map's children exist before the next map is
// expanded. Any failure leaves the parent NEXT_CREATED_ERROR.
func (e *Engine) createSuccessors(parent *types.State, slot *types.NodeTemplate, outputsList []map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ValidWait)
	defer cancel()

	tpl, err := e.templates.WaitValid(ctx, parent.NamespaceName, parent.GraphName, e.cfg.ValidWait)
	if err != nil {
		e.finishFanout(parent, fmt.Errorf("graph never became valid: %w", err))
		return
	}

	now := time.Now()
	for _, outputs := range outputsList {
		batch := make([]*types.State, 0, len(slot.NextNodes))
		for _, succID := range slot.NextNodes {
			succSlot := tpl.Node(succID)
			if succSlot == nil {
				e.finishFanout(parent, fmt.Errorf("successor %q no longer exists in graph", succID))
				return
			}

			inputs, err := e.resolveSuccessorInputs(parent, succSlot, outputs)
			if err != nil {
				e.finishFanout(parent, fmt.Errorf("successor %q inputs: %w", succID, err))
				return
			}

			id := ulid.Make().String()
			parents := make(map[string]string, len(parent.Parents)+1)
			for k, v := range parent.Parents {
				parents[k] = v
			}
			parents[succSlot.Identifier] = id

			succ := &types.State{
				ID:            id,
				RunID:         parent.RunID,
				GraphName:     parent.GraphName,
				NamespaceName: parent.NamespaceName,
				Identifier:    succSlot.Identifier,
				NodeName:      succSlot.NodeName,
				Status:        types.StateCreated,
				Inputs:        inputs,
				Parents:       parents,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if len(succSlot.Unites) > 0 {
				succ.StateFingerprint = Fingerprint(parents, append(succSlot.UnitesIdentifiers(), succSlot.Identifier)...)
			}
			batch = append(batch, succ)
		}

		if err := e.store.CreateStates(batch); err != nil {
			e.finishFanout(parent, fmt.Errorf("failed to persist successors: %w", err))
			return
		}
		metrics.StatesCreated.Add(float64(len(batch)))
	}

	e.finishFanout(parent, nil)
}

// resolveSuccessorInputs fills a successor slot's input templates from what is
// already knowable: the committing parent's output map, committed ancestor
// outputs, and the run-scoped store. A reference that cannot be satisfied yet
// (a joined branch outside this lineage) keeps its placeholder text and is
// resolved again at lease time.
func (e *Engine) resolveSuccessorInputs(parent *types.State, slot *types.NodeTemplate, parentOutputs map[string]string) (map[string]string, error) {
	inputs := make(map[string]string, len(slot.Inputs))
	for name, value := range slot.Inputs {
		ds, err := depstring.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		if !ds.HasDependents() {
			inputs[name] = value
			continue
		}

		complete := true
		for _, ref := range ds.IdentifierFields() {
			switch {
			case ref.Identifier == depstring.StoreIdentifier:
				entry, err := e.store.GetStoreEntry(parent.RunID, parent.NamespaceName, parent.GraphName, ref.Field)
				if err != nil {
					complete = false
					continue
				}
				ds.SetValue(ref.Identifier, ref.Field, entry.Value)
			case ref.Identifier == parent.Identifier:
				out, ok := parentOutputs[ref.Field]
				if !ok {
					return nil, fmt.Errorf("input %q: parent output %q is missing", name, ref.Field)
				}
				ds.SetValue(ref.Identifier, ref.Field, out)
			default:
				ancestorID, ok := parent.Parents[ref.Identifier]
				if !ok {
					complete = false
					continue
				}
				ancestor, err := e.store.GetState(ancestorID)
				if err != nil {
					complete = false
					continue
				}
				out, ok := ancestor.Outputs[ref.Field]
				if !ok {
					complete = false
					continue
				}
				ds.SetValue(ref.Identifier, ref.Field, out)
			}
		}

		if !complete {
			inputs[name] = value
			continue
		}
		rendered, err := ds.Render()
		if err != nil {
			inputs[name] = value
			continue
		}
		inputs[name] = rendered
	}
	return inputs, nil
}

// finishFanout moves an EXECUTED parent to its terminal status: SUCCESS when
// successor creation finished (or there was nothing to create),
// NEXT_CREATED_ERROR otherwise.
func (e *Engine) finishFanout(parent *types.State, fanoutErr error) {
	if fanoutErr == nil {
		parent.Status = types.StateSuccess
	} else {
		parent.Status = types.StateNextCreatedError
		parent.Error = fanoutErr.Error()
		e.logger.Error().Err(fanoutErr).
			Str("state_id", parent.ID).
			Str("run_id", parent.RunID).
			Msg("successor creation failed")
	}
	if err := e.store.UpdateStateIfStatus(parent, types.StateExecuted); err != nil {
		e.logger.Error().Err(err).Str("state_id", parent.ID).Msg("failed to finish fanout")
		return
	}
	metrics.TransitionsTotal.WithLabelValues(string(parent.Status)).Inc()
}
