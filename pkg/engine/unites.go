package engine

import (
	"encoding/hex"
	"sort"

	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/zeebo/blake3"
)

// Fingerprint hashes the canonical form of a parents map: keys sorted,
// excluded identifiers removed, one "identifier=state_id" line per entry.
// Sibling copies of the same logical join point share the fingerprint
// because the excluded identifiers (the uniting ancestors and the state's
// own slot) are exactly where their ancestry diverges.
func Fingerprint(parents map[string]string, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	keys := make([]string, 0, len(parents))
	for k := range parents {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	h := blake3.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(parents[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// joinSatisfied decides whether a join candidate may proceed. Only states
// that feed the join count: identifiers upstream of the join slot in the
// template, at strictly lower depth, whose parents agree with the
// candidate's retained ancestry (the entries the fingerprint is built
// from). Unrelated parallel branches and other fan-out lineages of a shared
// ancestor never hold a join back. Sibling copies of the join node itself
// sit at equal depth and therefore never block each other.
//
// Outstanding means {CREATED, QUEUED, EXECUTED}, plus ERRORED while a retry
// timer can still return the state to CREATED. ALL_SUCCESS additionally
// counts terminally ERRORED, so a failed branch blocks the join forever
// under that strategy.
func (e *Engine) joinSatisfied(candidate *types.State, slot *types.NodeTemplate, tpl *types.GraphTemplate, runStates []*types.State) bool {
	requireSuccess := false
	excluded := map[string]bool{slot.Identifier: true}
	for _, u := range slot.Unites {
		excluded[u.Identifier] = true
		if u.Strategy == types.UnitesAllSuccess {
			requireSuccess = true
		}
	}

	upstream := upstreamIdentifiers(tpl, slot.Identifier)
	depth := candidate.Depth()
	for _, s := range runStates {
		if s.ID == candidate.ID || s.Depth() >= depth {
			continue
		}
		if !upstream[s.Identifier] || !sharesAncestry(candidate, s, excluded) {
			continue
		}
		switch s.Status {
		case types.StateCreated, types.StateQueued, types.StateExecuted:
			return false
		case types.StateErrored:
			if requireSuccess || e.retryPending(s) {
				return false
			}
		}
	}
	return true
}

// upstreamIdentifiers returns every identifier that can reach target through
// next_nodes edges.
func upstreamIdentifiers(tpl *types.GraphTemplate, target string) map[string]bool {
	reaches := make(map[string]bool, len(tpl.Nodes))
	for changed := true; changed; {
		changed = false
		for _, n := range tpl.Nodes {
			if reaches[n.Identifier] {
				continue
			}
			for _, next := range n.NextNodes {
				if next == target || reaches[next] {
					reaches[n.Identifier] = true
					changed = true
					break
				}
			}
		}
	}
	return reaches
}

// sharesAncestry reports whether s lies on the candidate's fan-out lineage:
// wherever both parents maps name an identifier outside the excluded set,
// they must agree on the state that filled it.
func sharesAncestry(candidate, s *types.State, excluded map[string]bool) bool {
	for k, v := range s.Parents {
		if excluded[k] {
			continue
		}
		if cv, ok := candidate.Parents[k]; ok && cv != v {
			return false
		}
	}
	return true
}

// retryPending reports whether an ERRORED state still has retry budget, so
// an armed timer may move it back to CREATED.
func (e *Engine) retryPending(s *types.State) bool {
	rn, err := e.registry.Lookup(s.NamespaceName, s.NodeName)
	if err != nil {
		return false
	}
	policy := rn.RetryPolicy
	return policy != nil && policy.MaxRetries > 0 && s.RetryCount < policy.MaxRetries
}

// coalesceSiblings marks every other CREATED sibling of the canonical joiner
// as SUCCESS without execution. Lost CAS races mean another actor already
// moved the sibling; that is fine.
func (e *Engine) coalesceSiblings(canonical *types.State) {
	siblings, err := e.store.ListStatesByFingerprint(canonical.RunID, canonical.Identifier, canonical.StateFingerprint)
	if err != nil {
		e.logger.Error().Err(err).Str("state_id", canonical.ID).Msg("failed to list join siblings")
		return
	}
	for _, sib := range siblings {
		if sib.ID == canonical.ID {
			continue
		}
		if sib.Status != types.StateCreated {
			continue
		}
		sib.Status = types.StateSuccess
		if err := e.store.UpdateStateIfStatus(sib, types.StateCreated); err != nil {
			e.logger.Debug().Err(err).Str("state_id", sib.ID).Msg("join sibling moved before coalescing")
			continue
		}
		e.logger.Info().
			Str("state_id", sib.ID).
			Str("canonical", canonical.ID).
			Str("run_id", sib.RunID).
			Msg("join sibling coalesced")
	}
}
