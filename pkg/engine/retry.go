package engine

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/flowstate-io/flowstate/pkg/metrics"
	"github.com/flowstate-io/flowstate/pkg/types"
)

// Errored commits a worker-reported failure for a QUEUED state. The state
// moves to ERRORED and, when its registered node carries a retry policy with
// budget left, a re-creation is scheduled after the computed backoff.
func (e *Engine) Errored(stateID, message string) (*types.State, error) {
	state, err := e.store.GetState(stateID)
	if err != nil {
		return nil, err
	}
	if state.Status != types.StateQueued {
		return nil, fmt.Errorf("%w: state %s is %s, errored requires QUEUED", ErrBadTransition, stateID, state.Status)
	}
	e.failState(state, types.StateQueued, message)
	return state, nil
}

// failState moves a state to ERRORED by compare-and-set from the expected
// status and feeds it to the retry gate. Lost races are logged and dropped;
// whoever won the race owns the state now.
func (e *Engine) failState(state *types.State, expect types.StateStatus, message string) {
	state.Status = types.StateErrored
	state.Error = message
	if err := e.store.UpdateStateIfStatus(state, expect); err != nil {
		e.logger.Debug().Err(err).Str("state_id", state.ID).Msg("state moved before it could be errored")
		return
	}
	metrics.TransitionsTotal.WithLabelValues(string(types.StateErrored)).Inc()
	e.logger.Warn().
		Str("state_id", state.ID).
		Str("run_id", state.RunID).
		Str("node_name", state.NodeName).
		Str("error", message).
		Msg("state errored")
	e.scheduleRetry(state)
}

// scheduleRetry arms a timer that re-creates an ERRORED state when its node's
// retry policy has budget left. The re-creation is itself a compare-and-set,
// so a state that was coalesced or manually moved in the meantime stays put.
func (e *Engine) scheduleRetry(state *types.State) {
	rn, err := e.registry.Lookup(state.NamespaceName, state.NodeName)
	if err != nil {
		e.logger.Error().Err(err).Str("state_id", state.ID).Msg("retry gate: registered node lookup failed")
		return
	}
	policy := rn.RetryPolicy
	if policy == nil || policy.MaxRetries <= 0 {
		return
	}
	if state.RetryCount >= policy.MaxRetries {
		e.logger.Info().
			Str("state_id", state.ID).
			Int("retry_count", state.RetryCount).
			Msg("retry budget exhausted")
		return
	}

	attempt := state.RetryCount + 1
	delay := ComputeDelay(policy, attempt)
	stateID := state.ID
	e.logger.Info().
		Str("state_id", stateID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("retry scheduled")

	time.AfterFunc(delay, func() {
		e.submit(func() {
			e.retryState(stateID)
		})
	})
}

// retryState re-creates one ERRORED state: CAS ERRORED -> CREATED, bumping
// the retry counter and clearing the recorded error.
func (e *Engine) retryState(stateID string) {
	state, err := e.store.GetState(stateID)
	if err != nil {
		e.logger.Error().Err(err).Str("state_id", stateID).Msg("retry: state fetch failed")
		return
	}
	if state.Status != types.StateErrored {
		return
	}
	state.Status = types.StateCreated
	state.Error = ""
	state.RetryCount++
	if err := e.store.UpdateStateIfStatus(state, types.StateErrored); err != nil {
		e.logger.Debug().Err(err).Str("state_id", stateID).Msg("retry: state moved before re-creation")
		return
	}
	metrics.RetriesTotal.Inc()
	e.logger.Info().
		Str("state_id", stateID).
		Int("retry_count", state.RetryCount).
		Msg("state re-created for retry")
}

// ComputeDelay returns the backoff before retry attempt number attempt
// (1-based) under the given policy.
//
// Base curves, with f = backoff_factor_ms and n = attempt:
//
//	EXPONENTIAL  f * exponent^(n-1)
//	LINEAR       f * n
//	FIXED        f
//
// The _FULL_JITTER variants draw uniformly from [0, base]; _EQUAL_JITTER
// keeps base/2 and draws the other half. max_delay_ms, when set, clamps the
// base before jitter is applied.
func ComputeDelay(policy *types.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := float64(policy.BackoffFactorMs)

	var base float64
	switch policy.Strategy {
	case types.RetryExponential, types.RetryExponentialFullJitter, types.RetryExponentialEqualJitter:
		exponent := policy.Exponent
		if exponent <= 0 {
			exponent = 2
		}
		base = factor * math.Pow(exponent, float64(attempt-1))
	case types.RetryLinear, types.RetryLinearFullJitter, types.RetryLinearEqualJitter:
		base = factor * float64(attempt)
	default:
		base = factor
	}

	if policy.MaxDelayMs != nil && base > float64(*policy.MaxDelayMs) {
		base = float64(*policy.MaxDelayMs)
	}

	switch policy.Strategy {
	case types.RetryExponentialFullJitter, types.RetryLinearFullJitter, types.RetryFixedFullJitter:
		base = rand.Float64() * base
	case types.RetryExponentialEqualJitter, types.RetryLinearEqualJitter, types.RetryFixedEqualJitter:
		base = base/2 + rand.Float64()*base/2
	}

	return time.Duration(base) * time.Millisecond
}
