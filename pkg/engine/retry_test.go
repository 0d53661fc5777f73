package engine

import (
	"testing"
	"time"

	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/stretchr/testify/assert"
)

func int64Ptr(v int64) *int64 { return &v }

func TestComputeDelayCurves(t *testing.T) {
	tests := []struct {
		name    string
		policy  *types.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "fixed",
			policy:  &types.RetryPolicy{Strategy: types.RetryFixed, BackoffFactorMs: 100},
			attempt: 5,
			want:    100 * time.Millisecond,
		},
		{
			name:    "linear first attempt",
			policy:  &types.RetryPolicy{Strategy: types.RetryLinear, BackoffFactorMs: 100},
			attempt: 1,
			want:    100 * time.Millisecond,
		},
		{
			name:    "linear third attempt",
			policy:  &types.RetryPolicy{Strategy: types.RetryLinear, BackoffFactorMs: 100},
			attempt: 3,
			want:    300 * time.Millisecond,
		},
		{
			name:    "exponential first attempt",
			policy:  &types.RetryPolicy{Strategy: types.RetryExponential, BackoffFactorMs: 100, Exponent: 2},
			attempt: 1,
			want:    100 * time.Millisecond,
		},
		{
			name:    "exponential fourth attempt",
			policy:  &types.RetryPolicy{Strategy: types.RetryExponential, BackoffFactorMs: 100, Exponent: 2},
			attempt: 4,
			want:    800 * time.Millisecond,
		},
		{
			name:    "exponential custom exponent",
			policy:  &types.RetryPolicy{Strategy: types.RetryExponential, BackoffFactorMs: 100, Exponent: 3},
			attempt: 3,
			want:    900 * time.Millisecond,
		},
		{
			name:    "max delay clamps",
			policy:  &types.RetryPolicy{Strategy: types.RetryExponential, BackoffFactorMs: 100, Exponent: 2, MaxDelayMs: int64Ptr(250)},
			attempt: 10,
			want:    250 * time.Millisecond,
		},
		{
			name:    "attempt below one treated as one",
			policy:  &types.RetryPolicy{Strategy: types.RetryLinear, BackoffFactorMs: 100},
			attempt: 0,
			want:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeDelay(tt.policy, tt.attempt))
		})
	}
}

func TestComputeDelayFullJitter(t *testing.T) {
	policy := &types.RetryPolicy{Strategy: types.RetryFixedFullJitter, BackoffFactorMs: 200}
	for i := 0; i < 50; i++ {
		d := ComputeDelay(policy, 1)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestComputeDelayEqualJitter(t *testing.T) {
	policy := &types.RetryPolicy{Strategy: types.RetryLinearEqualJitter, BackoffFactorMs: 200}
	for i := 0; i < 50; i++ {
		d := ComputeDelay(policy, 2)
		// base = 400ms; equal jitter keeps at least half.
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestComputeDelayJitterAppliesAfterClamp(t *testing.T) {
	policy := &types.RetryPolicy{
		Strategy:        types.RetryExponentialFullJitter,
		BackoffFactorMs: 1000,
		Exponent:        2,
		MaxDelayMs:      int64Ptr(100),
	}
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, ComputeDelay(policy, 10), 100*time.Millisecond)
	}
}
