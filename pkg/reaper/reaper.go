package reaper

import (
	"time"

	"github.com/flowstate-io/flowstate/pkg/log"
	"github.com/flowstate-io/flowstate/pkg/metrics"
	"github.com/flowstate-io/flowstate/pkg/registry"
	"github.com/flowstate-io/flowstate/pkg/storage"
	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultLeaseTimeout is how long a QUEUED state may sit without a
	// commit before its lease is considered lost.
	DefaultLeaseTimeout = 5 * time.Minute

	// DefaultSweepInterval is how often expired leases are swept.
	DefaultSweepInterval = 30 * time.Second
)

// Reaper returns lost leases to the queue. A worker that leased a state and
// never committed leaves it QUEUED forever; the reaper sweeps such states
// back to CREATED, spending one retry from the node's budget, or to ERRORED
// when the budget is exhausted.
type Reaper struct {
	store         storage.Store
	registry      *registry.Registry
	leaseTimeout  time.Duration
	sweepInterval time.Duration
	stopCh        chan struct{}
	logger        zerolog.Logger
}

// New creates a reaper. Zero durations take the package defaults.
func New(store storage.Store, reg *registry.Registry, leaseTimeout, sweepInterval time.Duration) *Reaper {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Reaper{
		store:         store,
		registry:      reg,
		leaseTimeout:  leaseTimeout,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("reaper"),
	}
}

// Start begins the sweep loop
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the reaper
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep performs one pass over expired leases. Exported so tests and
// operators can force a sweep without waiting for the ticker.
func (r *Reaper) Sweep() {
	cutoff := time.Now().Add(-r.leaseTimeout)
	expired, err := r.store.ListQueuedBefore(cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list expired leases")
		return
	}

	for _, state := range expired {
		r.reap(state)
	}
}

// reap requeues one expired lease, or terminates it when the retry budget is
// spent. Lost CAS races mean the worker committed after all; leave it alone.
func (r *Reaper) reap(state *types.State) {
	logger := log.WithStateID(state.ID)
	budget := 0
	rn, err := r.registry.Lookup(state.NamespaceName, state.NodeName)
	if err != nil {
		logger.Error().Err(err).Msg("registered node lookup failed, treating budget as spent")
	} else if rn.RetryPolicy != nil {
		budget = rn.RetryPolicy.MaxRetries
	}

	if state.RetryCount < budget {
		state.Status = types.StateCreated
		state.RetryCount++
		state.Error = ""
	} else {
		state.Status = types.StateErrored
		state.Error = "lease expired without a commit"
	}

	if err := r.store.UpdateStateIfStatus(state, types.StateQueued); err != nil {
		logger.Debug().Err(err).Msg("state committed before reaping")
		return
	}
	metrics.LeasesReaped.Inc()
	logger.Warn().
		Str("run_id", state.RunID).
		Str("node_name", state.NodeName).
		Str("status", string(state.Status)).
		Int("retry_count", state.RetryCount).
		Msg("expired lease reaped")
}
