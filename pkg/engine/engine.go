package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowstate-io/flowstate/pkg/graph"
	"github.com/flowstate-io/flowstate/pkg/log"
	"github.com/flowstate-io/flowstate/pkg/metrics"
	"github.com/flowstate-io/flowstate/pkg/registry"
	"github.com/flowstate-io/flowstate/pkg/security"
	"github.com/flowstate-io/flowstate/pkg/storage"
	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrBadTransition is returned when a worker commits a state that is
	// not in the status the operation requires. Mapped to 400.
	ErrBadTransition = errors.New("illegal state transition")

	// ErrInvalidRequest is returned for malformed requests and schema
	// violations. Mapped to 400.
	ErrInvalidRequest = errors.New("invalid request")
)

// Config holds engine tunables.
type Config struct {
	// ValidWait bounds the graph-validity poll before successor creation
	// fails the dependent state. Zero means graph.DefaultValidWait.
	ValidWait time.Duration
}

// Engine drives the state lifecycle: trigger, lease, executed/errored
// commits, fan-out, fan-in and retry.
type Engine struct {
	store     storage.Store
	templates *graph.Templates
	registry  *registry.Registry
	encrypter *security.Encrypter
	pool      *ants.Pool
	cfg       Config
	logger    zerolog.Logger
}

// New creates the lifecycle engine. pool runs background fanout and retry
// tasks and is shared with the graph validator.
func New(store storage.Store, templates *graph.Templates, reg *registry.Registry, enc *security.Encrypter, pool *ants.Pool, cfg Config) *Engine {
	if cfg.ValidWait <= 0 {
		cfg.ValidWait = graph.DefaultValidWait
	}
	return &Engine{
		store:     store,
		templates: templates,
		registry:  reg,
		encrypter: enc,
		pool:      pool,
		cfg:       cfg,
		logger:    log.WithComponent("engine"),
	}
}

// StateRequest names one node template slot to materialize and the inputs
// it starts with.
type StateRequest struct {
	Identifier string            `json:"identifier"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

// CreateStates materializes CREATED states for a run of a graph. Each
// request's identifier must resolve to a slot of the template; all states
// are persisted in one batch.
func (e *Engine) CreateStates(namespace, graphName, runID string, requests []StateRequest) ([]*types.State, error) {
	tpl, err := e.templates.Get(namespace, graphName)
	if err != nil {
		return nil, err
	}
	if tpl.ValidationStatus == types.ValidationInvalid {
		return nil, fmt.Errorf("%w: graph template %s/%s is INVALID", ErrInvalidRequest, namespace, graphName)
	}
	if runID == "" {
		return nil, fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: at least one state is required", ErrInvalidRequest)
	}

	now := time.Now()
	states := make([]*types.State, 0, len(requests))
	for _, req := range requests {
		slot := tpl.Node(req.Identifier)
		if slot == nil {
			return nil, fmt.Errorf("%w: identifier %q is not part of graph %s/%s", ErrInvalidRequest, req.Identifier, namespace, graphName)
		}

		id := ulid.Make().String()
		state := &types.State{
			ID:            id,
			RunID:         runID,
			GraphName:     graphName,
			NamespaceName: namespace,
			Identifier:    slot.Identifier,
			NodeName:      slot.NodeName,
			Status:        types.StateCreated,
			Inputs:        req.Inputs,
			Parents:       map[string]string{slot.Identifier: id},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if len(slot.Unites) > 0 {
			state.StateFingerprint = Fingerprint(state.Parents, append(slot.UnitesIdentifiers(), slot.Identifier)...)
		}
		states = append(states, state)
	}

	if err := e.store.CreateStates(states); err != nil {
		return nil, fmt.Errorf("failed to persist states: %w", err)
	}
	metrics.StatesCreated.Add(float64(len(states)))

	e.logger.Info().
		Str("namespace", namespace).
		Str("graph", graphName).
		Str("run_id", runID).
		Int("states", len(states)).
		Msg("states created")
	return states, nil
}

// Trigger starts a fresh run: it allocates a run_id, seeds the run-scoped
// store from the template's store_config defaults, and creates the requested
// states.
func (e *Engine) Trigger(namespace, graphName string, requests []StateRequest) (string, []*types.State, error) {
	tpl, err := e.templates.Get(namespace, graphName)
	if err != nil {
		return "", nil, err
	}
	if tpl.ValidationStatus == types.ValidationInvalid {
		return "", nil, fmt.Errorf("%w: graph template %s/%s is INVALID", ErrInvalidRequest, namespace, graphName)
	}

	runID := uuid.New().String()

	if tpl.StoreConfig != nil {
		for key, value := range tpl.StoreConfig.DefaultValues {
			entry := &types.StoreEntry{
				RunID:     runID,
				Namespace: namespace,
				GraphName: graphName,
				Key:       key,
				Value:     value,
			}
			if err := e.store.UpsertStoreEntry(entry); err != nil {
				return "", nil, fmt.Errorf("failed to seed store key %q: %w", key, err)
			}
		}
	}

	states, err := e.CreateStates(namespace, graphName, runID, requests)
	if err != nil {
		return "", nil, err
	}
	return runID, states, nil
}

// GetState fetches one state document.
func (e *Engine) GetState(id string) (*types.State, error) {
	return e.store.GetState(id)
}

// ListRunStates fetches every state of a run.
func (e *Engine) ListRunStates(runID string) ([]*types.State, error) {
	return e.store.ListStatesByRun(runID)
}

// PutStoreEntry writes one run-scoped store key. Upsert, last-writer-wins.
func (e *Engine) PutStoreEntry(entry *types.StoreEntry) error {
	if entry.RunID == "" || entry.Key == "" {
		return fmt.Errorf("%w: run_id and key are required", ErrInvalidRequest)
	}
	return e.store.UpsertStoreEntry(entry)
}

// submit hands a task to the shared pool, falling back to a plain goroutine
// when the pool refuses (shutdown or saturation with a non-blocking pool).
func (e *Engine) submit(task func()) {
	if e.pool != nil {
		if err := e.pool.Submit(task); err == nil {
			return
		}
	}
	go task()
}
