package storage

import (
	"errors"
	"time"

	"github.com/flowstate-io/flowstate/pkg/types"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update loses the race:
	// the persisted status no longer matches the expected one, or a unique
	// index already holds a different document.
	ErrConflict = errors.New("conflict")
)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Store defines the interface for workflow state storage.
// Implemented by BoltDB-backed storage; all conditional updates are atomic
// at the document level.
type Store interface {
	// Registered nodes
	UpsertRegisteredNode(node *types.RegisteredNode) error
	GetRegisteredNode(namespace, name string) (*types.RegisteredNode, error)
	ListRegisteredNodes(namespace string) ([]*types.RegisteredNode, error)

	// Graph templates
	PutGraphTemplate(tpl *types.GraphTemplate) error
	GetGraphTemplate(namespace, name string) (*types.GraphTemplate, error)
	ListGraphTemplates(namespace string) ([]*types.GraphTemplate, error)
	SetGraphValidation(namespace, name string, status types.ValidationStatus, errs []string) error

	// States
	CreateStates(states []*types.State) error
	GetState(id string) (*types.State, error)
	// UpdateStateIfStatus persists state only if the stored document still
	// has status expect. Returns ErrConflict otherwise.
	UpdateStateIfStatus(state *types.State, expect types.StateStatus) error
	ListCreatedStates(namespace, nodeName string, limit int) ([]*types.State, error)
	ListStatesByRun(runID string) ([]*types.State, error)
	ListStatesByFingerprint(runID, identifier, fingerprint string) ([]*types.State, error)
	ListQueuedBefore(cutoff time.Time) ([]*types.State, error)
	// ClaimJoin records stateID as the canonical joiner for one logical
	// join point. Returns false if a different state already claimed it.
	// This is the partial unique index on
	// (run_id, identifier, state_fingerprint) where does_unites=true;
	// distinct join slots sharing an ancestry hash claim independently.
	ClaimJoin(runID, identifier, fingerprint, stateID string) (bool, error)

	// Run-scoped store entries, unique on (run_id, namespace, graph, key)
	UpsertStoreEntry(entry *types.StoreEntry) error
	GetStoreEntry(runID, namespace, graphName, key string) (*types.StoreEntry, error)

	// Utility
	Close() error
}
