package types

import (
	"time"
)

// RegisteredNode describes a unit of work implemented by an external runtime.
// Runtimes register their nodes on handshake; the registry upserts by
// (namespace, name).
type RegisteredNode struct {
	Namespace     string         `json:"namespace"`
	Name          string         `json:"name"`
	InputsSchema  map[string]any `json:"inputs_schema"`
	OutputsSchema map[string]any `json:"outputs_schema"`
	Secrets       []string       `json:"secrets,omitempty"`
	RetryPolicy   *RetryPolicy   `json:"retry_policy,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RetryStrategy selects the backoff curve for a retried state.
type RetryStrategy string

const (
	RetryExponential            RetryStrategy = "EXPONENTIAL"
	RetryExponentialFullJitter  RetryStrategy = "EXPONENTIAL_FULL_JITTER"
	RetryExponentialEqualJitter RetryStrategy = "EXPONENTIAL_EQUAL_JITTER"
	RetryLinear                 RetryStrategy = "LINEAR"
	RetryLinearFullJitter       RetryStrategy = "LINEAR_FULL_JITTER"
	RetryLinearEqualJitter      RetryStrategy = "LINEAR_EQUAL_JITTER"
	RetryFixed                  RetryStrategy = "FIXED"
	RetryFixedFullJitter        RetryStrategy = "FIXED_FULL_JITTER"
	RetryFixedEqualJitter       RetryStrategy = "FIXED_EQUAL_JITTER"
)

// RetryPolicy controls whether and when an ERRORED state is re-created.
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries"`
	Strategy        RetryStrategy `json:"strategy"`
	BackoffFactorMs int64         `json:"backoff_factor_ms"`
	Exponent        float64       `json:"exponent,omitempty"`
	MaxDelayMs      *int64        `json:"max_delay_ms,omitempty"`
}

// ValidationStatus tracks the asynchronous verification of a graph template.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "PENDING"
	ValidationValid   ValidationStatus = "VALID"
	ValidationInvalid ValidationStatus = "INVALID"
)

// GraphTemplate is a declarative DAG of node-template slots scoped by
// (namespace, name). Secrets are held encrypted at rest; the ciphertext is
// opaque to everything except the security package.
type GraphTemplate struct {
	Namespace        string            `json:"namespace"`
	Name             string            `json:"name"`
	Nodes            []*NodeTemplate   `json:"nodes"`
	Secrets          map[string][]byte `json:"secrets,omitempty"`
	StoreConfig      *StoreConfig      `json:"store_config,omitempty"`
	ValidationStatus ValidationStatus  `json:"validation_status"`
	ValidationErrors []string          `json:"validation_errors,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Node returns the node template with the given identifier, or nil.
func (g *GraphTemplate) Node(identifier string) *NodeTemplate {
	for _, n := range g.Nodes {
		if n.Identifier == identifier {
			return n
		}
	}
	return nil
}

// NodeTemplate is one slot within a graph template. Identifier is unique
// within the graph; "store" is reserved for the run-scoped store.
type NodeTemplate struct {
	NodeName   string            `json:"node_name"`
	Namespace  string            `json:"namespace"`
	Identifier string            `json:"identifier"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	NextNodes  []string          `json:"next_nodes,omitempty"`
	Unites     []*Unites         `json:"unites,omitempty"`
}

// UnitesIdentifiers returns the ancestor identifiers this slot joins on.
func (n *NodeTemplate) UnitesIdentifiers() []string {
	ids := make([]string, 0, len(n.Unites))
	for _, u := range n.Unites {
		ids = append(ids, u.Identifier)
	}
	return ids
}

// UnitesStrategy selects when a fan-in join is satisfied.
type UnitesStrategy string

const (
	// UnitesAllSuccess requires every upstream sibling to reach SUCCESS.
	UnitesAllSuccess UnitesStrategy = "ALL_SUCCESS"
	// UnitesAllDone tolerates terminally ERRORED upstream siblings.
	UnitesAllDone UnitesStrategy = "ALL_DONE"
)

// Unites declares a fan-in barrier on an ancestor identifier.
type Unites struct {
	Identifier string         `json:"identifier"`
	Strategy   UnitesStrategy `json:"strategy"`
}

// StoreConfig declares the run-scoped store keys a graph uses and the values
// they are seeded with at trigger time.
type StoreConfig struct {
	RequiredKeys  []string          `json:"required_keys,omitempty"`
	DefaultValues map[string]string `json:"default_values,omitempty"`
}

// StateStatus is the lifecycle status of a state.
type StateStatus string

const (
	StateCreated StateStatus = "CREATED"
	StateQueued  StateStatus = "QUEUED"
	// StateExecuted means outputs were committed; successor creation is pending.
	StateExecuted StateStatus = "EXECUTED"
	StateSuccess  StateStatus = "SUCCESS"
	StateErrored  StateStatus = "ERRORED"
	// StateNextCreatedError is terminal: outputs were committed but successor
	// creation failed.
	StateNextCreatedError StateStatus = "NEXT_CREATED_ERROR"
)

// Terminal reports whether no further transition can move the state.
// ERRORED is not terminal here; the retry engine decides that.
func (s StateStatus) Terminal() bool {
	return s == StateSuccess || s == StateNextCreatedError
}

// State is one node's execution instance within a run.
type State struct {
	ID            string      `json:"id"`
	RunID         string      `json:"run_id"`
	GraphName     string      `json:"graph_name"`
	NamespaceName string      `json:"namespace_name"`
	Identifier    string      `json:"identifier"`
	NodeName      string      `json:"node_name"`
	Status        StateStatus `json:"status"`

	Inputs  map[string]string `json:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
	Error   string            `json:"error,omitempty"`

	// Parents maps each ancestor identifier on the path from the graph root
	// (self included) to the state ID that filled that slot. len(Parents) is
	// the state's depth.
	Parents map[string]string `json:"parents"`

	DoesUnites       bool   `json:"does_unites,omitempty"`
	StateFingerprint string `json:"state_fingerprint,omitempty"`

	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Depth is the number of ancestor slots traversed to reach this state.
func (s *State) Depth() int {
	return len(s.Parents)
}

// StoreEntry is one run-scoped key/value pair, unique on
// (run_id, namespace, graph_name, key). Writes are last-writer-wins.
type StoreEntry struct {
	RunID     string    `json:"run_id"`
	Namespace string    `json:"namespace"`
	GraphName string    `json:"graph_name"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
