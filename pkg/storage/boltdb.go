package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowstate-io/flowstate/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRegisteredNodes = []byte("registered_nodes")
	bucketGraphs          = []byte("graphs")
	bucketStates          = []byte("states")
	bucketJoinIndex       = []byte("states_by_fingerprint")
	bucketStoreEntries    = []byte("store_entries")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "flowstate.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRegisteredNodes,
			bucketGraphs,
			bucketStates,
			bucketJoinIndex,
			bucketStoreEntries,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// nsKey builds the composite key for namespace-scoped documents. Path
// segments never contain "/" (the router rejects them), so the join is
// unambiguous.
func nsKey(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

// Registered node operations

func (s *BoltStore) UpsertRegisteredNode(node *types.RegisteredNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegisteredNodes)
		key := nsKey(node.Namespace, node.Name)
		if existing := b.Get(key); existing != nil {
			var prev types.RegisteredNode
			if err := json.Unmarshal(existing, &prev); err == nil {
				node.CreatedAt = prev.CreatedAt
			}
		}
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetRegisteredNode(namespace, name string) (*types.RegisteredNode, error) {
	var node types.RegisteredNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegisteredNodes)
		data := b.Get(nsKey(namespace, name))
		if data == nil {
			return fmt.Errorf("registered node %s/%s: %w", namespace, name, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListRegisteredNodes(namespace string) ([]*types.RegisteredNode, error) {
	var nodes []*types.RegisteredNode
	prefix := nsKey(namespace, "")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRegisteredNodes).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var node types.RegisteredNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
		}
		return nil
	})
	return nodes, err
}

// Graph template operations

func (s *BoltStore) PutGraphTemplate(tpl *types.GraphTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGraphs)
		key := nsKey(tpl.Namespace, tpl.Name)
		if existing := b.Get(key); existing != nil {
			var prev types.GraphTemplate
			if err := json.Unmarshal(existing, &prev); err == nil {
				tpl.CreatedAt = prev.CreatedAt
			}
		}
		data, err := json.Marshal(tpl)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetGraphTemplate(namespace, name string) (*types.GraphTemplate, error) {
	var tpl types.GraphTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGraphs)
		data := b.Get(nsKey(namespace, name))
		if data == nil {
			return fmt.Errorf("graph template %s/%s: %w", namespace, name, ErrNotFound)
		}
		return json.Unmarshal(data, &tpl)
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *BoltStore) ListGraphTemplates(namespace string) ([]*types.GraphTemplate, error) {
	var tpls []*types.GraphTemplate
	prefix := nsKey(namespace, "")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGraphs).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var tpl types.GraphTemplate
			if err := json.Unmarshal(v, &tpl); err != nil {
				return err
			}
			tpls = append(tpls, &tpl)
		}
		return nil
	})
	return tpls, err
}

func (s *BoltStore) SetGraphValidation(namespace, name string, status types.ValidationStatus, errs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGraphs)
		key := nsKey(namespace, name)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("graph template %s/%s: %w", namespace, name, ErrNotFound)
		}
		var tpl types.GraphTemplate
		if err := json.Unmarshal(data, &tpl); err != nil {
			return err
		}
		tpl.ValidationStatus = status
		tpl.ValidationErrors = errs
		tpl.UpdatedAt = time.Now()
		out, err := json.Marshal(&tpl)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// State operations

// CreateStates persists a batch of states in one transaction. State IDs are
// ULIDs, so bucket key order is creation-time order.
func (s *BoltStore) CreateStates(states []*types.State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		for _, state := range states {
			data, err := json.Marshal(state)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(state.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetState(id string) (*types.State, error) {
	var state types.State
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("state %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdateStateIfStatus is the compare-and-set every lifecycle transition goes
// through. The read, the status check and the write happen in one bolt
// transaction.
func (s *BoltStore) UpdateStateIfStatus(state *types.State, expect types.StateStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		data := b.Get([]byte(state.ID))
		if data == nil {
			return fmt.Errorf("state %s: %w", state.ID, ErrNotFound)
		}
		var current types.State
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Status != expect {
			return fmt.Errorf("state %s is %s, expected %s: %w", state.ID, current.Status, expect, ErrConflict)
		}
		state.UpdatedAt = time.Now()
		out, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.ID), out)
	})
}

func (s *BoltStore) ListCreatedStates(namespace, nodeName string, limit int) ([]*types.State, error) {
	var states []*types.State
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStates).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var state types.State
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.Status != types.StateCreated {
				continue
			}
			if state.NamespaceName != namespace || state.NodeName != nodeName {
				continue
			}
			states = append(states, &state)
			if limit > 0 && len(states) >= limit {
				return nil
			}
		}
		return nil
	})
	return states, err
}

func (s *BoltStore) ListStatesByRun(runID string) ([]*types.State, error) {
	var states []*types.State
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			var state types.State
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.RunID == runID {
				states = append(states, &state)
			}
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) ListStatesByFingerprint(runID, identifier, fingerprint string) ([]*types.State, error) {
	var states []*types.State
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			var state types.State
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.RunID == runID && state.Identifier == identifier && state.StateFingerprint == fingerprint {
				states = append(states, &state)
			}
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) ListQueuedBefore(cutoff time.Time) ([]*types.State, error) {
	var states []*types.State
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			var state types.State
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.Status == types.StateQueued && state.UpdatedAt.Before(cutoff) {
				states = append(states, &state)
			}
			return nil
		})
	})
	return states, err
}

// ClaimJoin is the unique-index write that elects the canonical joiner for
// one join slot's ancestry fingerprint. First writer wins; a repeat claim by
// the same state succeeds so the lease path is idempotent. The identifier is
// part of the key: different join slots uniting over the same ancestor hash
// to the same fingerprint but must elect independent joiners.
func (s *BoltStore) ClaimJoin(runID, identifier, fingerprint, stateID string) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinIndex)
		key := nsKey(runID, identifier, fingerprint)
		if existing := b.Get(key); existing != nil {
			claimed = string(existing) == stateID
			return nil
		}
		claimed = true
		return b.Put(key, []byte(stateID))
	})
	return claimed, err
}

// Store entry operations

func (s *BoltStore) UpsertStoreEntry(entry *types.StoreEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStoreEntries)
		entry.UpdatedAt = time.Now()
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(nsKey(entry.RunID, entry.Namespace, entry.GraphName, entry.Key), data)
	})
}

func (s *BoltStore) GetStoreEntry(runID, namespace, graphName, key string) (*types.StoreEntry, error) {
	var entry types.StoreEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStoreEntries)
		data := b.Get(nsKey(runID, namespace, graphName, key))
		if data == nil {
			return fmt.Errorf("store entry %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
