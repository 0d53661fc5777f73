package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/flowstate-io/flowstate/pkg/log"
	"github.com/flowstate-io/flowstate/pkg/metrics"
	"github.com/flowstate-io/flowstate/pkg/registry"
	"github.com/flowstate-io/flowstate/pkg/storage"
	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultValidWait bounds how long a dependent task waits for a
	// template to leave PENDING.
	DefaultValidWait = 5 * time.Minute

	// validPollInterval is the granularity of the validity wait loop.
	validPollInterval = time.Second
)

// Templates persists graph templates and drives their asynchronous
// validation against the registered-node registry.
type Templates struct {
	store    storage.Store
	registry *registry.Registry
	pool     *ants.Pool
	logger   zerolog.Logger
}

// NewTemplates creates the graph template service. pool runs the background
// verification tasks; it is shared with the engine's fanout and retry tasks.
func NewTemplates(store storage.Store, reg *registry.Registry, pool *ants.Pool) *Templates {
	return &Templates{
		store:    store,
		registry: reg,
		pool:     pool,
		logger:   log.WithComponent("graph"),
	}
}

// Put upserts a graph template, resets it to PENDING and schedules
// asynchronous verification. The stored secrets are expected to already be
// ciphertext; encryption happens at the API boundary.
func (t *Templates) Put(tpl *types.GraphTemplate) error {
	if tpl.Namespace == "" || tpl.Name == "" {
		return fmt.Errorf("graph template requires namespace and name")
	}

	tpl.ValidationStatus = types.ValidationPending
	tpl.ValidationErrors = nil
	now := time.Now()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := t.store.PutGraphTemplate(tpl); err != nil {
		return fmt.Errorf("failed to store graph template %s/%s: %w", tpl.Namespace, tpl.Name, err)
	}

	namespace, name := tpl.Namespace, tpl.Name
	task := func() { t.runVerify(namespace, name) }
	if t.pool != nil {
		if err := t.pool.Submit(task); err != nil {
			t.logger.Warn().Err(err).Msg("pool rejected verify task, running inline")
			go task()
		}
	} else {
		go task()
	}

	t.logger.Info().Str("namespace", namespace).Str("graph", name).Msg("graph template stored, verification scheduled")
	return nil
}

// Get fetches a template in whatever validation state it is in.
func (t *Templates) Get(namespace, name string) (*types.GraphTemplate, error) {
	return t.store.GetGraphTemplate(namespace, name)
}

// List returns every template in a namespace.
func (t *Templates) List(namespace string) ([]*types.GraphTemplate, error) {
	return t.store.ListGraphTemplates(namespace)
}

// runVerify executes verification and persists the verdict. It never lets an
// error escape the background task.
func (t *Templates) runVerify(namespace, name string) {
	logger := log.WithGraph(namespace, name)
	tpl, err := t.store.GetGraphTemplate(namespace, name)
	if err != nil {
		logger.Error().Err(err).Msg("verify: template vanished")
		return
	}

	errs := t.Verify(tpl)
	status := types.ValidationValid
	if len(errs) > 0 {
		status = types.ValidationInvalid
	}
	if err := t.store.SetGraphValidation(namespace, name, status, errs); err != nil {
		logger.Error().Err(err).Msg("verify: failed to persist verdict")
		return
	}
	metrics.GraphValidations.WithLabelValues(string(status)).Inc()
	logger.Info().
		Str("status", string(status)).
		Int("errors", len(errs)).
		Msg("graph template verified")
}

// WaitValid polls until the template is VALID, with bounded wait. It fails
// fast on INVALID (re-submission is required for the verdict to change) and
// on a missing template.
func (t *Templates) WaitValid(ctx context.Context, namespace, name string, timeout time.Duration) (*types.GraphTemplate, error) {
	if timeout <= 0 {
		timeout = DefaultValidWait
	}
	deadline := time.Now().Add(timeout)

	for {
		tpl, err := t.store.GetGraphTemplate(namespace, name)
		if err != nil {
			return nil, err
		}
		switch tpl.ValidationStatus {
		case types.ValidationValid:
			return tpl, nil
		case types.ValidationInvalid:
			return nil, fmt.Errorf("graph template %s/%s is INVALID: %v", namespace, name, tpl.ValidationErrors)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("graph template %s/%s not valid after %s", namespace, name, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(validPollInterval):
		}
	}
}
