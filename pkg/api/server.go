package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flowstate-io/flowstate/pkg/engine"
	"github.com/flowstate-io/flowstate/pkg/graph"
	"github.com/flowstate-io/flowstate/pkg/log"
	"github.com/flowstate-io/flowstate/pkg/metrics"
	"github.com/flowstate-io/flowstate/pkg/registry"
	"github.com/flowstate-io/flowstate/pkg/security"
	"github.com/flowstate-io/flowstate/pkg/storage"
	"github.com/flowstate-io/flowstate/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server is the JSON HTTP surface of the state manager. Every /v0 route
// requires the x-api-key header; /health and /metrics do not.
type Server struct {
	engine    *engine.Engine
	templates *graph.Templates
	registry  *registry.Registry
	encrypter *security.Encrypter
	apiKey    string
	router    *mux.Router
	logger    zerolog.Logger
}

// NewServer wires the HTTP surface. apiKey is the value every /v0 request
// must present in x-api-key.
func NewServer(eng *engine.Engine, templates *graph.Templates, reg *registry.Registry, enc *security.Encrypter, apiKey string) *Server {
	s := &Server{
		engine:    eng,
		templates: templates,
		registry:  reg,
		encrypter: enc,
		apiKey:    apiKey,
		router:    mux.NewRouter(),
		logger:    log.WithComponent("api"),
	}
	s.routes()
	return s
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v0 := s.router.PathPrefix("/v0").Subrouter()
	v0.Use(s.authenticate, s.instrument)

	v0.HandleFunc("/namespace/{ns}/graph/{name}", s.handlePutGraph).Methods(http.MethodPut).Name("put_graph")
	v0.HandleFunc("/namespace/{ns}/graph/{name}", s.handleGetGraph).Methods(http.MethodGet).Name("get_graph")
	v0.HandleFunc("/namespace/{ns}/graph/{name}/states/create", s.handleCreateStates).Methods(http.MethodPost).Name("create_states")
	v0.HandleFunc("/namespace/{ns}/graph/{name}/trigger", s.handleTrigger).Methods(http.MethodPost).Name("trigger")
	v0.HandleFunc("/namespace/{ns}/graph/{name}/store", s.handlePutStore).Methods(http.MethodPost).Name("put_store")
	v0.HandleFunc("/namespace/{ns}/graph/{name}/runs/{run_id}/states", s.handleListRunStates).Methods(http.MethodGet).Name("list_run_states")
	v0.HandleFunc("/namespace/{ns}/nodes/register", s.handleRegisterNode).Methods(http.MethodPost).Name("register_node")
	v0.HandleFunc("/namespace/{ns}/nodes/{node_name}/lease", s.handleLease).Methods(http.MethodPost).Name("lease")
	v0.HandleFunc("/namespace/{ns}/states/{state_id}", s.handleGetState).Methods(http.MethodGet).Name("get_state")
	v0.HandleFunc("/namespace/{ns}/states/{state_id}/executed", s.handleExecuted).Methods(http.MethodPost).Name("executed")
	v0.HandleFunc("/namespace/{ns}/states/{state_id}/errored", s.handleErrored).Methods(http.MethodPost).Name("errored")
}

// authenticate rejects requests whose x-api-key does not match.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request count and latency per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			name = route.GetName()
		}
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		metrics.APIRequestsTotal.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()

		s.logger.Debug().
			Str("route", name).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// graphTemplateRequest is the PUT body: secrets arrive in plaintext and are
// encrypted before the template is stored.
type graphTemplateRequest struct {
	Nodes       []*types.NodeTemplate `json:"nodes"`
	Secrets     map[string]string     `json:"secrets,omitempty"`
	StoreConfig *types.StoreConfig    `json:"store_config,omitempty"`
}

func (s *Server) handlePutGraph(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req graphTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	encrypted, err := s.encrypter.EncryptSecrets(req.Secrets)
	if err != nil {
		s.writeError(w, err)
		return
	}

	tpl := &types.GraphTemplate{
		Namespace:   vars["ns"],
		Name:        vars["name"],
		Nodes:       req.Nodes,
		Secrets:     encrypted,
		StoreConfig: req.StoreConfig,
	}
	if err := s.templates.Put(tpl); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"namespace":         tpl.Namespace,
		"name":              tpl.Name,
		"validation_status": string(tpl.ValidationStatus),
	})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tpl, err := s.templates.Get(vars["ns"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Ciphertext never leaves the server.
	redacted := *tpl
	redacted.Secrets = nil
	writeJSON(w, http.StatusOK, &redacted)
}

type createStatesRequest struct {
	RunID  string                `json:"run_id"`
	States []engine.StateRequest `json:"states"`
}

func (s *Server) handleCreateStates(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req createStatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	states, err := s.engine.CreateStates(vars["ns"], vars["name"], req.RunID, req.States)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": req.RunID,
		"states": states,
	})
}

type triggerRequest struct {
	States []engine.StateRequest `json:"states"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	runID, states, err := s.engine.Trigger(vars["ns"], vars["name"], req.States)
	if err != nil {
		s.writeError(w, err)
		return
	}
	runLogger := log.WithRunID(runID)
	runLogger.Info().
		Str("namespace", vars["ns"]).
		Str("graph", vars["name"]).
		Int("states", len(states)).
		Msg("run triggered")
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"states": states,
		"status": "TRIGGERED",
	})
}

type storeWriteRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handlePutStore(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req storeWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	entry := &types.StoreEntry{
		RunID:     req.RunID,
		Namespace: vars["ns"],
		GraphName: vars["name"],
		Key:       req.Key,
		Value:     req.Value,
	}
	if err := s.engine.PutStoreEntry(entry); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListRunStates(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	states, err := s.engine.ListRunStates(vars["run_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": vars["run_id"],
		"states": states,
	})
}

type registerNodeRequest struct {
	Name          string             `json:"name"`
	InputsSchema  map[string]any     `json:"inputs_schema"`
	OutputsSchema map[string]any     `json:"outputs_schema"`
	Secrets       []string           `json:"secrets,omitempty"`
	RetryPolicy   *types.RetryPolicy `json:"retry_policy,omitempty"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	node := &types.RegisteredNode{
		Namespace:     vars["ns"],
		Name:          req.Name,
		InputsSchema:  req.InputsSchema,
		OutputsSchema: req.OutputsSchema,
		Secrets:       req.Secrets,
		RetryPolicy:   req.RetryPolicy,
	}
	if err := s.registry.Register(node); err != nil {
		// Registration failures are caller mistakes: schemas that do not
		// compile, bad retry policies, missing names.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type leaseRequest struct {
	BatchSize int `json:"batch_size,omitempty"`
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req leaseRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	leased, err := s.engine.Lease(vars["ns"], vars["node_name"], req.BatchSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"states": leased,
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	state, err := s.engine.GetState(vars["state_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type executedRequest struct {
	Outputs []map[string]string `json:"outputs"`
}

func (s *Server) handleExecuted(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req executedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	state, err := s.engine.Executed(vars["state_id"], req.Outputs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type erroredRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleErrored(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req erroredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	state, err := s.engine.Errored(vars["state_id"], req.Error)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// writeError maps domain errors to HTTP codes: not found to 404, illegal
// transitions and invalid requests to 400, everything else to a stable
// generic 500 body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case storage.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, engine.ErrBadTransition), errors.Is(err, engine.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
