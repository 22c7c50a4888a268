// Package rpc exposes the proving host over HTTP: request submission,
// status and result retrieval, cancellation, and operator controls.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/taikoxyz/raiko-sub001/engine/dispatcher"
	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/module"
	"github.com/taikoxyz/raiko-sub001/module/component"
	"github.com/taikoxyz/raiko-sub001/module/irrecoverable"
	"github.com/taikoxyz/raiko-sub001/module/requestpool"
	"github.com/taikoxyz/raiko-sub001/storage"
)

type Config struct {
	ListenAddr     string
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		WriteTimeout: 30 * time.Second,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the HTTP front of the proving host. It translates the wire
// API into pool and dispatcher calls and never mutates task state itself.
type Server struct {
	component.Component

	log        zerolog.Logger
	cfg        Config
	metrics    module.HostMetrics
	pool       *requestpool.Pool
	dispatcher *dispatcher.Dispatcher
	server     *http.Server
}

func New(
	log zerolog.Logger,
	cfg Config,
	metrics module.HostMetrics,
	pool *requestpool.Pool,
	disp *dispatcher.Dispatcher,
) *Server {

	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	s := &Server{
		log:        log.With().Str("component", "rpc").Logger(),
		cfg:        cfg,
		metrics:    metrics,
		pool:       pool,
		dispatcher: disp,
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.Component = component.NewComponentManagerBuilder().
		AddWorker(s.serveLoop).
		Build()

	return s
}

// Handler builds the routed handler. Exposed separately so tests can
// exercise the API without binding a listener.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/proofs", s.submitProof).Methods(http.MethodPost)
	r.HandleFunc("/v1/proofs", s.listProofs).Methods(http.MethodGet)
	r.HandleFunc("/v1/proofs/{fingerprint}", s.proofStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/proofs/{fingerprint}/result", s.proofResult).Methods(http.MethodGet)
	r.HandleFunc("/v1/proofs/{fingerprint}", s.cancelProof).Methods(http.MethodDelete)
	r.HandleFunc("/v1/pause", s.pause).Methods(http.MethodPost)
	r.HandleFunc("/v1/resume", s.resume).Methods(http.MethodPost)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}).Handler(r)
}

func (s *Server) serveLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		ctx.Throw(fmt.Errorf("could not listen on %s: %w", s.cfg.ListenAddr, err))
		return
	}
	s.log.Info().Str("addr", listener.Addr().String()).Msg("rpc server listening")
	ready()

	errs := make(chan error, 1)
	go func() {
		errs <- s.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("rpc server shutdown was not graceful")
		}
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctx.Throw(fmt.Errorf("rpc server failed: %w", err))
		}
	}
}

type submitRequest struct {
	ChainID      uint64            `json:"chain_id"`
	FirstBlock   uint64            `json:"first_block"`
	LastBlock    uint64            `json:"last_block"`
	BlockHash    common.Hash       `json:"block_hash"`
	Kind         string            `json:"kind"`
	Family       string            `json:"family"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Priority     uint8             `json:"priority,omitempty"`
	AllowRetry   bool              `json:"allow_retry,omitempty"`
}

type statusResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Status      string            `json:"status"`
	Kind        string            `json:"kind"`
	Family      string            `json:"family"`
	Attempts    uint64            `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	Assignments []assignmentView  `json:"assignments,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type assignmentView struct {
	Backend  string `json:"backend"`
	Status   string `json:"status"`
	Attempts uint64 `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type resultResponse struct {
	Fingerprint string        `json:"fingerprint"`
	Status      string        `json:"status"`
	Backend     string        `json:"backend,omitempty"`
	Proof       hexutil.Bytes `json:"proof,omitempty"`
	Digest      common.Hash   `json:"digest,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submitProof(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}

	req, err := body.toRequest()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	fp := req.Fingerprint()
	_, statusErr := s.pool.Status(fp)
	known := statusErr == nil

	handle, err := s.pool.Submit(req)
	switch {
	case errors.Is(err, requestpool.ErrPoolSaturated):
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if known {
		s.metrics.RequestDeduplicated()
	} else {
		s.metrics.RequestAdmitted(req.Kind)
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"fingerprint": handle.Fingerprint.String(),
		"status":      handle.Status.String(),
	})
}

func (s *Server) listProofs(w http.ResponseWriter, r *http.Request) {
	records := s.pool.List()
	views := make([]statusResponse, 0, len(records))
	for _, record := range records {
		views = append(views, recordView(record))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) proofStatus(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.fingerprintParam(w, r)
	if !ok {
		return
	}

	record, err := s.pool.Record(fp)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown fingerprint: %s", fp))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordView(record))
}

func (s *Server) proofResult(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.fingerprintParam(w, r)
	if !ok {
		return
	}

	artifact, err := s.pool.Result(fp)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resultResponse{
			Fingerprint: fp.String(),
			Status:      proof.TaskSucceeded.String(),
			Backend:     string(artifact.Backend),
			Proof:       hexutil.Bytes(artifact.Proof),
			Digest:      artifact.Digest,
		})
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown fingerprint: %s", fp))
	case errors.Is(err, requestpool.ErrResultPending):
		s.writeJSON(w, http.StatusAccepted, resultResponse{
			Fingerprint: fp.String(),
			Status:      proof.TaskRunning.String(),
		})
	case errors.Is(err, requestpool.ErrCancelled):
		s.writeJSON(w, http.StatusOK, resultResponse{
			Fingerprint: fp.String(),
			Status:      proof.TaskCancelled.String(),
		})
	case requestpool.IsFailedError(err):
		s.writeJSON(w, http.StatusOK, resultResponse{
			Fingerprint: fp.String(),
			Status:      proof.TaskFailed.String(),
			Error:       err.Error(),
		})
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) cancelProof(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.fingerprintParam(w, r)
	if !ok {
		return
	}

	if !s.pool.Cancel(fp) {
		s.writeError(w, http.StatusConflict, fmt.Errorf("task is unknown or already terminal: %s", fp))
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"fingerprint": fp.String(),
		"status":      "cancelling",
	})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"paused": s.dispatcher.Paused(),
		"tasks":  s.pool.Size(),
	})
}

func (s *Server) fingerprintParam(w http.ResponseWriter, r *http.Request) (proof.Fingerprint, bool) {
	raw := mux.Vars(r)["fingerprint"]
	fp, err := proof.HexToFingerprint(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed fingerprint %q: %w", raw, err))
		return proof.Fingerprint{}, false
	}
	return fp, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("could not encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (b *submitRequest) toRequest() (*proof.ProofRequest, error) {
	kind, err := proof.ParseKind(b.Kind)
	if err != nil {
		return nil, err
	}

	deps := make([]proof.Fingerprint, 0, len(b.Dependencies))
	for i, raw := range b.Dependencies {
		fp, err := proof.HexToFingerprint(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed dependency %d: %w", i, err)
		}
		deps = append(deps, fp)
	}
	if len(deps) == 0 {
		deps = nil
	}

	family := proof.Family(b.Family)
	if family == "" {
		family = proof.FamilyAny
	}

	return &proof.ProofRequest{
		ChainID:      b.ChainID,
		FirstBlock:   b.FirstBlock,
		LastBlock:    b.LastBlock,
		BlockHash:    b.BlockHash,
		Kind:         kind,
		Family:       family,
		Dependencies: deps,
		Params:       b.Params,
		Priority:     b.Priority,
		AllowRetry:   b.AllowRetry,
		SubmittedAt:  time.Now().UTC(),
	}, nil
}

func recordView(record *proof.TaskRecord) statusResponse {
	view := statusResponse{
		Fingerprint: record.Fingerprint.String(),
		Status:      record.Status.String(),
		Kind:        record.Request.Kind.String(),
		Family:      string(record.Request.Family),
		Attempts:    record.Attempts,
		Error:       record.LastError,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
	for _, assignment := range record.Assignments {
		view.Assignments = append(view.Assignments, assignmentView{
			Backend:  string(assignment.Backend),
			Status:   assignment.Status.String(),
			Attempts: assignment.Attempts,
			Error:    assignment.LastError,
		})
	}
	return view
}
