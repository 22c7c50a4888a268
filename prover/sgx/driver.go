// Package sgx implements the backend driver for a remote enclave proving
// agent. The agent exposes a small job API over HTTP; this driver maps it
// onto the uniform submit/poll/cancel/fetch contract and classifies every
// transport or agent failure into the driver error taxonomy before it can
// reach the dispatcher.
package sgx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/prover"
)

// DefaultRequestTimeout bounds one HTTP round trip to the agent. The
// proving work itself is asynchronous, so this only covers control calls.
const DefaultRequestTimeout = 30 * time.Second

type Config struct {
	// AgentURL is the base URL of the enclave agent, e.g.
	// "http://sgx-agent:8090".
	AgentURL string
	// RequestTimeout bounds each control call to the agent.
	RequestTimeout time.Duration
}

type Driver struct {
	log     zerolog.Logger
	id      proof.BackendID
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ prover.Driver = (*Driver)(nil)

func NewDriver(log zerolog.Logger, id proof.BackendID, cfg Config) *Driver {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: string(id),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})
	return &Driver{
		log:     log.With().Str("component", "sgx_driver").Str("backend", string(id)).Logger(),
		id:      id,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
	}
}

func (d *Driver) ID() proof.BackendID  { return d.id }
func (d *Driver) Family() proof.Family { return proof.FamilySGX }

// wire types of the agent job API

type submitBody struct {
	ChainID      uint64            `json:"chain_id"`
	FirstBlock   uint64            `json:"first_block"`
	LastBlock    uint64            `json:"last_block"`
	BlockHash    common.Hash       `json:"block_hash"`
	Kind         string            `json:"kind"`
	Params       map[string]string `json:"params,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	// Proofs are the constituent proof bytes of an aggregation job, in
	// dependency order.
	Proofs []hexutil.Bytes `json:"proofs,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type proofResponse struct {
	Proof  hexutil.Bytes `json:"proof"`
	Digest common.Hash   `json:"input_digest"`
}

func (d *Driver) Submit(ctx context.Context, req *proof.ProofRequest) (prover.Ticket, error) {
	deps := make([]string, 0, len(req.Dependencies))
	for _, dep := range req.Dependencies {
		deps = append(deps, dep.String())
	}
	proofs := make([]hexutil.Bytes, 0, len(req.Constituents))
	for _, constituent := range req.Constituents {
		proofs = append(proofs, constituent.Proof)
	}
	body := submitBody{
		ChainID:      req.ChainID,
		FirstBlock:   req.FirstBlock,
		LastBlock:    req.LastBlock,
		BlockHash:    req.BlockHash,
		Kind:         req.Kind.String(),
		Params:       req.Params,
		Dependencies: deps,
		Proofs:       proofs,
	}

	var resp submitResponse
	err := d.call(ctx, http.MethodPost, "/v1/jobs", body, &resp)
	if err != nil {
		return prover.Ticket{}, err
	}
	if resp.JobID == "" {
		return prover.Ticket{}, prover.NewUnavailableErrorf("agent returned empty job id")
	}

	d.log.Info().
		Str("fingerprint", req.Fingerprint().String()).
		Str("job_id", resp.JobID).
		Msg("submitted job to enclave agent")

	return prover.Ticket{Backend: d.id, ID: resp.JobID}, nil
}

func (d *Driver) Poll(ctx context.Context, ticket prover.Ticket) (*prover.PollResult, error) {
	var resp statusResponse
	err := d.call(ctx, http.MethodGet, "/v1/jobs/"+ticket.ID, nil, &resp)
	if err != nil {
		return nil, err
	}

	switch resp.State {
	case "running", "queued":
		return &prover.PollResult{State: prover.StateRunning}, nil
	case "succeeded":
		// the agent separates completion from retrieval, the dispatcher
		// follows up with FetchArtifact
		return &prover.PollResult{State: prover.StateSucceeded}, nil
	case "failed":
		var cause error
		if resp.Retryable {
			cause = prover.NewRetryableErrorf("agent reported failure: %s", resp.Error)
		} else {
			cause = prover.NewFatalErrorf("agent reported failure: %s", resp.Error)
		}
		return &prover.PollResult{State: prover.StateFailed, Err: cause}, nil
	default:
		return nil, prover.NewUnavailableErrorf("agent reported unknown state: %s", resp.State)
	}
}

func (d *Driver) Cancel(ctx context.Context, ticket prover.Ticket) bool {
	err := d.call(ctx, http.MethodDelete, "/v1/jobs/"+ticket.ID, nil, nil)
	if err != nil {
		d.log.Warn().Err(err).Str("job_id", ticket.ID).Msg("could not cancel job on enclave agent")
		return false
	}
	return true
}

func (d *Driver) FetchArtifact(ctx context.Context, ticket prover.Ticket) (*proof.Artifact, error) {
	var resp proofResponse
	err := d.call(ctx, http.MethodGet, "/v1/jobs/"+ticket.ID+"/proof", nil, &resp)
	if err != nil {
		return nil, err
	}
	return &proof.Artifact{
		Backend:    d.id,
		Proof:      resp.Proof,
		Digest:     resp.Digest,
		ProducedAt: time.Now().UTC(),
	}, nil
}

// Forget is a no-op: the agent owns the job state and prunes it on its
// own schedule.
func (d *Driver) Forget(prover.Ticket) {}

// call performs one agent round trip through the circuit breaker and
// classifies every failure mode into the driver error taxonomy.
func (d *Driver) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.doCall(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return prover.NewUnavailableErrorf("agent circuit breaker open: %s", d.cfg.AgentURL)
	}
	return err
}

func (d *Driver) doCall(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return prover.NewInvalidInputErrorf("could not encode request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.AgentURL+path, reader)
	if err != nil {
		return prover.NewInvalidInputErrorf("could not build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return prover.NewUnavailableErrorf("agent unreachable: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return prover.NewUnavailableErrorf("could not decode agent response: %v", err)
		}
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return prover.NewInvalidInputErrorf("agent rejected request: %s", readError(resp.Body))
	case resp.StatusCode >= 500:
		return prover.NewUnavailableErrorf("agent error (%d): %s", resp.StatusCode, readError(resp.Body))
	default:
		return prover.NewFatalErrorf("agent refused request (%d): %s", resp.StatusCode, readError(resp.Body))
	}
}

func readError(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil || len(raw) == 0 {
		return "<no body>"
	}
	var wrapped struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error != "" {
		return wrapped.Error
	}
	return string(raw)
}
