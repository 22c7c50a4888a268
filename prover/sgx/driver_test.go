package sgx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/prover"
	"github.com/taikoxyz/raiko-sub001/utils/unittest"
)

// fakeAgent emulates the enclave agent job API.
type fakeAgent struct {
	mu         sync.Mutex
	statuses   map[string]statusResponse
	proofs     map[string]proofResponse
	submits    int
	lastSubmit submitBody
	cancels    []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		statuses: make(map[string]statusResponse),
		proofs:   make(map[string]proofResponse),
	}
}

func (a *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.submits++
		_ = json.NewDecoder(r.Body).Decode(&a.lastSubmit)
		jobID := "job-1"
		a.statuses[jobID] = statusResponse{State: "running"}
		_ = json.NewEncoder(w).Encode(submitResponse{JobID: jobID})
	})
	mux.HandleFunc("/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		path := r.URL.Path[len("/v1/jobs/"):]
		switch {
		case r.Method == http.MethodDelete:
			a.cancels = append(a.cancels, path)
			w.WriteHeader(http.StatusOK)
		case len(path) > 6 && path[len(path)-6:] == "/proof":
			jobID := path[:len(path)-6]
			resp, ok := a.proofs[jobID]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			resp, ok := a.statuses[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(resp)
		}
	})
	return mux
}

func TestDriverSubmitPollFetch(t *testing.T) {
	agent := newFakeAgent()
	server := httptest.NewServer(agent.handler())
	defer server.Close()

	driver := NewDriver(zerolog.Nop(), "sgx-remote", Config{AgentURL: server.URL})
	req := unittest.ProofRequestFixture(unittest.WithFamily(proof.FamilySGX))

	ticket, err := driver.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "job-1", ticket.ID)
	assert.Equal(t, 1, agent.submits)

	result, err := driver.Poll(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, prover.StateRunning, result.State)

	agent.mu.Lock()
	agent.statuses["job-1"] = statusResponse{State: "succeeded"}
	agent.proofs["job-1"] = proofResponse{Proof: []byte{0xab, 0xcd}}
	agent.mu.Unlock()

	result, err = driver.Poll(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, prover.StateSucceeded, result.State)
	// completion is separated from retrieval
	assert.Nil(t, result.Artifact)

	artifact, err := driver.FetchArtifact(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xcd}, []byte(artifact.Proof))
	assert.Equal(t, proof.BackendID("sgx-remote"), artifact.Backend)
}

func TestDriverForwardsAggregationInput(t *testing.T) {
	agent := newFakeAgent()
	server := httptest.NewServer(agent.handler())
	defer server.Close()

	driver := NewDriver(zerolog.Nop(), "sgx-remote", Config{AgentURL: server.URL})

	depA := unittest.ProofRequestFixture(unittest.WithFamily(proof.FamilySGX), unittest.WithBlock(10))
	depB := unittest.ProofRequestFixture(unittest.WithFamily(proof.FamilySGX), unittest.WithBlock(11))
	req := unittest.ProofRequestFixture(
		unittest.WithFamily(proof.FamilySGX),
		unittest.WithKind(proof.KindAggregate),
		unittest.WithDependencies(depA.Fingerprint(), depB.Fingerprint()),
	)
	req.Constituents = []*proof.Artifact{
		{Fingerprint: depA.Fingerprint(), Proof: []byte{0x01, 0x02}},
		{Fingerprint: depB.Fingerprint(), Proof: []byte{0x03, 0x04}},
	}

	_, err := driver.Submit(context.Background(), req)
	require.NoError(t, err)

	// the agent receives the constituent proofs in dependency order
	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.Len(t, agent.lastSubmit.Proofs, 2)
	assert.Equal(t, hexutil.Bytes{0x01, 0x02}, agent.lastSubmit.Proofs[0])
	assert.Equal(t, hexutil.Bytes{0x03, 0x04}, agent.lastSubmit.Proofs[1])
	assert.Equal(t,
		[]string{depA.Fingerprint().String(), depB.Fingerprint().String()},
		agent.lastSubmit.Dependencies,
	)
}

func TestDriverClassifiesAgentFailure(t *testing.T) {
	agent := newFakeAgent()
	server := httptest.NewServer(agent.handler())
	defer server.Close()

	driver := NewDriver(zerolog.Nop(), "sgx-remote", Config{AgentURL: server.URL})
	ticket, err := driver.Submit(context.Background(), unittest.ProofRequestFixture(unittest.WithFamily(proof.FamilySGX)))
	require.NoError(t, err)

	agent.mu.Lock()
	agent.statuses[ticket.ID] = statusResponse{State: "failed", Error: "oom", Retryable: true}
	agent.mu.Unlock()

	result, err := driver.Poll(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, prover.StateFailed, result.State)
	assert.True(t, prover.IsRetryableError(result.Err))

	agent.mu.Lock()
	agent.statuses[ticket.ID] = statusResponse{State: "failed", Error: "bad input", Retryable: false}
	agent.mu.Unlock()

	result, err = driver.Poll(context.Background(), ticket)
	require.NoError(t, err)
	assert.True(t, prover.IsFatalError(result.Err))
}

func TestDriverCancelPropagates(t *testing.T) {
	agent := newFakeAgent()
	server := httptest.NewServer(agent.handler())
	defer server.Close()

	driver := NewDriver(zerolog.Nop(), "sgx-remote", Config{AgentURL: server.URL})
	ticket, err := driver.Submit(context.Background(), unittest.ProofRequestFixture(unittest.WithFamily(proof.FamilySGX)))
	require.NoError(t, err)

	assert.True(t, driver.Cancel(context.Background(), ticket))
	assert.Equal(t, []string{ticket.ID}, agent.cancels)
}

func TestDriverUnreachableAgent(t *testing.T) {
	driver := NewDriver(zerolog.Nop(), "sgx-remote", Config{AgentURL: "http://127.0.0.1:1"})

	_, err := driver.Submit(context.Background(), unittest.ProofRequestFixture(unittest.WithFamily(proof.FamilySGX)))
	assert.True(t, prover.IsUnavailableError(err))
}

func TestDriverBadRequestClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported chain"})
	}))
	defer server.Close()

	driver := NewDriver(zerolog.Nop(), "sgx-remote", Config{AgentURL: server.URL})
	_, err := driver.Submit(context.Background(), unittest.ProofRequestFixture(unittest.WithFamily(proof.FamilySGX)))
	assert.True(t, prover.IsInvalidInputError(err))
	assert.Contains(t, err.Error(), "unsupported chain")
}

func TestDriverCircuitBreakerOpens(t *testing.T) {
	driver := NewDriver(zerolog.Nop(), "sgx-remote", Config{AgentURL: "http://127.0.0.1:1"})
	req := unittest.ProofRequestFixture(unittest.WithFamily(proof.FamilySGX))

	// trip the breaker with consecutive transport failures
	for i := 0; i < 6; i++ {
		_, err := driver.Submit(context.Background(), req)
		require.Error(t, err)
	}

	_, err := driver.Submit(context.Background(), req)
	assert.True(t, prover.IsUnavailableError(err))
	assert.Contains(t, err.Error(), "circuit breaker open")
}
