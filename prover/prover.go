// Package prover defines the uniform contract between the dispatcher and
// the heterogeneous proving engines. Each engine (hardware enclave, zkVM,
// local or remote) implements Driver exactly once; everything the
// dispatcher knows about a backend goes through this interface.
package prover

import (
	"context"
	"fmt"

	"github.com/taikoxyz/raiko-sub001/model/proof"
)

// Ticket is the backend-side handle of one submitted proving job. It is
// persisted with the task record so that an interrupted poll loop can be
// restarted against the same backend job after a crash.
type Ticket struct {
	Backend proof.BackendID
	ID      string
}

func (t Ticket) String() string {
	return fmt.Sprintf("%s/%s", t.Backend, t.ID)
}

// PollState is the observable state of a backend job.
type PollState uint8

const (
	// StateRunning means the backend is still computing.
	StateRunning PollState = iota
	// StateSucceeded means the proof is available.
	StateSucceeded
	// StateFailed means the backend gave up; the attached error is
	// classified as retryable or fatal.
	StateFailed
)

func (s PollState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// PollResult is the outcome of one poll of a backend job.
type PollResult struct {
	State PollState
	// Artifact is set on success for backends that return the proof with
	// the completion notification. Backends that separate completion from
	// retrieval leave it nil and serve it via FetchArtifact.
	Artifact *proof.Artifact
	// Err is the classified failure cause, set when State is StateFailed.
	Err error
}

// Driver is implemented once per proving engine. All methods classify
// failures through the taxonomy in errors.go; raw transport or process
// errors must never leak to the caller.
type Driver interface {
	// ID returns the unique identifier of this backend instance.
	ID() proof.BackendID

	// Family returns the proving engine family this backend belongs to.
	Family() proof.Family

	// Submit hands the request to the backend and returns a ticket for
	// polling. Expected error returns:
	//   - InvalidInputError: the request is malformed for this engine
	//   - UnavailableError: the backend is temporarily unreachable
	//   - FatalError: the backend rejected the request permanently
	Submit(ctx context.Context, req *proof.ProofRequest) (Ticket, error)

	// Poll observes the state of a submitted job without blocking on its
	// completion. Expected error returns:
	//   - UnavailableError: the backend is temporarily unreachable
	Poll(ctx context.Context, ticket Ticket) (*PollResult, error)

	// Cancel asks the backend to abort the job. Best-effort: a backend
	// that cannot abort mid-flight returns false and is allowed to finish,
	// the caller discards its result.
	Cancel(ctx context.Context, ticket Ticket) bool

	// FetchArtifact retrieves the proof for a completed job. Idempotent.
	FetchArtifact(ctx context.Context, ticket Ticket) (*proof.Artifact, error)

	// Forget releases the bookkeeping of a job the host stopped observing,
	// called once per ticket after the final poll. Drivers without local
	// job state may treat it as a no-op.
	Forget(ticket Ticket)
}
