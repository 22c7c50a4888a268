package proof

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BackendAssignment tracks one backend's share of a task, with a retry
// counter independent of the aggregate task status. Assignments are
// persisted with their record so retry state survives a process restart.
type BackendAssignment struct {
	Backend  BackendID
	Status   TaskStatus
	Attempts uint64
	// TicketID is the backend-side handle of the in-flight submission,
	// empty until Submit has been acknowledged.
	TicketID  string
	LastError string
}

// TaskRecord is the mutable, persisted lifecycle state of one fingerprint.
// It is mutated only by the dispatcher; the ledger copy is the single
// source of truth after a restart.
type TaskRecord struct {
	Fingerprint Fingerprint
	Status      TaskStatus
	Request     ProofRequest
	Assignments []BackendAssignment
	// Attempts counts execution attempts of the whole task, including
	// requeues after a crash.
	Attempts  uint64
	LastError string
	// ArtifactID references the content-addressed artifact once the task
	// succeeded. The proof bytes themselves live in the artifact store.
	ArtifactID Fingerprint
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewTaskRecord returns the pending record for a freshly admitted request.
func NewTaskRecord(req *ProofRequest, now time.Time) *TaskRecord {
	return &TaskRecord{
		Fingerprint: req.Fingerprint(),
		Status:      TaskPending,
		Request:     *req,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Assignment returns the assignment for the given backend, or nil.
func (r *TaskRecord) Assignment(backend BackendID) *BackendAssignment {
	for i := range r.Assignments {
		if r.Assignments[i].Backend == backend {
			return &r.Assignments[i]
		}
	}
	return nil
}

// Artifact is the opaque output of a proving engine: the proof bytes plus
// the digest of the public inputs they commit to. Artifacts are content
// addressed by the fingerprint of the producing request and are never
// mutated after the task reaches terminal success.
type Artifact struct {
	Fingerprint Fingerprint
	Backend     BackendID
	Proof       []byte
	// Digest commits to the public inputs of the proof.
	Digest     common.Hash
	ProducedAt time.Time
}
