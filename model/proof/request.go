package proof

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind enumerates the shapes of proof a request can ask for.
type Kind uint8

const (
	// KindSingle proves a single block.
	KindSingle Kind = iota
	// KindBatch proves a bounded, contiguous block range.
	KindBatch
	// KindAggregate combines previously produced batch proofs of one
	// backend family into a single artifact.
	KindAggregate
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindBatch:
		return "batch"
	case KindAggregate:
		return "aggregate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind parses the wire representation of a proof kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "single":
		return KindSingle, nil
	case "batch":
		return KindBatch, nil
	case "aggregate":
		return KindAggregate, nil
	default:
		return 0, fmt.Errorf("unknown proof kind: %q", s)
	}
}

// Family identifies one proving engine implementation.
type Family string

const (
	// FamilySGX is the hardware-enclave attestation engine.
	FamilySGX Family = "sgx"
	// FamilyRisc0 and FamilySP1 are zero-knowledge virtual machines.
	FamilyRisc0 Family = "risc0"
	FamilySP1   Family = "sp1"
	// FamilyAny lets the ballot draw a family from the block hash.
	FamilyAny Family = "any"
)

// BackendID identifies one concrete backend driver instance. Multiple
// backends may serve the same family (e.g. a local and a remote zkVM).
type BackendID string

// ProofRequest is the immutable description of one unit of proving work.
// It is owned exclusively by the dispatcher once admitted and must not be
// mutated afterwards.
type ProofRequest struct {
	ChainID    uint64
	FirstBlock uint64
	LastBlock  uint64
	BlockHash  common.Hash
	Kind       Kind
	Family     Family

	// Dependencies is the ordered list of constituent fingerprints an
	// aggregate request depends on. Empty for single and batch requests.
	Dependencies []Fingerprint

	// Constituents carries the proofs referenced by Dependencies, in the
	// same order. The dispatcher loads them from the artifact store once
	// every dependency has succeeded; they exist only on the request handed
	// to the backend and never participate in the fingerprint or the
	// persisted record.
	Constituents []*Artifact `msgpack:"-" json:"-"`

	// Params carries backend-specific parameters that affect the computed
	// artifact (guest image id, prover address, blob proof mode, ...).
	Params map[string]string

	// Priority is an ordering hint for the admission queue. Higher values
	// are drained first within the same kind.
	Priority uint8

	// AllowRetry resets a terminally failed record back to pending when
	// the same request is submitted again.
	AllowRetry bool

	SubmittedAt time.Time
}

// Fingerprint returns the deduplication identity of the request.
func (r *ProofRequest) Fingerprint() Fingerprint {
	return FingerprintOf(r)
}

// Validate checks structural well-formedness of the request. A failure
// here is an InvalidInput condition and is never retried.
func (r *ProofRequest) Validate() error {
	if r.ChainID == 0 {
		return fmt.Errorf("chain id must not be zero")
	}
	switch r.Kind {
	case KindSingle:
		if r.FirstBlock != r.LastBlock {
			return fmt.Errorf("single proof must cover exactly one block, got range [%d, %d]", r.FirstBlock, r.LastBlock)
		}
	case KindBatch:
		if r.FirstBlock > r.LastBlock {
			return fmt.Errorf("invalid block range [%d, %d]", r.FirstBlock, r.LastBlock)
		}
	case KindAggregate:
		if len(r.Dependencies) == 0 {
			return fmt.Errorf("aggregate proof requires at least one dependency")
		}
		if r.Family == FamilyAny {
			return fmt.Errorf("aggregate proof requires a concrete backend family")
		}
		for i, dep := range r.Dependencies {
			if dep.IsZero() {
				return fmt.Errorf("dependency %d has zero fingerprint", i)
			}
		}
	default:
		return fmt.Errorf("unknown proof kind: %d", r.Kind)
	}
	return nil
}
