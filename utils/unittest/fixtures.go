package unittest

import (
	"crypto/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/raiko-sub001/model/proof"
)

// BlockHashFixture returns a random block hash.
func BlockHashFixture() common.Hash {
	var h common.Hash
	_, _ = rand.Read(h[:])
	return h
}

// ProofRequestFixture returns a valid batch proof request with a random
// block hash. Options mutate the request before it is returned.
func ProofRequestFixture(opts ...func(*proof.ProofRequest)) *proof.ProofRequest {
	req := &proof.ProofRequest{
		ChainID:     167000,
		FirstBlock:  100,
		LastBlock:   100,
		BlockHash:   BlockHashFixture(),
		Kind:        proof.KindBatch,
		Family:      proof.FamilyRisc0,
		Params:      map[string]string{"prover": "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"},
		SubmittedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// WithKind sets the proof kind.
func WithKind(kind proof.Kind) func(*proof.ProofRequest) {
	return func(req *proof.ProofRequest) {
		req.Kind = kind
	}
}

// WithFamily sets the backend family.
func WithFamily(family proof.Family) func(*proof.ProofRequest) {
	return func(req *proof.ProofRequest) {
		req.Family = family
	}
}

// WithBlock sets a single-block range.
func WithBlock(number uint64) func(*proof.ProofRequest) {
	return func(req *proof.ProofRequest) {
		req.FirstBlock = number
		req.LastBlock = number
	}
}

// WithDependencies sets the ordered dependency fingerprints.
func WithDependencies(deps ...proof.Fingerprint) func(*proof.ProofRequest) {
	return func(req *proof.ProofRequest) {
		req.Dependencies = deps
	}
}

// TaskRecordFixture returns a pending record for a fresh fixture request.
func TaskRecordFixture(opts ...func(*proof.ProofRequest)) *proof.TaskRecord {
	return proof.NewTaskRecord(ProofRequestFixture(opts...), time.Now().UTC())
}

// ArtifactFixture returns an artifact with random proof bytes for the
// given fingerprint.
func ArtifactFixture(fp proof.Fingerprint, backend proof.BackendID) *proof.Artifact {
	proofBytes := make([]byte, 64)
	_, _ = rand.Read(proofBytes)
	return &proof.Artifact{
		Fingerprint: fp,
		Backend:     backend,
		Proof:       proofBytes,
		Digest:      BlockHashFixture(),
		ProducedAt:  time.Now().UTC(),
	}
}
