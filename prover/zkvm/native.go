package zkvm

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/raiko-sub001/model/proof"
)

// NativeGuest returns a development guest that produces an unverifiable
// pseudo proof derived from the request identity. It stands in for a real
// zkVM guest in tests and on hosts without proving hardware; the artifact
// is deterministic so redundant runs agree byte-for-byte.
func NativeGuest(delay time.Duration) GuestFunc {
	return func(ctx context.Context, req *proof.ProofRequest) (*proof.Artifact, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		h := sha256.New()
		fp := req.Fingerprint()
		h.Write(fp[:])
		// aggregation folds the constituent proofs into the output
		for _, constituent := range req.Constituents {
			h.Write(constituent.Proof)
		}
		digest := h.Sum(nil)
		return &proof.Artifact{
			Proof:  digest,
			Digest: common.BytesToHash(digest),
		}, nil
	}
}
