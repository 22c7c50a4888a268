package proof

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
)

// Fingerprint identifies a proof request by a hash of its normalized
// semantic content. Two requests with equal fingerprints are guaranteed to
// produce interchangeable artifacts, so the fingerprint doubles as the
// deduplication key across the pool, the ledger and the artifact store.
type Fingerprint [32]byte

// ZeroFingerprint is the zero value and is never a valid request identity.
var ZeroFingerprint = Fingerprint{}

// HexToFingerprint converts a hex string to a fingerprint.
func HexToFingerprint(hexString string) (Fingerprint, error) {
	var fp Fingerprint
	bytes, err := hex.DecodeString(hexString)
	if err != nil {
		return fp, fmt.Errorf("could not decode fingerprint hex: %w", err)
	}
	if len(bytes) != len(fp) {
		return fp, fmt.Errorf("invalid fingerprint length: got %d, expected %d", len(bytes), len(fp))
	}
	copy(fp[:], bytes)
	return fp, nil
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) IsZero() bool {
	return f == ZeroFingerprint
}

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(text []byte) error {
	fp, err := HexToFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = fp
	return nil
}

// fingerprintHasher accumulates the canonical encoding of a request.
// Every field is length- or tag-prefixed so that no two distinct requests
// share an encoding.
type fingerprintHasher struct {
	buf []byte
}

func (h *fingerprintHasher) writeUint64(v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	h.buf = append(h.buf, scratch[:]...)
}

func (h *fingerprintHasher) writeBytes(b []byte) {
	h.writeUint64(uint64(len(b)))
	h.buf = append(h.buf, b...)
}

func (h *fingerprintHasher) writeString(s string) {
	h.writeBytes([]byte(s))
}

func (h *fingerprintHasher) sum() Fingerprint {
	return Fingerprint(sha256.Sum256(h.buf))
}

// FingerprintOf computes the deterministic fingerprint of a request.
// Only fields that affect the computed artifact participate: block and
// chain identity, proof kind, backend family, ordered dependencies and the
// backend-specific parameters. Ordering metadata such as priority or the
// submission timestamp is deliberately excluded.
func FingerprintOf(req *ProofRequest) Fingerprint {
	h := &fingerprintHasher{}
	h.writeUint64(req.ChainID)
	h.writeUint64(req.FirstBlock)
	h.writeUint64(req.LastBlock)
	h.writeBytes(req.BlockHash[:])
	h.writeUint64(uint64(req.Kind))
	h.writeString(string(req.Family))

	h.writeUint64(uint64(len(req.Dependencies)))
	for _, dep := range req.Dependencies {
		h.buf = append(h.buf, dep[:]...)
	}

	// map iteration order is not deterministic, sort keys first
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h.writeUint64(uint64(len(keys)))
	for _, k := range keys {
		h.writeString(k)
		h.writeString(req.Params[k])
	}

	return h.sum()
}
