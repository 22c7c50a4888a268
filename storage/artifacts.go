package storage

import (
	"github.com/taikoxyz/raiko-sub001/model/proof"
)

// Artifacts is the content-addressed proof artifact store. Artifacts are
// written once when a task reaches terminal success and never mutated.
type Artifacts interface {
	// Store persists the artifact under its fingerprint. Storing the same
	// artifact again is a no-op; storing different bytes under an existing
	// fingerprint returns ErrAlreadyExists.
	Store(artifact *proof.Artifact) error

	// ByFingerprint retrieves the artifact for the given fingerprint.
	// Returns ErrNotFound if no artifact exists.
	ByFingerprint(fp proof.Fingerprint) (*proof.Artifact, error)
}
