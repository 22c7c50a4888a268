package badger

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/storage"
)

func artifactKey(fp proof.Fingerprint) []byte {
	return append([]byte{codeArtifact}, fp[:]...)
}

// Artifacts implements the content-addressed artifact store on top of
// badger. Entries are cbor-encoded and write-once: the proof bytes for a
// fingerprint never change after the producing task succeeded.
type Artifacts struct {
	db *badger.DB
}

var _ storage.Artifacts = (*Artifacts)(nil)

func NewArtifacts(db *badger.DB) *Artifacts {
	return &Artifacts{db: db}
}

func (a *Artifacts) Store(artifact *proof.Artifact) error {
	val, err := cbor.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("could not encode artifact: %w", err)
	}
	err = a.db.Update(func(tx *badger.Txn) error {
		key := artifactKey(artifact.Fingerprint)
		item, err := tx.Get(key)
		if err == nil {
			// write-once: storing identical bytes is a no-op, anything
			// else is a corruption attempt
			return item.Value(func(existing []byte) error {
				if bytes.Equal(existing, val) {
					return nil
				}
				return storage.ErrAlreadyExists
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return tx.Set(key, val)
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("could not persist artifact: %w", err)
	}
	return nil
}

func (a *Artifacts) ByFingerprint(fp proof.Fingerprint) (*proof.Artifact, error) {
	var artifact proof.Artifact
	err := a.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(artifactKey(fp))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &artifact)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not retrieve artifact: %w", err)
	}
	return &artifact, nil
}
