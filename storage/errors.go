package storage

import "errors"

var (
	// ErrNotFound is returned when a resource for the queried key does not
	// exist. Note: badger.ErrKeyNotFound never crosses the storage
	// boundary, implementations convert it to ErrNotFound.
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyExists is returned when attempting to overwrite a
	// write-once resource with different data.
	ErrAlreadyExists = errors.New("key already exists")
)
