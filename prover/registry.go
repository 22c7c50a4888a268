package prover

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/taikoxyz/raiko-sub001/model/proof"
)

type registryEntry struct {
	driver Driver
	// slots bounds concurrent submissions to this backend. Acquire blocks
	// (queues) rather than rejecting when the backend is at capacity.
	slots chan struct{}
}

// Registry is the constructed-once table of backend drivers passed into
// the dispatcher. It is immutable after construction, so lookups need no
// locking.
type Registry struct {
	entries map[proof.BackendID]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[proof.BackendID]*registryEntry),
	}
}

// Register adds a driver with the given concurrency capacity. A capacity
// of zero means unbounded. Registering the same backend ID twice is a
// configuration error.
func (r *Registry) Register(driver Driver, capacity uint) error {
	id := driver.ID()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("backend already registered: %s", id)
	}
	entry := &registryEntry{driver: driver}
	if capacity > 0 {
		entry.slots = make(chan struct{}, capacity)
	}
	r.entries[id] = entry
	return nil
}

// Driver returns the driver for the given backend ID.
func (r *Registry) Driver(id proof.BackendID) (Driver, bool) {
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.driver, true
}

// IDs returns all registered backend IDs in ascending order.
func (r *Registry) IDs() []proof.BackendID {
	ids := make([]proof.BackendID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ByFamily returns the IDs of all backends serving the given family, in
// ascending order.
func (r *Registry) ByFamily(family proof.Family) []proof.BackendID {
	var ids []proof.BackendID
	for id, entry := range r.entries {
		if entry.driver.Family() == family {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Acquire claims a submission slot on the backend, blocking while the
// backend is at its concurrency cap. The returned release function must be
// called once the backend interaction (submit through terminal poll) is
// finished. Returns the context error if the context is cancelled while
// waiting.
func (r *Registry) Acquire(ctx context.Context, id proof.BackendID) (func(), error) {
	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", id)
	}
	if entry.slots == nil {
		return func() {}, nil
	}
	select {
	case entry.slots <- struct{}{}:
		return func() { <-entry.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
