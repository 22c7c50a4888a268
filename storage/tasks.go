package storage

import (
	"github.com/taikoxyz/raiko-sub001/model/proof"
)

// TaskFilter narrows a ledger listing. The zero value matches everything.
type TaskFilter struct {
	// Statuses limits results to records in one of the given states.
	Statuses []proof.TaskStatus
	// NonTerminal limits results to records whose status is not terminal.
	// Used by the crash-recovery scan at startup.
	NonTerminal bool
}

// Match reports whether the record passes the filter.
func (f TaskFilter) Match(record *proof.TaskRecord) bool {
	if f.NonTerminal && record.Status.Terminal() {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if record.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Tasks is the durable task ledger, keyed by fingerprint. Writes are
// last-writer-wins per fingerprint; the dispatcher is the sole writer.
// A write that returns nil must be visible to a subsequent process start.
type Tasks interface {
	// Upsert stores the record, replacing any previous version.
	// No errors are expected during normal operation.
	Upsert(record *proof.TaskRecord) error

	// ByFingerprint retrieves the record for the given fingerprint.
	// Returns ErrNotFound if no record exists.
	ByFingerprint(fp proof.Fingerprint) (*proof.TaskRecord, error)

	// List returns all records matching the filter, in unspecified order.
	List(filter TaskFilter) ([]*proof.TaskRecord, error)

	// Remove deletes the record. Removing an absent record is a no-op.
	// Only explicit garbage collection calls this.
	Remove(fp proof.Fingerprint) error
}
