package unittest

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/require"
)

// RunWithTempDir runs the test function with a temporary directory that is
// cleaned up afterwards.
func RunWithTempDir(t testing.TB, f func(string)) {
	f(t.TempDir())
}

// BadgerDB opens a badger database in the given directory, configured for
// tests (in-memory L0, no logger noise).
func BadgerDB(t testing.TB, dir string) *badger.DB {
	opts := badger.
		DefaultOptions(dir).
		WithKeepL0InMemory(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	return db
}

// RunWithBadgerDB runs the test function with a temporary badger database.
func RunWithBadgerDB(t testing.TB, f func(*badger.DB)) {
	RunWithTempDir(t, func(dir string) {
		db := BadgerDB(t, dir)
		defer db.Close()
		f(db)
	})
}

// RequireCloseBefore fails the test if the channel does not close within
// the given duration.
func RequireCloseBefore(t testing.TB, ch <-chan struct{}, d time.Duration, message string) {
	select {
	case <-ch:
	case <-time.After(d):
		require.Fail(t, "channel did not close in time", message)
	}
}

// RequireEventually fails the test if the condition does not become true
// within the given duration.
func RequireEventually(t testing.TB, d time.Duration, condition func() bool) {
	require.Eventually(t, condition, d, 5*time.Millisecond)
}
