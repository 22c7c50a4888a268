package badger_test

import (
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/storage"
	bstorage "github.com/taikoxyz/raiko-sub001/storage/badger"
	"github.com/taikoxyz/raiko-sub001/utils/unittest"
)

func TestTasksUpsertAndRetrieve(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badgerdb.DB) {
		tasks := bstorage.NewTasks(db)

		record := unittest.TaskRecordFixture()
		record.Assignments = []proof.BackendAssignment{
			{Backend: "risc0-local", Status: proof.TaskPending},
		}
		require.NoError(t, tasks.Upsert(record))

		actual, err := tasks.ByFingerprint(record.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, record.Fingerprint, actual.Fingerprint)
		assert.Equal(t, proof.TaskPending, actual.Status)
		require.Len(t, actual.Assignments, 1)
		assert.Equal(t, proof.BackendID("risc0-local"), actual.Assignments[0].Backend)
		assert.Equal(t, record.Request.Fingerprint(), actual.Request.Fingerprint())
	})
}

func TestTasksLastWriterWins(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badgerdb.DB) {
		tasks := bstorage.NewTasks(db)

		record := unittest.TaskRecordFixture()
		require.NoError(t, tasks.Upsert(record))

		record.Status = proof.TaskRunning
		record.Attempts = 3
		record.UpdatedAt = time.Now().UTC()
		require.NoError(t, tasks.Upsert(record))

		actual, err := tasks.ByFingerprint(record.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, proof.TaskRunning, actual.Status)
		assert.Equal(t, uint64(3), actual.Attempts)
	})
}

func TestTasksNotFound(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badgerdb.DB) {
		tasks := bstorage.NewTasks(db)

		_, err := tasks.ByFingerprint(proof.Fingerprint{1, 2, 3})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestTasksListWithFilter(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badgerdb.DB) {
		tasks := bstorage.NewTasks(db)

		statuses := []proof.TaskStatus{
			proof.TaskPending,
			proof.TaskRunning,
			proof.TaskSucceeded,
			proof.TaskFailed,
		}
		for i, status := range statuses {
			record := unittest.TaskRecordFixture(unittest.WithBlock(uint64(100 + i)))
			record.Status = status
			require.NoError(t, tasks.Upsert(record))
		}

		all, err := tasks.List(storage.TaskFilter{})
		require.NoError(t, err)
		assert.Len(t, all, len(statuses))

		nonTerminal, err := tasks.List(storage.TaskFilter{NonTerminal: true})
		require.NoError(t, err)
		assert.Len(t, nonTerminal, 2)

		running, err := tasks.List(storage.TaskFilter{Statuses: []proof.TaskStatus{proof.TaskRunning}})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, proof.TaskRunning, running[0].Status)
	})
}

func TestTasksRemove(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badgerdb.DB) {
		tasks := bstorage.NewTasks(db)

		record := unittest.TaskRecordFixture()
		require.NoError(t, tasks.Upsert(record))
		require.NoError(t, tasks.Remove(record.Fingerprint))

		_, err := tasks.ByFingerprint(record.Fingerprint)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// removing an absent record is a no-op
		require.NoError(t, tasks.Remove(record.Fingerprint))
	})
}

func TestTasksSurviveReopen(t *testing.T) {
	unittest.RunWithTempDir(t, func(dir string) {
		record := unittest.TaskRecordFixture()
		record.Status = proof.TaskRunning

		db := unittest.BadgerDB(t, dir)
		require.NoError(t, bstorage.NewTasks(db).Upsert(record))
		require.NoError(t, db.Close())

		db = unittest.BadgerDB(t, dir)
		defer db.Close()
		actual, err := bstorage.NewTasks(db).ByFingerprint(record.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, proof.TaskRunning, actual.Status)
	})
}
