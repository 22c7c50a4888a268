package badger

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/storage"
)

// key prefixes, one per record family stored in the database
const (
	codeTask     byte = 1
	codeArtifact byte = 2
)

func taskKey(fp proof.Fingerprint) []byte {
	return append([]byte{codeTask}, fp[:]...)
}

// Tasks implements the durable task ledger on top of badger. Records are
// msgpack-encoded and keyed by fingerprint, so writes are atomic per key
// and last-writer-wins.
type Tasks struct {
	db *badger.DB
}

var _ storage.Tasks = (*Tasks)(nil)

func NewTasks(db *badger.DB) *Tasks {
	return &Tasks{db: db}
}

func (t *Tasks) Upsert(record *proof.TaskRecord) error {
	val, err := msgpack.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not encode task record: %w", err)
	}
	err = t.db.Update(func(tx *badger.Txn) error {
		return tx.Set(taskKey(record.Fingerprint), val)
	})
	if err != nil {
		return fmt.Errorf("could not persist task record: %w", err)
	}
	return nil
}

func (t *Tasks) ByFingerprint(fp proof.Fingerprint) (*proof.TaskRecord, error) {
	var record proof.TaskRecord
	err := t.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(taskKey(fp))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not retrieve task record: %w", err)
	}
	return &record, nil
}

func (t *Tasks) List(filter storage.TaskFilter) ([]*proof.TaskRecord, error) {
	var records []*proof.TaskRecord
	err := t.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{codeTask}
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var record proof.TaskRecord
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("could not decode task record: %w", err)
			}
			if filter.Match(&record) {
				records = append(records, &record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not list task records: %w", err)
	}
	return records, nil
}

func (t *Tasks) Remove(fp proof.Fingerprint) error {
	err := t.db.Update(func(tx *badger.Txn) error {
		return tx.Delete(taskKey(fp))
	})
	if err != nil {
		return fmt.Errorf("could not remove task record: %w", err)
	}
	return nil
}
