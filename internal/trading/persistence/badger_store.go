package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

const snapshotPrefix = "snapshot:"

// BadgerStore keeps snapshots in an embedded Badger database, one key per run
type BadgerStore struct {
	logger *zap.Logger
	db     *badger.DB
}

// NewBadgerStore opens (or creates) the database at path
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerStore{logger: logger.Named("snapshot_store"), db: db}, nil
}

func key(runID uuid.UUID) []byte {
	return []byte(snapshotPrefix + runID.String())
}

func (s *BadgerStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(snap.RunID), data)
	}); err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}
	s.logger.Info("Snapshot saved", zap.String("run_id", snap.RunID.String()), zap.Int("bytes", len(data)))
	return nil
}

func (s *BadgerStore) Load(_ context.Context, runID uuid.UUID) (*Snapshot, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(runID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.NotFound.Explain("no snapshot for run %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return Decode(data)
}

// Runs lists the run ids with a stored snapshot, in key order
func (s *BadgerStore) Runs(_ context.Context) ([]uuid.UUID, error) {
	var runs []uuid.UUID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(snapshotPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := uuid.Parse(strings.TrimPrefix(string(it.Item().Key()), snapshotPrefix))
			if err != nil {
				return fmt.Errorf("malformed snapshot key %q: %w", it.Item().Key(), err)
			}
			runs = append(runs, id)
		}
		return nil
	})
	return runs, err
}

// Delete drops the snapshot of a run
func (s *BadgerStore) Delete(_ context.Context, runID uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(runID))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
