package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// JSONFileStore keeps one <run id>.json file per run. Saves go through a
// temporary file and a rename, so a crash never leaves half a snapshot.
type JSONFileStore struct {
	logger *zap.Logger
	dir    string
}

// NewJSONFileStore creates the directory if needed
func NewJSONFileStore(dir string, logger *zap.Logger) (*JSONFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &JSONFileStore{logger: logger.Named("snapshot_store"), dir: dir}, nil
}

func (s *JSONFileStore) path(runID uuid.UUID) string {
	return filepath.Join(s.dir, runID.String()+".json")
}

func (s *JSONFileStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	path := s.path(snap.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	s.logger.Info("Snapshot saved", zap.String("run_id", snap.RunID.String()), zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

func (s *JSONFileStore) Load(_ context.Context, runID uuid.UUID) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound.Explain("no snapshot for run %s", runID)
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return Decode(data)
}

func (s *JSONFileStore) Close() error { return nil }
