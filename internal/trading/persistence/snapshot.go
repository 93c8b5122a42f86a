// Package persistence stores the state of a paused run so it can resume
// exactly where it stopped.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/executor"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/report"
	"github.com/Aidin1998/pincex_backtest/internal/trading/analytics"
	"github.com/Aidin1998/pincex_backtest/internal/trading/engine"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// SnapshotVersion is bumped whenever a field changes meaning
const SnapshotVersion = 1

// Snapshot is the whole kernel state at a pause. Decimals are encoded as
// strings so a save and load reproduces every value exactly.
type Snapshot struct {
	Version int       `json:"version"`
	RunID   uuid.UUID `json:"run_id"`
	// PausedAt is the last trading date replayed
	PausedAt time.Time `json:"paused_at"`

	Portfolio accounts.PortfolioState `json:"portfolio"`
	Engine    engine.State            `json:"engine"`
	Risk      analytics.State         `json:"risk"`
	Executor  executor.State          `json:"executor"`
	Scheduler map[string]time.Time    `json:"scheduler"`
	Report    report.State            `json:"report"`

	// JournalSeq is the last journal entry written before the pause
	JournalSeq int64 `json:"journal_seq,omitempty"`
}

// Store saves and loads snapshots by run
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, runID uuid.UUID) (*Snapshot, error)
	Close() error
}

// Encode serializes snap, stamping the current version
func Encode(snap *Snapshot) ([]byte, error) {
	if snap.RunID == uuid.Nil {
		return nil, errors.Invalid.Explain("snapshot has no run id")
	}
	snap.Version = SnapshotVersion
	return json.Marshal(snap)
}

// Decode parses a snapshot, refusing any version it does not know
func Decode(data []byte) (*Snapshot, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Invalid.Explain("snapshot is not valid JSON").Wrap(err)
	}
	if head.Version != SnapshotVersion {
		return nil, errors.Invalid.Explain("unsupported snapshot version %d, expected %d", head.Version, SnapshotVersion)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Invalid.Explain("snapshot decode").Wrap(err)
	}
	return &snap, nil
}
