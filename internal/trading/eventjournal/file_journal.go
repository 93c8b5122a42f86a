package eventjournal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
)

// Config holds configuration for the event journal
type Config struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// DefaultConfig returns a default event journal configuration
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		FilePath:   "runs/journal.jsonl",
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 30,
	}
}

// FileJournal appends entries to a size-rotated file
type FileJournal struct {
	logger *zap.Logger
	runID  uuid.UUID
	mu     sync.Mutex
	out    io.WriteCloser
	seq    int64
}

// NewFileJournal opens the journal of run runID. A disabled journal accepts
// and drops every entry.
func NewFileJournal(cfg Config, runID uuid.UUID, logger *zap.Logger) (*FileJournal, error) {
	j := &FileJournal{logger: logger.Named("journal"), runID: runID}
	if !cfg.Enabled {
		return j, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	j.out = &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	j.logger.Info("Event journal initialized", zap.String("file_path", cfg.FilePath), zap.String("run_id", runID.String()))
	return j, nil
}

// Subscribe journals every order and trade event. The journal only observes,
// so it always lets the dispatch continue.
func (j *FileJournal) Subscribe(bus *events.Bus) {
	for _, kind := range journaled {
		bus.Subscribe(kind, "journal", func(ctx context.Context, ev *events.Event) (events.Result, error) {
			return events.Continue, j.Write(ctx, ev)
		})
	}
}

// Write appends ev as one JSON line
func (j *FileJournal) Write(_ context.Context, ev *events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.out == nil {
		return nil
	}
	j.seq++
	data, err := json.Marshal(NewEntry(j.runID, j.seq, ev))
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	if _, err := j.out.Write(append(data, '\n')); err != nil {
		j.logger.Error("Failed to write journal entry", zap.Error(err), zap.Stringer("kind", ev.Kind))
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

// Seq is the sequence number of the last written entry
func (j *FileJournal) Seq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// SetSeq continues numbering after a resumed run's last entry
func (j *FileJournal) SetSeq(seq int64) {
	j.mu.Lock()
	j.seq = seq
	j.mu.Unlock()
}

// Close closes the journal file
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.out == nil {
		return nil
	}
	err := j.out.Close()
	j.out = nil
	return err
}
