// Package eventjournal keeps a line-delimited JSON record of every order and
// trade lifecycle event of a run, for audit and offline replay.
package eventjournal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

// Entry is one journal line
type Entry struct {
	Seq        int64        `json:"seq"`
	RunID      uuid.UUID    `json:"run_id"`
	EventType  string       `json:"event_type"`
	CalendarDT time.Time    `json:"calendar_dt"`
	TradingDT  time.Time    `json:"trading_dt"`
	Order      *model.Order `json:"order,omitempty"`
	Trade      *model.Trade `json:"trade,omitempty"`
}

// journaled are the kinds written to the journal, in subscription order
var journaled = []events.Kind{
	events.KindOrderPendingNew,
	events.KindOrderCreationPass,
	events.KindOrderCreationReject,
	events.KindOrderCancellationPass,
	events.KindOrderUnsolicitedUpdate,
	events.KindTrade,
}

// NewEntry captures ev. Order and trade are copied so later engine updates do
// not leak into an entry that is still being encoded.
func NewEntry(runID uuid.UUID, seq int64, ev *events.Event) Entry {
	e := Entry{
		Seq:        seq,
		RunID:      runID,
		EventType:  ev.Kind.String(),
		CalendarDT: ev.CalendarDT,
		TradingDT:  ev.TradingDT,
	}
	if ev.Order != nil {
		o := *ev.Order
		e.Order = &o
	}
	if ev.Trade != nil {
		t := *ev.Trade
		e.Trade = &t
	}
	return e
}

// Replay feeds every entry of the journal at path to handler, in file order.
// Handler returns false to stop early. Malformed lines are logged and skipped.
func Replay(path string, logger *zap.Logger, handler func(Entry) (bool, error)) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("No journal file found for replay", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("failed to open journal file for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	count, skipped := 0, 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			skipped++
			logger.Error("Failed to unmarshal journal entry", zap.Error(err), zap.Int("line", count+skipped))
			continue
		}
		count++
		more, err := handler(entry)
		if err != nil {
			return fmt.Errorf("replay stopped at entry %d: %w", entry.Seq, err)
		}
		if !more {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading journal during replay: %w", err)
	}
	logger.Info("Journal replay completed", zap.Int("entries", count), zap.Int("skipped", skipped))
	return nil
}
