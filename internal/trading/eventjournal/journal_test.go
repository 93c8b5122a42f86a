package eventjournal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

func TestJournalRecordsOrderLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j", "journal.jsonl")
	runID := uuid.New()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.FilePath = path
	j, err := NewFileJournal(cfg, runID, zap.NewNop())
	require.NoError(t, err)

	bus := events.NewBus(zap.NewNop())
	j.Subscribe(bus)
	ctx := context.Background()
	dt := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	sim := events.SimulationContext{CalendarDT: dt, TradingDT: dt, Frequency: events.FrequencyDaily}

	order := model.NewOrder(1, "000001.XSHE", 100, model.SideBuy, "", model.MarketOrder(), dt, dt)
	require.NoError(t, bus.Publish(ctx, &events.Event{Kind: events.KindOrderPendingNew, SimulationContext: sim, Order: order}))
	require.NoError(t, bus.Publish(ctx, &events.Event{Kind: events.KindOrderCreationPass, SimulationContext: sim, Order: order}))
	trade := &model.Trade{ID: 1, OrderID: 1, OrderBookID: "000001.XSHE", Price: decimal.NewFromInt(10), Quantity: 100}
	require.NoError(t, bus.Publish(ctx, &events.Event{Kind: events.KindTrade, SimulationContext: sim, Order: order, Trade: trade}))
	// settlement is not journaled
	require.NoError(t, bus.Publish(ctx, &events.Event{Kind: events.KindSettlement, SimulationContext: sim}))
	require.NoError(t, j.Close())
	assert.Equal(t, int64(3), j.Seq())

	var got []Entry
	require.NoError(t, Replay(path, zap.NewNop(), func(e Entry) (bool, error) {
		got = append(got, e)
		return true, nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, []string{"ORDER_PENDING_NEW", "ORDER_CREATION_PASS", "TRADE"},
		[]string{got[0].EventType, got[1].EventType, got[2].EventType})
	assert.Equal(t, runID, got[2].RunID)
	assert.Equal(t, int64(3), got[2].Seq)
	require.NotNil(t, got[2].Trade)
	assert.True(t, decimal.NewFromInt(10).Equal(got[2].Trade.Price))
	assert.True(t, dt.Equal(got[0].TradingDT))
}

func TestReplayStopsAndSkips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	body := `{"seq":1,"event_type":"ORDER_PENDING_NEW"}
garbage

{"seq":2,"event_type":"ORDER_CREATION_PASS"}
{"seq":3,"event_type":"TRADE"}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	var seqs []int64
	require.NoError(t, Replay(path, zap.NewNop(), func(e Entry) (bool, error) {
		seqs = append(seqs, e.Seq)
		return e.Seq < 2, nil
	}))
	assert.Equal(t, []int64{1, 2}, seqs)

	assert.NoError(t, Replay(filepath.Join(t.TempDir(), "missing"), zap.NewNop(), func(Entry) (bool, error) {
		t.Fatal("no entries expected")
		return false, nil
	}))
}

func TestDisabledJournalDropsEntries(t *testing.T) {
	j, err := NewFileJournal(DefaultConfig(), uuid.New(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Write(context.Background(), &events.Event{Kind: events.KindTrade}))
	assert.Equal(t, int64(0), j.Seq())
	assert.NoError(t, j.Close())
}
