package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func recorder(trace *[]string, name string, res Result) Handler {
	return func(_ context.Context, ev *Event) (Result, error) {
		*trace = append(*trace, ev.Kind.String()+":"+name)
		return res, nil
	}
}

func TestPublishOrderAndConsume(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var trace []string
	bus.Subscribe(KindBar, "matching", recorder(&trace, "matching", Continue))
	bus.Subscribe(KindBar, "strategy", recorder(&trace, "strategy", Consumed))
	bus.Subscribe(KindBar, "late", recorder(&trace, "late", Continue))

	require.NoError(t, bus.Publish(context.Background(), &Event{Kind: KindBar}))
	assert.Equal(t, []string{"BAR:matching", "BAR:strategy"}, trace)
	assert.Equal(t, []string{"matching", "strategy", "late"}, bus.Handlers(KindBar))
}

func TestPublishPhased(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var trace []string
	bus.Subscribe(KindPostSettlement, "report", recorder(&trace, "report", Continue))
	bus.Subscribe(KindSettlement, "ledger", recorder(&trace, "ledger", Continue))
	bus.Subscribe(KindPreSettlement, "engine", recorder(&trace, "engine", Continue))

	require.NoError(t, bus.PublishPhased(context.Background(), &Event{Kind: KindSettlement}))
	assert.Equal(t, []string{"PRE_SETTLEMENT:engine", "SETTLEMENT:ledger", "POST_SETTLEMENT:report"}, trace)
}

func TestPublishStopsOnError(t *testing.T) {
	bus := NewBus(zap.NewNop())
	boom := errors.New("boom")
	var trace []string
	bus.Subscribe(KindTrade, "ledger", func(context.Context, *Event) (Result, error) { return Continue, boom })
	bus.Subscribe(KindTrade, "journal", recorder(&trace, "journal", Continue))

	err := bus.Publish(context.Background(), &Event{Kind: KindTrade})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "TRADE handler ledger")
	assert.Empty(t, trace)
	assert.Equal(t, int64(1), bus.Metrics().Failed)
}

func TestPhasedKinds(t *testing.T) {
	pre, post, ok := KindAfterTrading.Phased()
	assert.True(t, ok)
	assert.Equal(t, KindPreAfterTrading, pre)
	assert.Equal(t, KindPostAfterTrading, post)

	_, _, ok = KindTrade.Phased()
	assert.False(t, ok)
}
