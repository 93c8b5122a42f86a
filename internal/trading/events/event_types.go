package events

import (
	"time"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

// Kind identifies an event. The five calendar kinds are published in
// PRE, main and POST phases; lifecycle kinds are published once.
type Kind int

const (
	KindPreBeforeTrading Kind = iota
	KindBeforeTrading
	KindPostBeforeTrading
	KindPreBar
	KindBar
	KindPostBar
	KindPreTick
	KindTick
	KindPostTick
	KindPreAfterTrading
	KindAfterTrading
	KindPostAfterTrading
	KindPreSettlement
	KindSettlement
	KindPostSettlement

	KindOrderPendingNew
	KindOrderCreationPass
	KindOrderCreationReject
	KindOrderCancellationPass
	KindOrderUnsolicitedUpdate
	KindTrade
)

var kindNames = map[Kind]string{
	KindPreBeforeTrading:       "PRE_BEFORE_TRADING",
	KindBeforeTrading:          "BEFORE_TRADING",
	KindPostBeforeTrading:      "POST_BEFORE_TRADING",
	KindPreBar:                 "PRE_BAR",
	KindBar:                    "BAR",
	KindPostBar:                "POST_BAR",
	KindPreTick:                "PRE_TICK",
	KindTick:                   "TICK",
	KindPostTick:               "POST_TICK",
	KindPreAfterTrading:        "PRE_AFTER_TRADING",
	KindAfterTrading:           "AFTER_TRADING",
	KindPostAfterTrading:       "POST_AFTER_TRADING",
	KindPreSettlement:          "PRE_SETTLEMENT",
	KindSettlement:             "SETTLEMENT",
	KindPostSettlement:         "POST_SETTLEMENT",
	KindOrderPendingNew:        "ORDER_PENDING_NEW",
	KindOrderCreationPass:      "ORDER_CREATION_PASS",
	KindOrderCreationReject:    "ORDER_CREATION_REJECT",
	KindOrderCancellationPass:  "ORDER_CANCELLATION_PASS",
	KindOrderUnsolicitedUpdate: "ORDER_UNSOLICITED_UPDATE",
	KindTrade:                  "TRADE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Phased reports whether k is one of the calendar kinds with PRE/POST phases,
// and returns them.
func (k Kind) Phased() (pre, post Kind, ok bool) {
	switch k {
	case KindBeforeTrading, KindBar, KindTick, KindAfterTrading, KindSettlement:
		return k - 1, k + 1, true
	}
	return k, k, false
}

// Frequencies
const (
	FrequencyDaily  = "1d"
	FrequencyMinute = "1m"
	FrequencyTick   = "tick"
)

// SimulationContext is the clock threaded through every handler in place of a
// global "current environment".
type SimulationContext struct {
	CalendarDT time.Time
	TradingDT  time.Time
	Frequency  string
}

// TradingDate is the trading date the context belongs to, at midnight
func (c SimulationContext) TradingDate() time.Time {
	return model.TruncateDay(c.TradingDT)
}

// Event is one dispatch unit on the bus
type Event struct {
	Kind Kind
	SimulationContext

	// Bars holds the bar of every subscribed instrument for BAR events
	Bars map[string]*model.Bar
	Tick *model.Tick

	Order *model.Order
	Trade *model.Trade
}

// WithKind returns a shallow copy carrying another kind
func (e *Event) WithKind(k Kind) *Event {
	cp := *e
	cp.Kind = k
	return &cp
}
