package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Constants for sides, position effects, order types and statuses
type (
	Side           string
	PositionEffect string
	OrderType      string
	OrderStatus    string
	InstrumentType string
)

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	// Position effects only matter for futures
	EffectOpen       PositionEffect = "OPEN"
	EffectClose      PositionEffect = "CLOSE"
	EffectCloseToday PositionEffect = "CLOSE_TODAY"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	OrderStatusPendingNew OrderStatus = "PENDING_NEW"
	OrderStatusActive     OrderStatus = "ACTIVE"
	OrderStatusFilled     OrderStatus = "FILLED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRejected   OrderStatus = "REJECTED"

	InstrumentStock  InstrumentType = "CS"
	InstrumentFund   InstrumentType = "ETF"
	InstrumentIndex  InstrumentType = "INDX"
	InstrumentFuture InstrumentType = "Future"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Session is one continuous trading window, in minutes since midnight.
type Session struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// DefaultStockSessions are the A-share continuous auction sessions (09:31-11:30, 13:01-15:00).
var DefaultStockSessions = []Session{{Start: 9*60 + 31, End: 11*60 + 30}, {Start: 13*60 + 1, End: 15 * 60}}

// Instrument is read-only metadata supplied by the market data layer.
type Instrument struct {
	OrderBookID        string          `json:"order_book_id"`
	Symbol             string          `json:"symbol"`
	Type               InstrumentType  `json:"type"`
	Exchange           string          `json:"exchange"`
	RoundLot           int64           `json:"round_lot"`
	ContractMultiplier decimal.Decimal `json:"contract_multiplier"`
	MarginRate         decimal.Decimal `json:"margin_rate"`
	TickSize           decimal.Decimal `json:"tick_size"`
	ListedDate         time.Time       `json:"listed_date"`
	DeListedDate       time.Time       `json:"de_listed_date"` // zero when still listed
	TradingHours       []Session       `json:"trading_hours"`
}

// IsFuture reports whether positions in this instrument live in a future account
func (i *Instrument) IsFuture() bool {
	return i.Type == InstrumentFuture
}

// Multiplier returns the contract multiplier, 1 for anything that is not a future.
func (i *Instrument) Multiplier() decimal.Decimal {
	if i.ContractMultiplier.IsPositive() {
		return i.ContractMultiplier
	}
	return decimal.NewFromInt(1)
}

// Lot returns the round lot, never less than 1
func (i *Instrument) Lot() int64 {
	if i.RoundLot > 0 {
		return i.RoundLot
	}
	return 1
}

// Listed reports whether the instrument has started trading on date
func (i *Instrument) Listed(date time.Time) bool {
	return i.ListedDate.IsZero() || !TruncateDay(date).Before(TruncateDay(i.ListedDate))
}

// DeListed reports whether the instrument has stopped trading on or before date
func (i *Instrument) DeListed(date time.Time) bool {
	return !i.DeListedDate.IsZero() && !TruncateDay(date).Before(TruncateDay(i.DeListedDate))
}

// Sessions returns the trading hours, defaulting to the stock sessions.
func (i *Instrument) Sessions() []Session {
	if len(i.TradingHours) > 0 {
		return i.TradingHours
	}
	return DefaultStockSessions
}

// Bar is one OHLCV candle
type Bar struct {
	OrderBookID    string          `json:"order_book_id" gorm:"primaryKey;size:32"`
	Datetime       time.Time       `json:"datetime" gorm:"primaryKey"`
	Open           decimal.Decimal `json:"open" gorm:"type:decimal(20,8)"`
	High           decimal.Decimal `json:"high" gorm:"type:decimal(20,8)"`
	Low            decimal.Decimal `json:"low" gorm:"type:decimal(20,8)"`
	Close          decimal.Decimal `json:"close" gorm:"type:decimal(20,8)"`
	Volume         int64           `json:"volume"`
	Turnover       decimal.Decimal `json:"turnover" gorm:"type:decimal(28,8)"`
	LimitUp        decimal.Decimal `json:"limit_up" gorm:"type:decimal(20,8)"`
	LimitDown      decimal.Decimal `json:"limit_down" gorm:"type:decimal(20,8)"`
	Settlement     decimal.Decimal `json:"settlement" gorm:"type:decimal(20,8)"`
	PrevSettlement decimal.Decimal `json:"prev_settlement" gorm:"type:decimal(20,8)"`
	Suspended      bool            `json:"suspended"`
}

// IsTrading is false for suspended bars and for data gaps (no close price)
func (b *Bar) IsTrading() bool {
	return b != nil && !b.Suspended && b.Close.IsPositive()
}

// Vwap returns turnover/volume, falling back to the close
func (b *Bar) Vwap(multiplier decimal.Decimal) decimal.Decimal {
	if b.Volume <= 0 || !b.Turnover.IsPositive() {
		return b.Close
	}
	return b.Turnover.Div(decimal.NewFromInt(b.Volume).Mul(multiplier))
}

// SettlePrice is the exchange settlement price, or the close when none is published
func (b *Bar) SettlePrice() decimal.Decimal {
	if b.Settlement.IsPositive() {
		return b.Settlement
	}
	return b.Close
}

// Tick is a level-1 snapshot
type Tick struct {
	OrderBookID string          `json:"order_book_id"`
	Datetime    time.Time       `json:"datetime"`
	Open        decimal.Decimal `json:"open"`
	Last        decimal.Decimal `json:"last"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	PrevClose   decimal.Decimal `json:"prev_close"`
	Volume      int64           `json:"volume"` // cumulative for the day
	Turnover    decimal.Decimal `json:"turnover"`
	LimitUp     decimal.Decimal `json:"limit_up"`
	LimitDown   decimal.Decimal `json:"limit_down"`
	AskPrice    decimal.Decimal `json:"ask_price"`
	BidPrice    decimal.Decimal `json:"bid_price"`
}

// IsTrading reports whether the tick carries a usable last price
func (t *Tick) IsTrading() bool {
	return t != nil && t.Last.IsPositive()
}

// DividendRecord is one cash dividend, per share before tax
type DividendRecord struct {
	OrderBookID     string          `json:"order_book_id"`
	BookClosureDate time.Time       `json:"book_closure_date"`
	PayableDate     time.Time       `json:"payable_date"`
	CashPerShare    decimal.Decimal `json:"cash_per_share"`
}

// SplitRecord scales holdings by Ratio new shares per old share
type SplitRecord struct {
	OrderBookID string          `json:"order_book_id"`
	ExDate      time.Time       `json:"ex_date"`
	Ratio       decimal.Decimal `json:"ratio"`
}

// TruncateDay drops the clock part of t, keeping its location
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same calendar date
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
