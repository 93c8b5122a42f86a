package accounts

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockPosition is a long-only holding under the T+1 rule
type StockPosition struct {
	OrderBookID string          `json:"order_book_id"`
	Quantity    int64           `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	LastPrice   decimal.Decimal `json:"last_price"`
	// NonCloseable is bought today and locked until the next trading day
	NonCloseable int64 `json:"non_closeable"`
	// Frozen is reserved by open sell orders
	Frozen int64 `json:"frozen"`

	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	DayTransactionCost decimal.Decimal `json:"day_transaction_cost"`
}

// Sellable is what a new sell order may still use
func (p *StockPosition) Sellable() int64 {
	return p.Quantity - p.NonCloseable - p.Frozen
}

// MarketValue is quantity at the last price
func (p *StockPosition) MarketValue() decimal.Decimal {
	return p.LastPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// DividendReceivable is cash owed for a dividend booked but not yet paid
type DividendReceivable struct {
	OrderBookID  string          `json:"order_book_id"`
	Quantity     int64           `json:"quantity"`
	CashPerShare decimal.Decimal `json:"cash_per_share"`
	PayableDate  time.Time       `json:"payable_date"`
}

// Amount is quantity times cash per share
func (r *DividendReceivable) Amount() decimal.Decimal {
	return r.CashPerShare.Mul(decimal.NewFromInt(r.Quantity))
}

// BenchmarkHolding invests the starting cash in one instrument and holds it
type BenchmarkHolding struct {
	OrderBookID string          `json:"order_book_id"`
	BasePrice   decimal.Decimal `json:"base_price"` // zero until invested
	LastPrice   decimal.Decimal `json:"last_price"`
}

// Invested reports whether the benchmark has bought in
func (b *BenchmarkHolding) Invested() bool {
	return b.BasePrice.IsPositive()
}
