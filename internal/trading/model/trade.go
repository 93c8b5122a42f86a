package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable fill record
type Trade struct {
	ID                 int64           `json:"trade_id" yaml:"trade_id"`
	OrderID            int64           `json:"order_id" yaml:"order_id"`
	OrderBookID        string          `json:"order_book_id" yaml:"order_book_id"`
	Side               Side            `json:"side" yaml:"side"`
	PositionEffect     PositionEffect  `json:"position_effect" yaml:"position_effect"`
	Price              decimal.Decimal `json:"price" yaml:"price"`
	Quantity           int64           `json:"quantity" yaml:"quantity"`
	CloseTodayQuantity int64           `json:"close_today_quantity" yaml:"close_today_quantity"`
	Commission         decimal.Decimal `json:"commission" yaml:"commission"`
	Tax                decimal.Decimal `json:"tax" yaml:"tax"`
	FrozenPrice        decimal.Decimal `json:"frozen_price" yaml:"frozen_price"`
	CalendarDT         time.Time       `json:"calendar_dt" yaml:"calendar_dt"`
	TradingDT          time.Time       `json:"trading_dt" yaml:"trading_dt"`
}

// TransactionCost is commission plus tax
func (t *Trade) TransactionCost() decimal.Decimal {
	return t.Commission.Add(t.Tax)
}

// Notional is price times quantity times the contract multiplier
func (t *Trade) Notional(multiplier decimal.Decimal) decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity)).Mul(multiplier)
}
