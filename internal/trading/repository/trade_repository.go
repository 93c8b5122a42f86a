package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

// TradeRow is the persisted form of model.Trade
type TradeRow struct {
	RunID          string          `gorm:"primaryKey;size:36"`
	TradeID        int64           `gorm:"primaryKey;autoIncrement:false"`
	OrderID        int64           `gorm:"index"`
	OrderBookID    string          `gorm:"size:32;index"`
	Side           string          `gorm:"size:8"`
	PositionEffect string          `gorm:"size:16"`
	Price          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity       int64
	Commission     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Tax            decimal.Decimal `gorm:"type:decimal(20,8)"`
	TradingDT      time.Time       `gorm:"index"`
}

func (TradeRow) TableName() string { return "backtest_trades" }

func tradeRow(runID string, t *model.Trade) *TradeRow {
	return &TradeRow{
		RunID:          runID,
		TradeID:        t.ID,
		OrderID:        t.OrderID,
		OrderBookID:    t.OrderBookID,
		Side:           string(t.Side),
		PositionEffect: string(t.PositionEffect),
		Price:          t.Price,
		Quantity:       t.Quantity,
		Commission:     t.Commission,
		Tax:            t.Tax,
		TradingDT:      t.TradingDT,
	}
}

func (r *TradeRow) toModel() *model.Trade {
	return &model.Trade{
		ID:             r.TradeID,
		OrderID:        r.OrderID,
		OrderBookID:    r.OrderBookID,
		Side:           model.Side(r.Side),
		PositionEffect: model.PositionEffect(r.PositionEffect),
		Price:          r.Price,
		Quantity:       r.Quantity,
		Commission:     r.Commission,
		Tax:            r.Tax,
		CalendarDT:     r.TradingDT,
		TradingDT:      r.TradingDT,
	}
}

// Trades returns the fills of a run, optionally limited to one instrument
func (r *ResultRepository) Trades(ctx context.Context, runID, orderBookID string) ([]*model.Trade, error) {
	q := r.db.WithContext(ctx).Where("run_id = ?", runID)
	if orderBookID != "" {
		q = q.Where("order_book_id = ?", orderBookID)
	}
	var rows []TradeRow
	if err := q.Order("trade_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	trades := make([]*model.Trade, 0, len(rows))
	for i := range rows {
		trades = append(trades, rows[i].toModel())
	}
	return trades, nil
}
