package strategy

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/scheduler"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// BuyAndHold puts the whole stock account into one instrument on the first
// bar it trades and never sells
type BuyAndHold struct {
	Base
	OrderBookID string
}

func (s *BuyAndHold) HandleBar(c *Context, bars map[string]*model.Bar) error {
	if _, ok := bars[s.OrderBookID]; !ok {
		return nil
	}
	if pos, ok := c.Portfolio().StockPosition(s.OrderBookID); ok && pos.Quantity > 0 {
		return nil
	}
	if len(c.OpenOrders()) > 0 {
		return nil
	}
	_, err := c.OrderPercent(s.OrderBookID, decimal.NewFromInt(1), model.MarketOrder())
	return err
}

// DualMovingAverage holds the instrument while the short moving average of
// closes is above the long one
type DualMovingAverage struct {
	Base
	OrderBookID string
	Short       int
	Long        int
}

func (s *DualMovingAverage) Init(c *Context) error {
	if s.Short <= 0 || s.Long <= s.Short {
		return errors.Invalid.Explain("moving average windows need 0 < short < long, got %d and %d", s.Short, s.Long)
	}
	return nil
}

func average(bars []*model.Bar) decimal.Decimal {
	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(b.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars))))
}

func (s *DualMovingAverage) HandleBar(c *Context, bars map[string]*model.Bar) error {
	if _, ok := bars[s.OrderBookID]; !ok {
		return nil
	}
	hist, err := c.History(s.OrderBookID, s.Long)
	if err != nil {
		return err
	}
	if len(hist) < s.Long {
		return nil
	}
	short := average(hist[len(hist)-s.Short:])
	long := average(hist)
	pos, _ := c.Portfolio().StockPosition(s.OrderBookID)

	switch {
	case short.GreaterThan(long) && pos.Quantity == 0:
		c.Logger().Debug("Golden cross", zap.String("short", short.String()), zap.String("long", long.String()))
		_, err = c.OrderTargetPercent(s.OrderBookID, decimal.NewFromInt(1), model.MarketOrder())
	case short.LessThan(long) && pos.Sellable() > 0:
		c.Logger().Debug("Death cross", zap.String("short", short.String()), zap.String("long", long.String()))
		_, err = c.OrderShares(s.OrderBookID, -pos.Sellable(), model.MarketOrder())
	}
	return err
}

// Rebalance restores fixed target weights on the nth trading day of every
// month. Sells go first so buys can use the freed cash.
type Rebalance struct {
	Base
	Weights map[string]decimal.Decimal
	Day     int
}

func (s *Rebalance) Init(c *Context) error {
	total := decimal.Zero
	for id, w := range s.Weights {
		if w.IsNegative() {
			return errors.Invalid.Explain("weight of %s is negative: %s", id, w)
		}
		total = total.Add(w)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return errors.Invalid.Explain("weights add up to %s, more than 1", total)
	}
	day := s.Day
	if day == 0 {
		day = 1
	}
	return c.RunMonthly("rebalance", s.rebalance, day, scheduler.MarketOpen(0, 0))
}

func (s *Rebalance) rebalance(c *Context) error {
	ids := make([]string, 0, len(s.Weights))
	for id := range s.Weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	value, ok := c.Portfolio().AccountValue(accounts.KindStock)
	if !ok {
		return errors.NotFound.Explain("rebalance needs a stock account")
	}
	var buys []string
	for _, id := range ids {
		price, err := c.LastPrice(id)
		if err != nil {
			return err
		}
		pos, _ := c.Portfolio().StockPosition(id)
		current := price.Mul(decimal.NewFromInt(pos.Quantity))
		if current.LessThanOrEqual(value.Mul(s.Weights[id])) {
			buys = append(buys, id)
			continue
		}
		if _, err := c.OrderTargetPercent(id, s.Weights[id], model.MarketOrder()); err != nil {
			return err
		}
	}
	for _, id := range buys {
		if _, err := c.OrderTargetPercent(id, s.Weights[id], model.MarketOrder()); err != nil {
			return err
		}
	}
	c.Logger().Info("Rebalanced", zap.Time("trading_date", c.TradingDate()), zap.Int("instruments", len(ids)))
	return nil
}
