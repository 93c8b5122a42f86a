package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/scheduler"
	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/engine"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// TaskFunc is a periodic task registered by a strategy
type TaskFunc func(c *Context) error

// Context is what a strategy sees: the clock, a read-only view of the
// portfolio and market data, and the order API.
type Context struct {
	logger *zap.Logger
	name   string

	engine    *engine.Engine
	portfolio *accounts.Portfolio
	data      marketdata.Port
	scheduler *scheduler.Scheduler

	ctx          context.Context
	sim          events.SimulationContext
	bars         map[string]*model.Bar
	tick         *model.Tick
	initializing bool
}

func newContext(name string, deps Deps, logger *zap.Logger) *Context {
	return &Context{
		logger:    logger,
		name:      name,
		engine:    deps.Engine,
		portfolio: deps.Portfolio,
		data:      deps.Data,
		scheduler: deps.Scheduler,
		ctx:       context.Background(),
	}
}

func (c *Context) enter(ctx context.Context, sim events.SimulationContext) {
	c.ctx = ctx
	c.sim = sim
}

// Name is the strategy name the run was configured with
func (c *Context) Name() string { return c.name }

// Now is the simulated calendar time
func (c *Context) Now() time.Time { return c.sim.CalendarDT }

// TradingDate is the trading date being replayed
func (c *Context) TradingDate() time.Time { return c.sim.TradingDate() }

// Frequency is the replay frequency: 1d, 1m or tick
func (c *Context) Frequency() string { return c.sim.Frequency }

// Logger returns the strategy's logger
func (c *Context) Logger() *zap.Logger { return c.logger }

// Data returns the market data port
func (c *Context) Data() marketdata.Port { return c.data }

// Portfolio returns a read-only view of the ledger
func (c *Context) Portfolio() PortfolioView { return PortfolioView{p: c.portfolio} }

// History returns up to n bars of id ending now, oldest first
func (c *Context) History(orderBookID string, n int) ([]*model.Bar, error) {
	return c.data.History(orderBookID, c.sim.CalendarDT, n)
}

// LastPrice is the latest traded price of id as of now, zero when there is none
func (c *Context) LastPrice(orderBookID string) (decimal.Decimal, error) {
	if c.tick != nil && c.tick.OrderBookID == orderBookID {
		return c.tick.Last, nil
	}
	if bar, ok := c.bars[orderBookID]; ok && bar.IsTrading() {
		return bar.Close, nil
	}
	if c.sim.Frequency == events.FrequencyTick {
		tick, err := c.data.Tick(orderBookID, c.sim.CalendarDT)
		if err != nil || tick == nil {
			return decimal.Zero, err
		}
		return tick.Last, nil
	}
	bar, err := c.data.Bar(orderBookID, c.sim.CalendarDT)
	if err != nil || bar == nil {
		return decimal.Zero, err
	}
	return bar.Close, nil
}

// OpenOrders returns copies of the orders still on the book
func (c *Context) OpenOrders() []model.Order {
	open := c.engine.OpenOrders()
	out := make([]model.Order, 0, len(open))
	for _, o := range open {
		out = append(out, *o)
	}
	return out
}

// Order returns a copy of an order submitted today
func (c *Context) Order(orderID int64) (model.Order, bool) {
	o, ok := c.engine.Order(orderID)
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// SubmitOrder sends an order to the matching engine. A failed check comes
// back as a REJECTED order, not as an error.
func (c *Context) SubmitOrder(orderBookID string, quantity int64, side model.Side, effect model.PositionEffect, style model.OrderStyle) (*model.Order, error) {
	if c.initializing {
		return nil, errors.Invalid.Explain("orders can not be placed in init, got %s %d %s", side, quantity, orderBookID)
	}
	if quantity <= 0 {
		return nil, errors.Invalid.Explain("order quantity of %s must be positive, got %d", orderBookID, quantity)
	}
	order := model.NewOrder(0, orderBookID, quantity, side, effect, style, c.sim.CalendarDT, c.sim.TradingDT)
	return c.engine.Submit(c.ctx, c.sim, order)
}

// CancelOrder cancels an open order
func (c *Context) CancelOrder(orderID int64) error {
	if c.initializing {
		return errors.Invalid.Explain("orders can not be cancelled in init")
	}
	return c.engine.Cancel(c.ctx, c.sim, orderID)
}

// stockAccount resolves a stock order target; futures go through BuyOpen and friends
func (c *Context) stockAccount(orderBookID string) (*model.Instrument, *accounts.Account, error) {
	ins, err := c.data.Instrument(orderBookID)
	if err != nil {
		return nil, nil, errors.NotFound.Explain("instrument %s", orderBookID).Wrap(err)
	}
	if ins.IsFuture() {
		return nil, nil, errors.Invalid.Explain("%s is a future, use BuyOpen, SellClose, SellOpen or BuyClose", orderBookID)
	}
	acct, ok := c.portfolio.AccountFor(ins)
	if !ok {
		return nil, nil, errors.NotFound.Explain("no account trades %s", orderBookID)
	}
	return ins, acct, nil
}

func (c *Context) price(orderBookID string, style model.OrderStyle) (decimal.Decimal, error) {
	if style.Type == model.OrderTypeLimit {
		return style.LimitPrice, nil
	}
	return c.LastPrice(orderBookID)
}

// OrderShares buys a positive amount or sells a negative one, rounded down to
// whole lots. Selling the entire holding keeps an odd lot.
func (c *Context) OrderShares(orderBookID string, amount int64, style model.OrderStyle) (*model.Order, error) {
	ins, acct, err := c.stockAccount(orderBookID)
	if err != nil || amount == 0 {
		return nil, err
	}
	side := model.SideBuy
	if amount < 0 {
		side, amount = model.SideSell, -amount
	}
	lot := ins.Lot()
	qty := amount / lot * lot
	if side == model.SideSell {
		if pos, ok := acct.StockPosition(orderBookID); ok && pos.Quantity == amount {
			qty = amount
		}
	}
	if qty == 0 {
		c.logger.Warn("Order amount rounds to zero lots",
			zap.String("order_book_id", orderBookID),
			zap.Int64("amount", amount),
			zap.Int64("round_lot", lot))
		return nil, nil
	}
	return c.SubmitOrder(orderBookID, qty, side, "", style)
}

// OrderLots orders whole lots
func (c *Context) OrderLots(orderBookID string, lots int64, style model.OrderStyle) (*model.Order, error) {
	ins, _, err := c.stockAccount(orderBookID)
	if err != nil {
		return nil, err
	}
	return c.OrderShares(orderBookID, lots*ins.Lot(), style)
}

// OrderValue buys for at most value, costs included, or sells for value when
// value is negative.
func (c *Context) OrderValue(orderBookID string, value decimal.Decimal, style model.OrderStyle) (*model.Order, error) {
	ins, acct, err := c.stockAccount(orderBookID)
	if err != nil || value.IsZero() {
		return nil, err
	}
	price, err := c.price(orderBookID, style)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		c.logger.Warn("No price to size order", zap.String("order_book_id", orderBookID))
		return nil, nil
	}
	lot := ins.Lot()
	lots := value.Abs().Div(price).Div(decimal.NewFromInt(lot)).Floor().IntPart()
	qty := lots * lot
	if value.IsNegative() {
		return c.OrderShares(orderBookID, -qty, style)
	}
	for ; qty > 0; qty -= lot {
		draft := model.NewOrder(0, orderBookID, qty, model.SideBuy, "", style, c.sim.CalendarDT, c.sim.TradingDT)
		cost := acct.EstimateCost(draft, ins, price)
		if price.Mul(decimal.NewFromInt(qty)).Add(cost).LessThanOrEqual(value) {
			break
		}
	}
	return c.OrderShares(orderBookID, qty, style)
}

// OrderPercent orders a share of the stock account's total value, in [-1, 1]
func (c *Context) OrderPercent(orderBookID string, percent decimal.Decimal, style model.OrderStyle) (*model.Order, error) {
	if percent.Abs().GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.Invalid.Explain("order percent must be in [-1, 1], got %s", percent)
	}
	_, acct, err := c.stockAccount(orderBookID)
	if err != nil {
		return nil, err
	}
	return c.OrderValue(orderBookID, acct.TotalValue().Mul(percent), style)
}

// OrderTargetValue adjusts the holding of id to be worth target. A zero
// target sells the whole holding.
func (c *Context) OrderTargetValue(orderBookID string, target decimal.Decimal, style model.OrderStyle) (*model.Order, error) {
	_, acct, err := c.stockAccount(orderBookID)
	if err != nil {
		return nil, err
	}
	pos, held := acct.StockPosition(orderBookID)
	if target.IsZero() {
		if !held || pos.Quantity == 0 {
			return nil, nil
		}
		return c.OrderShares(orderBookID, -pos.Quantity, style)
	}
	price, err := c.price(orderBookID, style)
	if err != nil {
		return nil, err
	}
	current := price.Mul(decimal.NewFromInt(pos.Quantity))
	return c.OrderValue(orderBookID, target.Sub(current), style)
}

// OrderTargetPercent adjusts the holding of id to a share of the stock
// account's total value
func (c *Context) OrderTargetPercent(orderBookID string, percent decimal.Decimal, style model.OrderStyle) (*model.Order, error) {
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.Invalid.Explain("target percent must be in [0, 1], got %s", percent)
	}
	_, acct, err := c.stockAccount(orderBookID)
	if err != nil {
		return nil, err
	}
	return c.OrderTargetValue(orderBookID, acct.TotalValue().Mul(percent), style)
}

// BuyOpen opens or adds to a long future position
func (c *Context) BuyOpen(orderBookID string, quantity int64, style model.OrderStyle) (*model.Order, error) {
	return c.SubmitOrder(orderBookID, quantity, model.SideBuy, model.EffectOpen, style)
}

// SellClose closes a long future position, oldest holdings first
func (c *Context) SellClose(orderBookID string, quantity int64, style model.OrderStyle) (*model.Order, error) {
	return c.SubmitOrder(orderBookID, quantity, model.SideSell, model.EffectClose, style)
}

// SellOpen opens or adds to a short future position
func (c *Context) SellOpen(orderBookID string, quantity int64, style model.OrderStyle) (*model.Order, error) {
	return c.SubmitOrder(orderBookID, quantity, model.SideSell, model.EffectOpen, style)
}

// BuyClose closes a short future position, oldest holdings first
func (c *Context) BuyClose(orderBookID string, quantity int64, style model.OrderStyle) (*model.Order, error) {
	return c.SubmitOrder(orderBookID, quantity, model.SideBuy, model.EffectClose, style)
}

func (c *Context) task(fn TaskFunc) scheduler.Func {
	return func(ctx context.Context, sim events.SimulationContext) error {
		c.enter(ctx, sim)
		return fn(c)
	}
}

func (c *Context) checkInit(name string) error {
	if !c.initializing {
		return errors.Invalid.Explain("periodic task %s must be registered in init", name)
	}
	return nil
}

// RunDaily runs fn every trading day at rule
func (c *Context) RunDaily(name string, fn TaskFunc, rule scheduler.TimeRule) error {
	if err := c.checkInit(name); err != nil {
		return err
	}
	return c.scheduler.RunDaily(name, c.task(fn), rule)
}

// RunWeekly runs fn on an ISO weekday, 1 for Monday to 7 for Sunday
func (c *Context) RunWeekly(name string, fn TaskFunc, weekday int, rule scheduler.TimeRule) error {
	if err := c.checkInit(name); err != nil {
		return err
	}
	return c.scheduler.RunWeekly(name, c.task(fn), weekday, rule)
}

// RunWeeklyOnTradingDay runs fn on the nth trading day of each week;
// negative n counts from the end
func (c *Context) RunWeeklyOnTradingDay(name string, fn TaskFunc, n int, rule scheduler.TimeRule) error {
	if err := c.checkInit(name); err != nil {
		return err
	}
	return c.scheduler.RunWeeklyOnTradingDay(name, c.task(fn), n, rule)
}

// RunMonthly runs fn on the nth trading day of each month; negative n counts
// from the end
func (c *Context) RunMonthly(name string, fn TaskFunc, n int, rule scheduler.TimeRule) error {
	if err := c.checkInit(name); err != nil {
		return err
	}
	return c.scheduler.RunMonthly(name, c.task(fn), n, rule)
}

// PortfolioView exposes the ledger without its mutating handlers
type PortfolioView struct {
	p *accounts.Portfolio
}

func (v PortfolioView) TotalValue() decimal.Decimal   { return v.p.TotalValue() }
func (v PortfolioView) Cash() decimal.Decimal         { return v.p.Cash() }
func (v PortfolioView) MarketValue() decimal.Decimal  { return v.p.MarketValue() }
func (v PortfolioView) StartingCash() decimal.Decimal { return v.p.StartingCash() }

// LastSnapshot is the latest settled day, nil before the first settlement
func (v PortfolioView) LastSnapshot() *accounts.PortfolioSnapshot {
	snap := v.p.LastSnapshot()
	if snap == nil {
		return nil
	}
	cp := *snap
	return &cp
}

// AccountValue is the total value of one account
func (v PortfolioView) AccountValue(kind accounts.Kind) (decimal.Decimal, bool) {
	acct, ok := v.p.Account(kind)
	if !ok {
		return decimal.Zero, false
	}
	return acct.TotalValue(), true
}

// StockPosition returns a copy of a stock position
func (v PortfolioView) StockPosition(orderBookID string) (accounts.StockPosition, bool) {
	acct, ok := v.p.Account(accounts.KindStock)
	if !ok {
		return accounts.StockPosition{}, false
	}
	return acct.StockPosition(orderBookID)
}

// StockPositions returns copies of every stock position
func (v PortfolioView) StockPositions() []accounts.StockPosition {
	acct, ok := v.p.Account(accounts.KindStock)
	if !ok {
		return nil
	}
	return acct.StockPositions()
}

// FuturePosition returns a copy of a future position
func (v PortfolioView) FuturePosition(orderBookID string) (accounts.FuturePosition, bool) {
	acct, ok := v.p.Account(accounts.KindFuture)
	if !ok {
		return accounts.FuturePosition{}, false
	}
	return acct.FuturePosition(orderBookID)
}

// Sellable is the stock quantity a new sell order may use
func (v PortfolioView) Sellable(orderBookID string) int64 {
	acct, ok := v.p.Account(accounts.KindStock)
	if !ok {
		return 0
	}
	return acct.Sellable(orderBookID)
}

// Closable is the future quantity a new closing order may use
func (v PortfolioView) Closable(orderBookID string, side model.Side, effect model.PositionEffect) int64 {
	acct, ok := v.p.Account(accounts.KindFuture)
	if !ok {
		return 0
	}
	return acct.Closable(orderBookID, side, effect)
}
