// Package engine simulates order validation and matching against historical
// bars and ticks. Fills are booked into the ledger through bus events.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/fees"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
	"github.com/Aidin1998/pincex_backtest/pkg/metrics"
)

// priceSource picks the reference price of a fill from a bar
type priceSource func(bar *model.Bar, ins *model.Instrument) decimal.Decimal

func closePrice(bar *model.Bar, _ *model.Instrument) decimal.Decimal { return bar.Close }

func openPrice(bar *model.Bar, _ *model.Instrument) decimal.Decimal {
	if bar.Open.IsPositive() {
		return bar.Open
	}
	return bar.Close
}

func vwapPrice(bar *model.Bar, ins *model.Instrument) decimal.Decimal {
	return bar.Vwap(ins.Multiplier())
}

// State is the engine's resumable state
type State struct {
	OpenOrders  []*model.Order `json:"open_orders"`
	TodayOrders []*model.Order `json:"today_orders"`
	TodayTrades []*model.Trade `json:"today_trades"`
	LastOrderID int64          `json:"last_order_id"`
	LastTradeID int64          `json:"last_trade_id"`
}

// Engine represents the simulated exchange
type Engine struct {
	logger     *zap.Logger
	cfg        Config
	data       marketdata.Port
	ledger     *accounts.Portfolio
	bus        *events.Bus
	slippage   fees.SlippageDecider
	validators []OrderValidator
	volume     VolumeValidator

	orderIDs model.IDGenerator
	tradeIDs model.IDGenerator

	open        *btree.Map[int64, *model.Order]
	todayOrders []*model.Order
	todayTrades []*model.Trade

	// matchedAt is the bar datetime each order was last matched against
	matchedAt map[int64]time.Time

	// volumeUsed is filled quantity per instrument in the bar at volumeAt
	volumeUsed  map[string]int64
	volumeAt    time.Time
	lastTickVol map[string]int64
	closed      bool
	auctionDone bool
}

// NewEngine creates a matching engine
func NewEngine(cfg Config, feeCfg fees.Config, data marketdata.Port, ledger *accounts.Portfolio, bus *events.Bus, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slippage, err := fees.NewSlippage(feeCfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		logger:      logger.Named("matching"),
		cfg:         cfg,
		data:        data,
		ledger:      ledger,
		bus:         bus,
		slippage:    slippage,
		validators:  DefaultValidators(),
		open:        btree.NewMap[int64, *model.Order](32),
		matchedAt:   make(map[int64]time.Time),
		volumeUsed:  make(map[string]int64),
		lastTickVol: make(map[string]int64),
	}
	e.volume = VolumeValidator{
		Percent: cfg.VolumePercent,
		used:    func(id string) int64 { return e.volumeUsed[id] },
		volume:  e.checkVolume,
	}
	return e, nil
}

// AddValidator appends a submission check after the default ones
func (e *Engine) AddValidator(v OrderValidator) {
	e.validators = append(e.validators, v)
}

// Subscribe registers the engine's calendar handlers on the bus
func (e *Engine) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.KindPreBeforeTrading, "matching", func(_ context.Context, _ *events.Event) (events.Result, error) {
		e.archive()
		return events.Continue, nil
	})
	bus.Subscribe(events.KindPreBar, "matching", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		switch {
		case e.cfg.MatchingType == MatchNextBar:
			return events.Continue, e.match(ctx, ev, openPrice)
		case e.cfg.MatchingType == MatchOpenAuction && !e.auctionDone:
			e.auctionDone = true
			return events.Continue, e.match(ctx, ev, openPrice)
		}
		return events.Continue, nil
	})
	bus.Subscribe(events.KindPostBar, "matching", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		if e.cfg.MatchingType == MatchNextBar {
			return events.Continue, nil
		}
		return events.Continue, e.MatchOpenOrders(ctx, ev)
	})
	bus.Subscribe(events.KindPreTick, "matching", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		if e.cfg.MatchingType != MatchNextBar {
			return events.Continue, nil
		}
		return events.Continue, e.match(ctx, ev, closePrice)
	})
	bus.Subscribe(events.KindPostTick, "matching", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		var err error
		if e.cfg.MatchingType != MatchNextBar {
			err = e.match(ctx, ev, closePrice)
		}
		if ev.Tick != nil {
			e.lastTickVol[ev.Tick.OrderBookID] = ev.Tick.Volume
		}
		return events.Continue, err
	})
	bus.Subscribe(events.KindPreAfterTrading, "matching", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		return events.Continue, e.closeMarket(ctx, ev.SimulationContext)
	})
}

// archive drops yesterday's terminal orders and trades
func (e *Engine) archive() {
	e.todayOrders = nil
	e.todayTrades = nil
	e.matchedAt = make(map[int64]time.Time)
	e.volumeUsed = make(map[string]int64)
	e.lastTickVol = make(map[string]int64)
	e.closed = false
	e.auctionDone = false
}

// Submit validates an order and puts it on the book. A failed check is not an
// error: the order comes back REJECTED with a reason.
func (e *Engine) Submit(ctx context.Context, sim events.SimulationContext, order *model.Order) (*model.Order, error) {
	if order.ID == 0 {
		order.ID = e.orderIDs.Next()
	} else if order.ID > e.orderIDs.Last() {
		e.orderIDs.Reset(order.ID)
	}
	order.CalendarDT = sim.CalendarDT
	order.TradingDT = sim.TradingDT
	e.todayOrders = append(e.todayOrders, order)
	metrics.OrdersSubmitted.WithLabelValues(strings.ToLower(string(order.Side))).Inc()

	if e.closed {
		return order, e.rejectNew(ctx, sim, order, reject(CheckMarketClose, "Order Rejected: %s can not match, market close.", order.OrderBookID))
	}

	ins, err := e.data.Instrument(order.OrderBookID)
	if err != nil {
		return order, e.rejectNew(ctx, sim, order, reject(CheckTradingStatus, "Order Rejected: unknown instrument %s.", order.OrderBookID))
	}
	acct, ok := e.ledger.AccountFor(ins)
	if !ok {
		return order, e.rejectNew(ctx, sim, order, reject(CheckTradingStatus, "Order Rejected: no account trades %s.", order.OrderBookID))
	}
	if !ins.IsFuture() {
		order.PositionEffect = ""
	} else if order.PositionEffect == "" {
		order.PositionEffect = model.EffectOpen
	}

	check, err := e.submitCheck(sim, order, ins, acct)
	if err != nil {
		return order, err
	}
	order.FrozenPrice = e.frozenPrice(sim, order)
	if !order.FrozenPrice.IsPositive() && check.Bar != nil && check.Bar.IsTrading() {
		order.FrozenPrice = check.Bar.Close
	}
	for _, v := range e.validators {
		if rej := v.ValidateOrder(ctx, check); rej != nil {
			return order, e.rejectNew(ctx, sim, order, rej)
		}
	}
	if !order.FrozenPrice.IsPositive() {
		return order, e.rejectNew(ctx, sim, order, reject(CheckTradingStatus, "Order Rejected: no market data for %s.", order.OrderBookID))
	}

	ev := &events.Event{Kind: events.KindOrderPendingNew, SimulationContext: sim, Order: order}
	if err := e.bus.Publish(ctx, ev); err != nil {
		return order, fmt.Errorf("order %d pending new: %w", order.ID, err)
	}
	if err := order.Activate(); err != nil {
		return order, err
	}
	e.open.Set(order.ID, order)
	if err := e.bus.Publish(ctx, ev.WithKind(events.KindOrderCreationPass)); err != nil {
		return order, fmt.Errorf("order %d creation pass: %w", order.ID, err)
	}
	e.logger.Debug("Order accepted",
		zap.Int64("order_id", order.ID),
		zap.String("order_book_id", order.OrderBookID),
		zap.String("side", string(order.Side)),
		zap.Int64("quantity", order.Quantity),
		zap.String("frozen_price", order.FrozenPrice.String()))
	return order, nil
}

// submitCheck gathers the market state a new order is validated against
func (e *Engine) submitCheck(sim events.SimulationContext, order *model.Order, ins *model.Instrument, acct *accounts.Account) (*Check, error) {
	c := &Check{Sim: sim, Order: order, Instrument: ins, Account: acct}
	if sim.Frequency == events.FrequencyTick {
		tick, err := e.data.Tick(order.OrderBookID, sim.CalendarDT)
		if err != nil {
			return nil, fmt.Errorf("tick of %s: %w", order.OrderBookID, err)
		}
		if tick != nil && model.SameDay(tick.Datetime, sim.TradingDT) {
			c.Tick = tick
			return c, nil
		}
		// before the first tick of the day the daily bar decides the status
	}
	bar, err := marketdata.DayBar(e.data, order.OrderBookID, sim.TradingDate())
	if err != nil {
		return nil, fmt.Errorf("bar of %s: %w", order.OrderBookID, err)
	}
	c.Bar = bar
	return c, nil
}

// frozenPrice is the limit price, or the latest known price for market orders
func (e *Engine) frozenPrice(sim events.SimulationContext, order *model.Order) decimal.Decimal {
	if order.IsLimit() {
		return order.Price
	}
	if sim.Frequency == events.FrequencyTick {
		if tick, err := e.data.Tick(order.OrderBookID, sim.CalendarDT); err == nil && tick.IsTrading() {
			return tick.Last
		}
	}
	if bar, err := e.data.Bar(order.OrderBookID, sim.CalendarDT); err == nil && bar.IsTrading() {
		return bar.Close
	}
	return decimal.Zero
}

func (e *Engine) rejectNew(ctx context.Context, sim events.SimulationContext, order *model.Order, rej *Rejection) error {
	if err := order.Reject(rej.Reason); err != nil {
		return err
	}
	e.logRejection(order, rej)
	if err := e.bus.Publish(ctx, &events.Event{Kind: events.KindOrderCreationReject, SimulationContext: sim, Order: order}); err != nil {
		return fmt.Errorf("order %d creation reject: %w", order.ID, err)
	}
	return nil
}

func (e *Engine) rejectActive(ctx context.Context, sim events.SimulationContext, order *model.Order, rej *Rejection) error {
	if err := order.Reject(rej.Reason); err != nil {
		return err
	}
	e.open.Delete(order.ID)
	e.logRejection(order, rej)
	if err := e.bus.Publish(ctx, &events.Event{Kind: events.KindOrderUnsolicitedUpdate, SimulationContext: sim, Order: order}); err != nil {
		return fmt.Errorf("order %d unsolicited update: %w", order.ID, err)
	}
	return nil
}

func (e *Engine) logRejection(order *model.Order, rej *Rejection) {
	metrics.OrdersRejected.WithLabelValues(rej.Check).Inc()
	e.logger.Warn("Order rejected",
		zap.Int64("order_id", order.ID),
		zap.String("order_book_id", order.OrderBookID),
		zap.String("check", rej.Check),
		zap.String("reason", rej.Reason))
}

// Cancel takes an active order off the book
func (e *Engine) Cancel(ctx context.Context, sim events.SimulationContext, orderID int64) error {
	order, ok := e.open.Get(orderID)
	if !ok {
		for _, o := range e.todayOrders {
			if o.ID == orderID {
				return fmt.Errorf("cancel order %d: %w", orderID, model.ErrInvalidTransition)
			}
		}
		return errors.NotFound.Explain("order %d is not open", orderID)
	}
	if err := order.Cancel(); err != nil {
		return err
	}
	e.open.Delete(orderID)
	e.logger.Debug("Order cancelled", zap.Int64("order_id", orderID))
	if err := e.bus.Publish(ctx, &events.Event{Kind: events.KindOrderCancellationPass, SimulationContext: sim, Order: order}); err != nil {
		return fmt.Errorf("order %d cancellation: %w", orderID, err)
	}
	return nil
}

// MatchOpenOrders fills open orders against the event's bars or tick at the
// configured reference price. Matching the same bar twice is a no-op.
func (e *Engine) MatchOpenOrders(ctx context.Context, ev *events.Event) error {
	source := closePrice
	if e.cfg.MatchingType == MatchVWAP {
		source = vwapPrice
	}
	return e.match(ctx, ev, source)
}

func (e *Engine) match(ctx context.Context, ev *events.Event, source priceSource) error {
	if e.closed {
		return nil
	}
	if !e.volumeAt.Equal(ev.CalendarDT) {
		e.volumeAt = ev.CalendarDT
		e.volumeUsed = make(map[string]int64)
	}

	var pending []*model.Order
	e.open.Scan(func(_ int64, o *model.Order) bool {
		pending = append(pending, o)
		return true
	})
	for _, order := range pending {
		if ev.Tick != nil && ev.Tick.OrderBookID != order.OrderBookID {
			continue
		}
		if last, ok := e.matchedAt[order.ID]; ok && last.Equal(ev.CalendarDT) {
			continue
		}
		e.matchedAt[order.ID] = ev.CalendarDT
		if err := e.matchOrder(ctx, ev, order, source); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) currentBar(ev *events.Event, orderBookID string) (*model.Bar, error) {
	if bar, ok := ev.Bars[orderBookID]; ok {
		return bar, nil
	}
	if ev.Frequency == events.FrequencyDaily {
		return marketdata.DayBar(e.data, orderBookID, ev.TradingDate())
	}
	bar, err := e.data.Bar(orderBookID, ev.CalendarDT)
	if err != nil || bar == nil || !bar.Datetime.Equal(ev.CalendarDT) {
		return nil, err
	}
	return bar, nil
}

func (e *Engine) checkVolume(c *Check) int64 {
	if c.Tick != nil {
		return c.Tick.Volume - e.lastTickVol[c.Tick.OrderBookID]
	}
	if c.Bar != nil {
		return c.Bar.Volume
	}
	return 0
}

func (e *Engine) matchOrder(ctx context.Context, ev *events.Event, order *model.Order, source priceSource) error {
	ins, err := e.data.Instrument(order.OrderBookID)
	if err != nil {
		return fmt.Errorf("match order %d: %w", order.ID, err)
	}
	acct, ok := e.ledger.AccountFor(ins)
	if !ok {
		return errors.NotFound.Explain("no account trades %s", order.OrderBookID)
	}

	c := &Check{Sim: ev.SimulationContext, Order: order, Instrument: ins, Account: acct, Tick: ev.Tick}
	if c.Tick == nil {
		if c.Bar, err = e.currentBar(ev, order.OrderBookID); err != nil {
			return fmt.Errorf("match order %d: %w", order.ID, err)
		}
	}
	if rej := (TradingStatusValidator{}).ValidateOrder(ctx, c); rej != nil {
		return e.rejectActive(ctx, ev.SimulationContext, order, rej)
	}

	ref, low, high := e.referencePrice(c, source)
	upLimit, downLimit := priceBand(c)

	if !order.IsLimit() && e.cfg.PriceLimit {
		if order.Side == model.SideBuy && upLimit.IsPositive() && ref.GreaterThanOrEqual(upLimit) {
			return e.rejectActive(ctx, ev.SimulationContext, order, reject(CheckPriceLimit, "Order Rejected: %s reached limit up, market buy can not match.", order.OrderBookID))
		}
		if order.Side == model.SideSell && downLimit.IsPositive() && ref.LessThanOrEqual(downLimit) {
			return e.rejectActive(ctx, ev.SimulationContext, order, reject(CheckPriceLimit, "Order Rejected: %s reached limit down, market sell can not match.", order.OrderBookID))
		}
	}

	// a limit order that the bar never traded through stays on the book
	if order.IsLimit() {
		limit := order.Price
		if order.Side == model.SideBuy {
			switch {
			case limit.GreaterThanOrEqual(ref):
			case limit.GreaterThanOrEqual(low):
				ref = limit
			default:
				return nil
			}
		} else {
			switch {
			case limit.LessThanOrEqual(ref):
			case limit.LessThanOrEqual(high):
				ref = limit
			default:
				return nil
			}
		}
		// the reference of a limit fill stays inside the bar's range
		if c.Bar != nil && low.IsPositive() && high.IsPositive() {
			ref = decimal.Min(decimal.Max(ref, low), high)
		}
	}

	if e.cfg.VolumeLimit {
		if rej := e.volume.ValidateOrder(ctx, c); rej != nil {
			return e.rejectActive(ctx, ev.SimulationContext, order, rej)
		}
	}

	price := e.slippage.Apply(order.Side, ref, ins)
	if order.IsLimit() {
		if order.Side == model.SideBuy {
			price = decimal.Min(price, order.Price)
		} else {
			price = decimal.Max(price, order.Price)
		}
	}

	trade := &model.Trade{
		ID:             e.tradeIDs.Next(),
		OrderID:        order.ID,
		OrderBookID:    order.OrderBookID,
		Side:           order.Side,
		PositionEffect: order.PositionEffect,
		Price:          price,
		Quantity:       order.UnfilledQuantity(),
		FrozenPrice:    order.FrozenPrice,
		CalendarDT:     ev.CalendarDT,
		TradingDT:      ev.TradingDT,
	}
	acct.PriceTrade(trade, ins)

	if rej := e.checkFillCash(acct, order, ins, trade); rej != nil {
		return e.rejectActive(ctx, ev.SimulationContext, order, rej)
	}

	if err := order.Fill(trade); err != nil {
		return err
	}
	e.open.Delete(order.ID)
	e.volumeUsed[order.OrderBookID] += trade.Quantity
	e.todayTrades = append(e.todayTrades, trade)

	if err := e.bus.Publish(ctx, &events.Event{Kind: events.KindTrade, SimulationContext: ev.SimulationContext, Order: order, Trade: trade}); err != nil {
		return fmt.Errorf("trade %d: %w", trade.ID, err)
	}
	e.logger.Debug("Order filled",
		zap.Int64("order_id", order.ID),
		zap.Int64("trade_id", trade.ID),
		zap.String("price", price.String()),
		zap.Int64("quantity", trade.Quantity))
	return nil
}

// referencePrice returns the source price and the bar's trading range
func (e *Engine) referencePrice(c *Check, source priceSource) (ref, low, high decimal.Decimal) {
	if c.Tick != nil {
		return c.Tick.Last, c.Tick.Last, c.Tick.Last
	}
	return source(c.Bar, c.Instrument), c.Bar.Low, c.Bar.High
}

// checkFillCash re-checks cash at the real fill price
func (e *Engine) checkFillCash(acct *accounts.Account, order *model.Order, ins *model.Instrument, trade *model.Trade) *Rejection {
	var need decimal.Decimal
	switch {
	case acct.Kind() == accounts.KindStock && order.Side == model.SideBuy:
		need = trade.Notional(ins.Multiplier())
	case acct.Kind() == accounts.KindFuture && order.PositionEffect == model.EffectOpen:
		need = trade.Notional(ins.Multiplier()).Mul(ins.MarginRate)
	default:
		return nil
	}
	need = need.Add(trade.TransactionCost())
	if available := acct.AvailableCash(order.ID); need.GreaterThan(available) {
		return reject(CheckCash, "Order Rejected: not enough money to buy %s, needs %s, cash %s.", order.OrderBookID, need.StringFixed(2), available.StringFixed(2))
	}
	return nil
}

// closeMarket rejects every order still on the book; orders never carry over
func (e *Engine) closeMarket(ctx context.Context, sim events.SimulationContext) error {
	e.closed = true
	var pending []*model.Order
	e.open.Scan(func(_ int64, o *model.Order) bool {
		pending = append(pending, o)
		return true
	})
	for _, order := range pending {
		if err := e.rejectActive(ctx, sim, order, reject(CheckMarketClose, "Order Rejected: %s can not match, market close.", order.OrderBookID)); err != nil {
			return err
		}
	}
	return nil
}

// OpenOrders returns the active orders in submission order
func (e *Engine) OpenOrders() []*model.Order {
	out := make([]*model.Order, 0, e.open.Len())
	e.open.Scan(func(_ int64, o *model.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// Order looks up an order submitted today
func (e *Engine) Order(orderID int64) (*model.Order, bool) {
	for _, o := range e.todayOrders {
		if o.ID == orderID {
			return o, true
		}
	}
	return nil, false
}

// TodayTrades returns the fills since the last before trading
func (e *Engine) TodayTrades() []*model.Trade {
	return append([]*model.Trade(nil), e.todayTrades...)
}

// State captures open orders, today's orders and trades and the id sequences
func (e *Engine) State() State {
	return State{
		OpenOrders:  e.OpenOrders(),
		TodayOrders: append([]*model.Order(nil), e.todayOrders...),
		TodayTrades: e.TodayTrades(),
		LastOrderID: e.orderIDs.Last(),
		LastTradeID: e.tradeIDs.Last(),
	}
}

// Restore loads a state captured by State
func (e *Engine) Restore(st State) {
	e.archive()
	e.open = btree.NewMap[int64, *model.Order](32)
	byID := make(map[int64]*model.Order, len(st.TodayOrders))
	for _, o := range st.TodayOrders {
		byID[o.ID] = o
	}
	for _, o := range st.OpenOrders {
		// keep one pointer per order across both lists
		if same, ok := byID[o.ID]; ok {
			o = same
		}
		e.open.Set(o.ID, o)
	}
	e.todayOrders = st.TodayOrders
	e.todayTrades = st.TodayTrades
	e.orderIDs.Reset(st.LastOrderID)
	e.tradeIDs.Reset(st.LastTradeID)
}
