package accounts

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/fees"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
	"github.com/Aidin1998/pincex_backtest/pkg/metrics"
)

// delistLookahead bounds the calendar scan for the next trading date
const delistLookahead = 30 * 24 * time.Hour

// Config describes one account
type Config struct {
	Kind         Kind
	StartingCash decimal.Decimal
	// T0Instruments may be sold on the day they are bought
	T0Instruments []string
	// BenchmarkID is the instrument a benchmark account tracks
	BenchmarkID string
}

// Reservation is the cash and position quantity frozen for one open order.
// It is deleted once the order's whole quantity has been released.
type Reservation struct {
	OrderID       int64           `json:"order_id"`
	OrderBookID   string          `json:"order_book_id"`
	Cash          decimal.Decimal `json:"cash"`
	Quantity      int64           `json:"quantity"`
	TodayQuantity int64           `json:"today_quantity"`
	Direction     Direction       `json:"direction,omitempty"`
	Unfilled      int64           `json:"unfilled"`
}

// Account is a tagged ledger: the stock, future and benchmark rules share the
// cash bookkeeping and differ in how positions are held and valued.
type Account struct {
	logger *zap.Logger
	kind   Kind
	data   marketdata.Port
	fees   fees.Deciders
	t0     map[string]struct{}

	startingCash decimal.Decimal
	cash         decimal.Decimal
	frozenCash   decimal.Decimal
	// staticTotalValue is the total value at the previous settlement
	staticTotalValue decimal.Decimal

	reservations map[int64]*Reservation
	stocks       map[string]*StockPosition
	receivables  []DividendReceivable
	futures      map[string]*FuturePosition
	benchmark    *BenchmarkHolding
}

// NewAccount creates an account holding only its starting cash
func NewAccount(cfg Config, feeCfg fees.Config, data marketdata.Port, logger *zap.Logger) (*Account, error) {
	if cfg.StartingCash.IsNegative() {
		return nil, errors.Invalid.Explain("starting cash of %s account must not be negative, got %s", cfg.Kind, cfg.StartingCash)
	}
	if data == nil {
		return nil, errors.Invalid.Explain("%s account needs a market data port", cfg.Kind)
	}

	a := &Account{
		logger:           logger.Named("account").With(zap.String("account", string(cfg.Kind))),
		kind:             cfg.Kind,
		data:             data,
		t0:               make(map[string]struct{}, len(cfg.T0Instruments)),
		startingCash:     cfg.StartingCash,
		cash:             cfg.StartingCash,
		staticTotalValue: cfg.StartingCash,
		reservations:     make(map[int64]*Reservation),
		stocks:           make(map[string]*StockPosition),
		futures:          make(map[string]*FuturePosition),
	}
	for _, id := range cfg.T0Instruments {
		a.t0[id] = struct{}{}
	}

	switch cfg.Kind {
	case KindStock, KindFuture:
		if err := feeCfg.Validate(); err != nil {
			return nil, err
		}
		if cfg.Kind == KindStock {
			a.fees = fees.StockDeciders(feeCfg)
		} else {
			a.fees = fees.FutureDeciders(feeCfg)
		}
	case KindBenchmark:
		if cfg.BenchmarkID == "" {
			return nil, errors.Invalid.Explain("benchmark account needs an order_book_id")
		}
		a.fees = fees.NoCost()
		a.benchmark = &BenchmarkHolding{OrderBookID: cfg.BenchmarkID}
	default:
		return nil, errors.Invalid.Explain("unknown account type %q", cfg.Kind)
	}
	return a, nil
}

func (a *Account) Kind() Kind { return a.kind }
func (a *Account) Cash() decimal.Decimal { return a.cash }
func (a *Account) FrozenCash() decimal.Decimal { return a.frozenCash }
func (a *Account) StartingCash() decimal.Decimal { return a.startingCash }
func (a *Account) StaticTotalValue() decimal.Decimal { return a.staticTotalValue }

// IsT0 reports whether the instrument is exempt from the T+1 lock
func (a *Account) IsT0(orderBookID string) bool {
	_, ok := a.t0[orderBookID]
	return ok
}

// StockPosition returns a copy of the stock position, if any
func (a *Account) StockPosition(orderBookID string) (StockPosition, bool) {
	pos, ok := a.stocks[orderBookID]
	if !ok {
		return StockPosition{}, false
	}
	return *pos, true
}

// StockPositions returns copies of every stock position ordered by id
func (a *Account) StockPositions() []StockPosition {
	out := make([]StockPosition, 0, len(a.stocks))
	for _, id := range sortedKeys(a.stocks) {
		out = append(out, *a.stocks[id])
	}
	return out
}

// FuturePosition returns a copy of the future position, if any
func (a *Account) FuturePosition(orderBookID string) (FuturePosition, bool) {
	pos, ok := a.futures[orderBookID]
	if !ok {
		return FuturePosition{}, false
	}
	return *pos.clone(), true
}

// FuturePositions returns copies of every future position ordered by id
func (a *Account) FuturePositions() []FuturePosition {
	out := make([]FuturePosition, 0, len(a.futures))
	for _, id := range sortedKeys(a.futures) {
		out = append(out, *a.futures[id].clone())
	}
	return out
}

// Receivables returns the dividends booked but not yet paid
func (a *Account) Receivables() []DividendReceivable {
	return append([]DividendReceivable(nil), a.receivables...)
}

// Benchmark returns the tracked holding of a benchmark account
func (a *Account) Benchmark() (BenchmarkHolding, bool) {
	if a.benchmark == nil {
		return BenchmarkHolding{}, false
	}
	return *a.benchmark, true
}

// Reservation returns the live reservation of an order
func (a *Account) Reservation(orderID int64) (Reservation, bool) {
	res, ok := a.reservations[orderID]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}

// MarketValue is the signed value of every position at its last price
func (a *Account) MarketValue() decimal.Decimal {
	mv := decimal.Zero
	for _, pos := range a.stocks {
		mv = mv.Add(pos.MarketValue())
	}
	for _, pos := range a.futures {
		mv = mv.Add(pos.MarketValue())
	}
	return mv
}

// Margin is the margin locked by future positions
func (a *Account) Margin() decimal.Decimal {
	m := decimal.Zero
	for _, pos := range a.futures {
		m = m.Add(pos.Margin())
	}
	return m
}

// TotalValue is cash plus frozen cash plus what the positions are worth. For
// stocks that is market value and booked dividends, for futures margin plus
// unrealized pnl.
func (a *Account) TotalValue() decimal.Decimal {
	if a.kind == KindBenchmark {
		if !a.benchmark.Invested() {
			return a.cash
		}
		return a.startingCash.Mul(a.benchmark.LastPrice).Div(a.benchmark.BasePrice)
	}

	total := a.cash.Add(a.frozenCash)
	for _, pos := range a.stocks {
		total = total.Add(pos.MarketValue())
	}
	for i := range a.receivables {
		total = total.Add(a.receivables[i].Amount())
	}
	for _, pos := range a.futures {
		total = total.Add(pos.Equity())
	}
	return total
}

// Sellable is the stock quantity a new sell order may use
func (a *Account) Sellable(orderBookID string) int64 {
	if pos, ok := a.stocks[orderBookID]; ok {
		return pos.Sellable()
	}
	return 0
}

// Closable is the future quantity a new closing order may use
func (a *Account) Closable(orderBookID string, side model.Side, effect model.PositionEffect) int64 {
	pos, ok := a.futures[orderBookID]
	if !ok {
		return 0
	}
	leg := pos.Leg(LegDirection(side, effect))
	if effect == model.EffectCloseToday {
		return min(leg.TodayClosable(), leg.Closable())
	}
	return leg.Closable()
}

// PriceTrade fills in the close-today split, commission and tax of a trade
func (a *Account) PriceTrade(trade *model.Trade, ins *model.Instrument) {
	if a.kind == KindFuture {
		if pos, ok := a.futures[trade.OrderBookID]; ok {
			trade.CloseTodayQuantity = pos.CloseTodayQuantity(trade.Side, trade.PositionEffect, trade.Quantity)
		}
	}
	trade.Commission, trade.Tax = a.fees.TransactionCost(trade, ins)
}

// EstimateCost prices commission and tax of filling the whole order at price
func (a *Account) EstimateCost(order *model.Order, ins *model.Instrument, price decimal.Decimal) decimal.Decimal {
	trade := &model.Trade{
		OrderBookID:    order.OrderBookID,
		Side:           order.Side,
		PositionEffect: order.PositionEffect,
		Price:          price,
		Quantity:       order.UnfilledQuantity(),
	}
	a.PriceTrade(trade, ins)
	return trade.TransactionCost()
}

// RequiredCash is the cash an order needs at price: notional for stock buys
// and margin for future opens, both including the estimated cost.
func (a *Account) RequiredCash(order *model.Order, ins *model.Instrument, price decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(order.UnfilledQuantity())
	switch {
	case a.kind == KindStock && order.Side == model.SideBuy:
		return price.Mul(qty).Add(a.EstimateCost(order, ins, price))
	case a.kind == KindFuture && order.PositionEffect == model.EffectOpen:
		margin := price.Mul(qty).Mul(ins.Multiplier()).Mul(ins.MarginRate)
		return margin.Add(a.EstimateCost(order, ins, price))
	}
	return decimal.Zero
}

// AvailableCash is free cash plus whatever is still reserved for orderID
func (a *Account) AvailableCash(orderID int64) decimal.Decimal {
	if res, ok := a.reservations[orderID]; ok {
		return a.cash.Add(res.Cash)
	}
	return a.cash
}

// OnOrderPendingNew reserves cash or position quantity for a validated order
func (a *Account) OnOrderPendingNew(order *model.Order) error {
	if _, ok := a.reservations[order.ID]; ok {
		return errors.Invariant.Explain("order %d already holds a reservation", order.ID)
	}
	ins, err := a.data.Instrument(order.OrderBookID)
	if err != nil {
		return fmt.Errorf("reserve order %d: %w", order.ID, err)
	}

	res := &Reservation{OrderID: order.ID, OrderBookID: order.OrderBookID, Unfilled: order.Quantity}
	switch a.kind {
	case KindStock:
		if order.Side == model.SideBuy {
			res.Cash = a.RequiredCash(order, ins, order.FrozenPrice)
			break
		}
		if sellable := a.Sellable(order.OrderBookID); sellable < order.Quantity {
			return errors.Invariant.Explain("order %d sells %d of %s, sellable %d", order.ID, order.Quantity, order.OrderBookID, sellable)
		}
		res.Quantity = order.Quantity
	case KindFuture:
		if order.PositionEffect == model.EffectOpen {
			res.Cash = a.RequiredCash(order, ins, order.FrozenPrice)
			break
		}
		if closable := a.Closable(order.OrderBookID, order.Side, order.PositionEffect); closable < order.Quantity {
			return errors.Invariant.Explain("order %d closes %d of %s, closable %d", order.ID, order.Quantity, order.OrderBookID, closable)
		}
		res.Direction = LegDirection(order.Side, order.PositionEffect)
		res.Quantity = order.Quantity
		if order.PositionEffect == model.EffectCloseToday {
			res.TodayQuantity = order.Quantity
		}
	default:
		return errors.Invariant.Explain("%s account does not accept orders", a.kind)
	}
	if res.Cash.GreaterThan(a.cash) {
		return errors.Invariant.Explain("order %d needs %s cash, available %s", order.ID, res.Cash, a.cash)
	}

	a.cash = a.cash.Sub(res.Cash)
	a.frozenCash = a.frozenCash.Add(res.Cash)
	a.freeze(res, res.Quantity, res.TodayQuantity)
	a.reservations[order.ID] = res
	return nil
}

// OnOrderRejectOrCancel releases whatever the order still holds. A second
// call for the same order finds no reservation and does nothing.
func (a *Account) OnOrderRejectOrCancel(order *model.Order) error {
	res, ok := a.reservations[order.ID]
	if !ok {
		return nil
	}
	a.release(res, res.Unfilled)
	return nil
}

func (a *Account) freeze(res *Reservation, qty, todayQty int64) {
	switch a.kind {
	case KindStock:
		if pos, ok := a.stocks[res.OrderBookID]; ok {
			pos.Frozen += qty
		}
	case KindFuture:
		if pos, ok := a.futures[res.OrderBookID]; ok {
			leg := pos.Leg(res.Direction)
			leg.Frozen += qty
			leg.FrozenToday += todayQty
		}
	}
}

// releasableCash is the share of the reserved cash that covers qty
func releasableCash(res *Reservation, qty int64) decimal.Decimal {
	if res == nil {
		return decimal.Zero
	}
	if qty >= res.Unfilled {
		return res.Cash
	}
	return res.Cash.Mul(decimal.NewFromInt(qty)).Div(decimal.NewFromInt(res.Unfilled))
}

func (a *Account) release(res *Reservation, qty int64) {
	cash := releasableCash(res, qty)
	frozenQty := min(qty, res.Quantity)
	todayQty := min(qty, res.TodayQuantity)

	a.cash = a.cash.Add(cash)
	a.frozenCash = a.frozenCash.Sub(cash)
	a.freeze(res, -frozenQty, -todayQty)

	res.Cash = res.Cash.Sub(cash)
	res.Quantity -= frozenQty
	res.TodayQuantity -= todayQty
	res.Unfilled -= qty
	if res.Unfilled <= 0 {
		delete(a.reservations, res.OrderID)
	}
}

// OnTrade books a fill. Every precondition is checked before anything is
// mutated, so a failed trade leaves the account untouched.
func (a *Account) OnTrade(trade *model.Trade) error {
	ins, err := a.data.Instrument(trade.OrderBookID)
	if err != nil {
		return fmt.Errorf("book trade %d: %w", trade.ID, err)
	}
	if trade.Quantity <= 0 {
		return errors.Invariant.Explain("trade %d has quantity %d", trade.ID, trade.Quantity)
	}
	res := a.reservations[trade.OrderID]
	cost := trade.TransactionCost()
	notional := trade.Notional(ins.Multiplier())
	available := a.cash.Add(releasableCash(res, trade.Quantity))

	switch a.kind {
	case KindStock:
		if trade.Side == model.SideBuy {
			if need := notional.Add(cost); need.GreaterThan(available) {
				return errors.Invariant.Explain("trade %d costs %s, available cash %s", trade.ID, need, available)
			}
			break
		}
		pos, ok := a.stocks[trade.OrderBookID]
		if !ok || pos.Quantity-pos.NonCloseable < trade.Quantity {
			return errors.Invariant.Explain("trade %d sells %d of %s beyond the closeable holding", trade.ID, trade.Quantity, trade.OrderBookID)
		}
	case KindFuture:
		if trade.PositionEffect == model.EffectOpen {
			margin := notional.Mul(ins.MarginRate)
			if need := margin.Add(cost); need.GreaterThan(available) {
				return errors.Invariant.Explain("trade %d needs %s margin and cost, available cash %s", trade.ID, need, available)
			}
			break
		}
		pos, ok := a.futures[trade.OrderBookID]
		if !ok {
			return errors.Invariant.Explain("trade %d closes %s without a position", trade.ID, trade.OrderBookID)
		}
		leg := pos.Leg(LegDirection(trade.Side, trade.PositionEffect))
		held := leg.Quantity()
		if trade.PositionEffect == model.EffectCloseToday {
			held = leg.TodayQuantity()
		}
		if held < trade.Quantity {
			return errors.Invariant.Explain("trade %d closes %d of %s, holding %d", trade.ID, trade.Quantity, trade.OrderBookID, held)
		}
	default:
		return errors.Invariant.Explain("%s account does not trade", a.kind)
	}

	if res != nil {
		a.release(res, trade.Quantity)
	}
	if a.kind == KindStock {
		a.applyStockTrade(trade, notional, cost)
	} else if err := a.applyFutureTrade(trade, ins, notional, cost); err != nil {
		return err
	}

	metrics.TradesExecuted.WithLabelValues(strings.ToLower(string(a.kind))).Inc()
	a.logger.Debug("Trade booked",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("order_id", trade.OrderID),
		zap.String("order_book_id", trade.OrderBookID),
		zap.String("side", string(trade.Side)),
		zap.Int64("quantity", trade.Quantity),
		zap.String("price", trade.Price.String()),
		zap.String("cost", cost.String()))
	return nil
}

func (a *Account) applyStockTrade(trade *model.Trade, notional, cost decimal.Decimal) {
	pos, ok := a.stocks[trade.OrderBookID]
	if !ok {
		pos = &StockPosition{OrderBookID: trade.OrderBookID}
		a.stocks[trade.OrderBookID] = pos
	}
	qty := decimal.NewFromInt(trade.Quantity)

	if trade.Side == model.SideBuy {
		held := decimal.NewFromInt(pos.Quantity)
		pos.AvgPrice = pos.AvgPrice.Mul(held).Add(notional).Div(held.Add(qty))
		pos.Quantity += trade.Quantity
		if !a.IsT0(trade.OrderBookID) {
			pos.NonCloseable += trade.Quantity
		}
		a.cash = a.cash.Sub(notional).Sub(cost)
	} else {
		pos.RealizedPnL = pos.RealizedPnL.Add(trade.Price.Sub(pos.AvgPrice).Mul(qty))
		pos.Quantity -= trade.Quantity
		a.cash = a.cash.Add(notional).Sub(cost)
	}
	pos.DayTransactionCost = pos.DayTransactionCost.Add(cost)
	if pos.LastPrice.IsZero() {
		pos.LastPrice = trade.Price
	}
}

func (a *Account) applyFutureTrade(trade *model.Trade, ins *model.Instrument, notional, cost decimal.Decimal) error {
	pos, ok := a.futures[trade.OrderBookID]
	if !ok {
		pos = newFuturePosition(ins)
		a.futures[trade.OrderBookID] = pos
	}
	leg := pos.Leg(LegDirection(trade.Side, trade.PositionEffect))

	if trade.PositionEffect == model.EffectOpen {
		leg.Today = append(leg.Today, Holding{Price: trade.Price, Quantity: trade.Quantity})
		a.cash = a.cash.Sub(notional.Mul(pos.MarginRate)).Sub(cost)
	} else {
		before := pos.Margin()
		realized, _, err := leg.close(trade.Quantity, trade.Price, trade.PositionEffect, pos.Multiplier, LegDirection(trade.Side, trade.PositionEffect))
		if err != nil {
			return errors.Invariant.Explain("trade %d: %s", trade.ID, err)
		}
		leg.RealizedPnL = leg.RealizedPnL.Add(realized)
		a.cash = a.cash.Add(before.Sub(pos.Margin())).Add(realized).Sub(cost)
	}
	leg.DayTransactionCost = leg.DayTransactionCost.Add(cost)
	if pos.LastPrice.IsZero() {
		pos.LastPrice = trade.Price
	}
	return nil
}

// UpdateBarPrices marks positions to the bars' close. A benchmark account
// buys in at the first usable bar, at its open.
func (a *Account) UpdateBarPrices(bars map[string]*model.Bar) {
	if a.benchmark != nil {
		if bar, ok := bars[a.benchmark.OrderBookID]; ok && bar.IsTrading() {
			if !a.benchmark.Invested() {
				a.benchmark.BasePrice = bar.Open
				if !bar.Open.IsPositive() {
					a.benchmark.BasePrice = bar.Close
				}
			}
			a.benchmark.LastPrice = bar.Close
		}
		return
	}
	for id, bar := range bars {
		if !bar.IsTrading() {
			continue
		}
		a.updateLastPrice(id, bar.Close)
	}
}

// UpdateTickPrice marks a position to the tick's last price
func (a *Account) UpdateTickPrice(tick *model.Tick) {
	if !tick.IsTrading() {
		return
	}
	if a.benchmark != nil {
		if tick.OrderBookID != a.benchmark.OrderBookID {
			return
		}
		if !a.benchmark.Invested() {
			a.benchmark.BasePrice = tick.Last
		}
		a.benchmark.LastPrice = tick.Last
		return
	}
	a.updateLastPrice(tick.OrderBookID, tick.Last)
}

func (a *Account) updateLastPrice(orderBookID string, price decimal.Decimal) {
	if pos, ok := a.stocks[orderBookID]; ok {
		pos.LastPrice = price
	}
	if pos, ok := a.futures[orderBookID]; ok {
		pos.LastPrice = price
	}
}

// OnBeforeTrading drops empty positions, pays dividends that fall due and
// applies splits whose ex date is date.
func (a *Account) OnBeforeTrading(date time.Time) error {
	day := model.TruncateDay(date)
	for id, pos := range a.stocks {
		if pos.Quantity == 0 && pos.Frozen == 0 {
			delete(a.stocks, id)
			continue
		}
		pos.DayTransactionCost = decimal.Zero
	}
	for id, pos := range a.futures {
		if pos.IsEmpty() && pos.Long.Frozen == 0 && pos.Short.Frozen == 0 {
			delete(a.futures, id)
		}
	}

	// Pay receivables
	kept := a.receivables[:0]
	for _, r := range a.receivables {
		if model.TruncateDay(r.PayableDate).After(day) {
			kept = append(kept, r)
			continue
		}
		a.cash = a.cash.Add(r.Amount())
		a.logger.Info("Dividend paid",
			zap.String("order_book_id", r.OrderBookID),
			zap.Int64("quantity", r.Quantity),
			zap.String("amount", r.Amount().String()))
	}
	a.receivables = kept

	return a.applySplits(day)
}

// applySplits scales holdings by the split ratio. The fractional share left
// after flooring is paid out at the pre-split last price.
func (a *Account) applySplits(date time.Time) error {
	for _, id := range sortedKeys(a.stocks) {
		pos := a.stocks[id]
		split, err := a.data.Split(id, date)
		if err != nil {
			return fmt.Errorf("split of %s: %w", id, err)
		}
		if split == nil || !split.Ratio.IsPositive() || pos.Quantity == 0 {
			continue
		}

		scaled := decimal.NewFromInt(pos.Quantity).Mul(split.Ratio)
		newQty := scaled.Floor()
		fraction := scaled.Sub(newQty)
		inLieu := fraction.Mul(pos.LastPrice).Div(split.Ratio)

		pos.Quantity = newQty.IntPart()
		pos.NonCloseable = decimal.NewFromInt(pos.NonCloseable).Mul(split.Ratio).Floor().IntPart()
		pos.AvgPrice = pos.AvgPrice.Div(split.Ratio)
		pos.LastPrice = pos.LastPrice.Div(split.Ratio)
		a.cash = a.cash.Add(inLieu)

		a.logger.Info("Split applied",
			zap.String("order_book_id", id),
			zap.String("ratio", split.Ratio.String()),
			zap.Int64("quantity", pos.Quantity),
			zap.String("cash_in_lieu", inLieu.String()))
	}
	return nil
}

// OnAfterTrading unlocks today's buys, books dividends whose book closure
// date is date and liquidates instruments that will not trade again.
func (a *Account) OnAfterTrading(date time.Time) error {
	day := model.TruncateDay(date)
	if a.kind == KindBenchmark {
		return nil
	}

	next, err := marketdata.NextTradingDate(a.data, day, delistLookahead)
	if err != nil {
		next = day
	}

	for _, id := range sortedKeys(a.stocks) {
		pos := a.stocks[id]
		pos.NonCloseable = 0

		div, err := a.data.Dividend(id, day)
		if err != nil {
			return fmt.Errorf("dividend of %s: %w", id, err)
		}
		if div != nil && pos.Quantity > 0 && div.CashPerShare.IsPositive() {
			a.receivables = append(a.receivables, DividendReceivable{
				OrderBookID:  id,
				Quantity:     pos.Quantity,
				CashPerShare: div.CashPerShare,
				PayableDate:  div.PayableDate,
			})
		}

		ins, err := a.data.Instrument(id)
		if err != nil {
			return fmt.Errorf("after trading %s: %w", id, err)
		}
		if pos.Quantity > 0 && (ins.DeListed(day) || ins.DeListed(next)) {
			a.liquidateStock(pos)
		}
	}

	for _, id := range sortedKeys(a.futures) {
		pos := a.futures[id]
		ins, err := a.data.Instrument(id)
		if err != nil {
			return fmt.Errorf("after trading %s: %w", id, err)
		}
		if !pos.IsEmpty() && (ins.DeListed(day) || ins.DeListed(next)) {
			price := pos.LastPrice
			if bar, err := marketdata.DayBar(a.data, id, day); err == nil && bar.IsTrading() {
				price = bar.SettlePrice()
			}
			a.liquidateFuture(pos, price)
		}
	}
	return nil
}

func (a *Account) liquidateStock(pos *StockPosition) {
	qty := decimal.NewFromInt(pos.Quantity)
	a.cash = a.cash.Add(pos.LastPrice.Mul(qty))
	pos.RealizedPnL = pos.RealizedPnL.Add(pos.LastPrice.Sub(pos.AvgPrice).Mul(qty))
	a.logger.Warn("Delisted position liquidated",
		zap.String("order_book_id", pos.OrderBookID),
		zap.Int64("quantity", pos.Quantity),
		zap.String("price", pos.LastPrice.String()))
	pos.Quantity = 0
	pos.NonCloseable = 0
}

func (a *Account) liquidateFuture(pos *FuturePosition, price decimal.Decimal) {
	pos.LastPrice = price
	settled := pos.Margin().Add(pos.HoldingPnL())
	a.cash = a.cash.Add(settled)
	a.logger.Warn("Expired future liquidated",
		zap.String("order_book_id", pos.OrderBookID),
		zap.Int64("long", pos.Long.Quantity()),
		zap.Int64("short", pos.Short.Quantity()),
		zap.String("price", price.String()))
	pos.Long.flatten(price, pos.Multiplier, DirectionLong)
	pos.Short.flatten(price, pos.Multiplier, DirectionShort)
}

// OnSettlement marks futures to the settlement price, moving the day's
// holding pnl into cash, and fixes the value daily returns are measured from.
func (a *Account) OnSettlement(date time.Time) error {
	day := model.TruncateDay(date)

	for _, id := range sortedKeys(a.reservations) {
		res := a.reservations[id]
		a.logger.Warn("Reservation outlived the trading day",
			zap.Int64("order_id", res.OrderID),
			zap.String("cash", res.Cash.String()))
		a.release(res, res.Unfilled)
	}

	for _, id := range sortedKeys(a.futures) {
		pos := a.futures[id]
		price := pos.LastPrice
		bar, err := marketdata.DayBar(a.data, id, day)
		if err != nil {
			return fmt.Errorf("settlement price of %s: %w", id, err)
		}
		if bar.IsTrading() {
			price = bar.SettlePrice()
		}
		if !price.IsPositive() {
			pos.resetDayCost()
			continue
		}

		pos.LastPrice = price
		pnl := pos.HoldingPnL()
		before := pos.Margin()
		pos.settle(price)
		a.cash = a.cash.Add(pnl).Sub(pos.Margin().Sub(before))
	}

	a.staticTotalValue = a.TotalValue()
	return nil
}

// Validate checks the ledger invariants
func (a *Account) Validate() error {
	reserved := decimal.Zero
	for _, res := range a.reservations {
		if res.Cash.IsNegative() || res.Quantity < 0 || res.Unfilled < 0 {
			return errors.Invariant.Explain("reservation of order %d went negative", res.OrderID)
		}
		reserved = reserved.Add(res.Cash)
	}
	if !reserved.Equal(a.frozenCash) {
		return errors.Invariant.Explain("frozen cash %s does not match reservations %s", a.frozenCash, reserved)
	}
	if a.kind == KindStock && a.cash.IsNegative() {
		return errors.Invariant.Explain("stock account cash is negative: %s", a.cash)
	}
	for id, pos := range a.stocks {
		if pos.Quantity < 0 || pos.Frozen < 0 || pos.NonCloseable < 0 || pos.Sellable() < 0 {
			return errors.Invariant.Explain("position %s: quantity %d, non closeable %d, frozen %d", id, pos.Quantity, pos.NonCloseable, pos.Frozen)
		}
	}
	for id, pos := range a.futures {
		for _, leg := range []*FutureLeg{&pos.Long, &pos.Short} {
			if leg.Closable() < 0 || leg.FrozenToday < 0 || leg.FrozenToday > leg.Frozen {
				return errors.Invariant.Explain("future %s: holding %d, frozen %d, frozen today %d", id, leg.Quantity(), leg.Frozen, leg.FrozenToday)
			}
		}
	}
	return nil
}

func sortedKeys[K int64 | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
