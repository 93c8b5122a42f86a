package accounts

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

// Direction of a future sub-position
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Holding is a lot priced at its open price, or at the last settlement price
// once it has been carried overnight.
type Holding struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// FutureLeg is one direction of a future position
type FutureLeg struct {
	Old   []Holding `json:"old"`
	Today []Holding `json:"today"`
	// Frozen is reserved by open close orders, FrozenToday the CLOSE_TODAY part of it
	Frozen      int64 `json:"frozen"`
	FrozenToday int64 `json:"frozen_today"`

	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	DayTransactionCost decimal.Decimal `json:"day_transaction_cost"`
}

func sumQty(hs []Holding) int64 {
	var q int64
	for _, h := range hs {
		q += h.Quantity
	}
	return q
}

// OldQuantity is the quantity carried over from previous days
func (l *FutureLeg) OldQuantity() int64 { return sumQty(l.Old) }

// TodayQuantity is the quantity opened today
func (l *FutureLeg) TodayQuantity() int64 { return sumQty(l.Today) }

// Quantity is old plus today
func (l *FutureLeg) Quantity() int64 { return l.OldQuantity() + l.TodayQuantity() }

// Closable is what a CLOSE order may still use
func (l *FutureLeg) Closable() int64 { return l.Quantity() - l.Frozen }

// TodayClosable is what a CLOSE_TODAY order may still use
func (l *FutureLeg) TodayClosable() int64 { return l.TodayQuantity() - l.FrozenToday }

func (l *FutureLeg) holdingCost(multiplier decimal.Decimal) decimal.Decimal {
	cost := decimal.Zero
	for _, hs := range [][]Holding{l.Old, l.Today} {
		for _, h := range hs {
			cost = cost.Add(h.Price.Mul(decimal.NewFromInt(h.Quantity)).Mul(multiplier))
		}
	}
	return cost
}

// AvgPrice is the quantity weighted holding price
func (l *FutureLeg) AvgPrice(multiplier decimal.Decimal) decimal.Decimal {
	q := l.Quantity()
	if q == 0 {
		return decimal.Zero
	}
	return l.holdingCost(multiplier).Div(decimal.NewFromInt(q).Mul(multiplier))
}

// closeTodayQuantity is how much of qty would come out of today's holdings
func (l *FutureLeg) closeTodayQuantity(qty int64, effect model.PositionEffect) int64 {
	if effect == model.EffectCloseToday {
		return qty
	}
	fromToday := qty - l.OldQuantity()
	if fromToday < 0 {
		return 0
	}
	return fromToday
}

// consume removes qty FIFO from hs and returns the removed lots
func consume(hs []Holding, qty int64) ([]Holding, []Holding) {
	var taken []Holding
	for qty > 0 && len(hs) > 0 {
		h := hs[0]
		if h.Quantity <= qty {
			taken = append(taken, h)
			qty -= h.Quantity
			hs = hs[1:]
			continue
		}
		taken = append(taken, Holding{Price: h.Price, Quantity: qty})
		hs = append([]Holding{{Price: h.Price, Quantity: h.Quantity - qty}}, hs[1:]...)
		qty = 0
	}
	return hs, taken
}

// close takes qty out of the leg and returns realized pnl against the
// holding prices plus the quantity that came from today's holdings.
func (l *FutureLeg) close(qty int64, price decimal.Decimal, effect model.PositionEffect, multiplier decimal.Decimal, dir Direction) (decimal.Decimal, int64, error) {
	var taken []Holding
	closeToday := l.closeTodayQuantity(qty, effect)
	if effect == model.EffectCloseToday {
		if qty > l.TodayQuantity() {
			return decimal.Zero, 0, fmt.Errorf("close today %d exceeds today holding %d", qty, l.TodayQuantity())
		}
		var t []Holding
		l.Today, t = consume(l.Today, qty)
		taken = append(taken, t...)
	} else {
		if qty > l.Quantity() {
			return decimal.Zero, 0, fmt.Errorf("close %d exceeds holding %d", qty, l.Quantity())
		}
		fromOld := qty - closeToday
		var t []Holding
		l.Old, t = consume(l.Old, fromOld)
		taken = append(taken, t...)
		l.Today, t = consume(l.Today, closeToday)
		taken = append(taken, t...)
	}

	realized := decimal.Zero
	for _, h := range taken {
		diff := price.Sub(h.Price)
		if dir == DirectionShort {
			diff = diff.Neg()
		}
		realized = realized.Add(diff.Mul(decimal.NewFromInt(h.Quantity)).Mul(multiplier))
	}
	return realized, closeToday, nil
}

// flatten closes every lot at price into the realized pnl. The day's cost
// stays until settlement totals it.
func (l *FutureLeg) flatten(price, multiplier decimal.Decimal, dir Direction) {
	value := price.Mul(decimal.NewFromInt(l.Quantity())).Mul(multiplier)
	realized := value.Sub(l.holdingCost(multiplier))
	if dir == DirectionShort {
		realized = realized.Neg()
	}
	l.RealizedPnL = l.RealizedPnL.Add(realized)
	l.Old, l.Today = nil, nil
	l.Frozen, l.FrozenToday = 0, 0
}

func (l *FutureLeg) clone() FutureLeg {
	cp := *l
	cp.Old = append([]Holding(nil), l.Old...)
	cp.Today = append([]Holding(nil), l.Today...)
	return cp
}

// FuturePosition holds both directions of one contract
type FuturePosition struct {
	OrderBookID    string          `json:"order_book_id"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	MarginRate     decimal.Decimal `json:"margin_rate"`
	LastPrice      decimal.Decimal `json:"last_price"`
	PrevSettlement decimal.Decimal `json:"prev_settlement"`
	Long           FutureLeg       `json:"long"`
	Short          FutureLeg       `json:"short"`
}

func newFuturePosition(ins *model.Instrument) *FuturePosition {
	return &FuturePosition{
		OrderBookID: ins.OrderBookID,
		Multiplier:  ins.Multiplier(),
		MarginRate:  ins.MarginRate,
	}
}

// Leg returns the sub-position of one direction
func (p *FuturePosition) Leg(dir Direction) *FutureLeg {
	if dir == DirectionShort {
		return &p.Short
	}
	return &p.Long
}

// LegDirection is the direction an order trades: buy-open and sell-close
// touch the long leg, sell-open and buy-close the short leg.
func LegDirection(side model.Side, effect model.PositionEffect) Direction {
	opening := effect == model.EffectOpen
	if (side == model.SideBuy) == opening {
		return DirectionLong
	}
	return DirectionShort
}

// CloseTodayQuantity is how many lots of a closing order would come out of
// today's holdings; commission deciders need it before the trade exists.
func (p *FuturePosition) CloseTodayQuantity(side model.Side, effect model.PositionEffect, qty int64) int64 {
	if effect == model.EffectOpen {
		return 0
	}
	return p.Leg(LegDirection(side, effect)).closeTodayQuantity(qty, effect)
}

// Margin is the holding cost of both legs times the margin rate
func (p *FuturePosition) Margin() decimal.Decimal {
	return p.Long.holdingCost(p.Multiplier).Add(p.Short.holdingCost(p.Multiplier)).Mul(p.MarginRate)
}

// HoldingPnL is the unrealized pnl of both legs at the last price
func (p *FuturePosition) HoldingPnL() decimal.Decimal {
	longValue := p.LastPrice.Mul(decimal.NewFromInt(p.Long.Quantity())).Mul(p.Multiplier)
	shortValue := p.LastPrice.Mul(decimal.NewFromInt(p.Short.Quantity())).Mul(p.Multiplier)
	return longValue.Sub(p.Long.holdingCost(p.Multiplier)).Add(p.Short.holdingCost(p.Multiplier).Sub(shortValue))
}

// Equity is what the position contributes to the account's total value
func (p *FuturePosition) Equity() decimal.Decimal {
	return p.Margin().Add(p.HoldingPnL())
}

// MarketValue is the signed notional, long minus short
func (p *FuturePosition) MarketValue() decimal.Decimal {
	net := p.Long.Quantity() - p.Short.Quantity()
	return p.LastPrice.Mul(decimal.NewFromInt(net)).Mul(p.Multiplier)
}

// IsEmpty reports whether both legs are flat
func (p *FuturePosition) IsEmpty() bool {
	return p.Long.Quantity() == 0 && p.Short.Quantity() == 0
}

// settle re-prices every lot at price; the caller books the holding pnl.
func (p *FuturePosition) settle(price decimal.Decimal) {
	for _, leg := range []*FutureLeg{&p.Long, &p.Short} {
		q := leg.Quantity()
		leg.Old = nil
		if q > 0 {
			leg.Old = []Holding{{Price: price, Quantity: q}}
		}
		leg.Today = nil
	}
	p.resetDayCost()
	p.LastPrice = price
	p.PrevSettlement = price
}

func (p *FuturePosition) resetDayCost() {
	p.Long.DayTransactionCost = decimal.Zero
	p.Short.DayTransactionCost = decimal.Zero
}

func (p *FuturePosition) clone() *FuturePosition {
	cp := *p
	cp.Long = p.Long.clone()
	cp.Short = p.Short.clone()
	return &cp
}
