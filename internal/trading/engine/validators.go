package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

// Rejection is a failed check. It turns into a REJECTED order, never into an
// error returned to the strategy.
type Rejection struct {
	Check  string
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

func reject(check, format string, args ...any) *Rejection {
	return &Rejection{Check: check, Reason: fmt.Sprintf(format, args...)}
}

// Check is everything a validator may look at
type Check struct {
	Sim        events.SimulationContext
	Order      *model.Order
	Instrument *model.Instrument
	Account    *accounts.Account
	// Bar is the instrument's current bar, nil for tick runs or data gaps
	Bar  *model.Bar
	Tick *model.Tick
}

// OrderValidator defines the interface for order validation. A nil
// *Rejection means the order passed.
type OrderValidator interface {
	ValidateOrder(ctx context.Context, c *Check) *Rejection
	Name() string
}

// Validator names, also used as the rejection metric label
const (
	CheckTradingStatus = "trading_status"
	CheckPriceLimit    = "price_limit"
	CheckRoundLot      = "round_lot"
	CheckCash          = "cash"
	CheckPosition      = "position"
	CheckVolume        = "volume"
	CheckMarketClose   = "market_close"
)

// TradingStatusValidator rejects instruments that cannot trade right now
type TradingStatusValidator struct{}

func (TradingStatusValidator) Name() string { return CheckTradingStatus }

func (TradingStatusValidator) ValidateOrder(_ context.Context, c *Check) *Rejection {
	id := c.Order.OrderBookID
	date := c.Sim.TradingDate()
	switch {
	case !c.Instrument.Listed(date):
		return reject(CheckTradingStatus, "Order Rejected: %s is not listed yet.", id)
	case c.Instrument.DeListed(date):
		return reject(CheckTradingStatus, "Order Rejected: %s has been delisted.", id)
	}
	if c.Tick != nil {
		if !c.Tick.IsTrading() {
			return reject(CheckTradingStatus, "Order Rejected: no market data for %s.", id)
		}
		return nil
	}
	switch {
	case c.Bar == nil:
		return reject(CheckTradingStatus, "Order Rejected: no market data for %s.", id)
	case c.Bar.Suspended:
		return reject(CheckTradingStatus, "Order Rejected: %s is suspended.", id)
	case !c.Bar.IsTrading():
		return reject(CheckTradingStatus, "Order Rejected: no market data for %s.", id)
	}
	return nil
}

// PriceLimitValidator rejects limit prices outside the daily price band
type PriceLimitValidator struct{}

func (PriceLimitValidator) Name() string { return CheckPriceLimit }

func (PriceLimitValidator) ValidateOrder(_ context.Context, c *Check) *Rejection {
	if !c.Order.IsLimit() {
		return nil
	}
	price := c.Order.Price
	if !price.IsPositive() {
		return reject(CheckPriceLimit, "Order Rejected: limit price of %s must be positive, got %s.", c.Order.OrderBookID, price)
	}
	limitUp, limitDown := priceBand(c)
	if limitUp.IsPositive() && price.GreaterThan(limitUp) {
		return reject(CheckPriceLimit, "Order Rejected: limit price %s of %s is higher than limit up %s.", price, c.Order.OrderBookID, limitUp)
	}
	if limitDown.IsPositive() && price.LessThan(limitDown) {
		return reject(CheckPriceLimit, "Order Rejected: limit price %s of %s is lower than limit down %s.", price, c.Order.OrderBookID, limitDown)
	}
	return nil
}

func priceBand(c *Check) (up, down decimal.Decimal) {
	if c.Tick != nil {
		return c.Tick.LimitUp, c.Tick.LimitDown
	}
	if c.Bar != nil {
		return c.Bar.LimitUp, c.Bar.LimitDown
	}
	return decimal.Zero, decimal.Zero
}

// RoundLotValidator enforces whole lots. A sell that closes the entire
// holding may carry an odd lot.
type RoundLotValidator struct{}

func (RoundLotValidator) Name() string { return CheckRoundLot }

func (RoundLotValidator) ValidateOrder(_ context.Context, c *Check) *Rejection {
	qty := c.Order.Quantity
	if qty <= 0 {
		return reject(CheckRoundLot, "Order Rejected: quantity of %s must be positive, got %d.", c.Order.OrderBookID, qty)
	}
	lot := c.Instrument.Lot()
	if qty%lot == 0 {
		return nil
	}
	if !c.Instrument.IsFuture() && c.Order.Side == model.SideSell && c.Account != nil {
		if pos, ok := c.Account.StockPosition(c.Order.OrderBookID); ok && pos.Quantity == qty {
			return nil
		}
	}
	return reject(CheckRoundLot, "Order Rejected: %s amount must be a multiple of round lot %d, got %d.", c.Order.OrderBookID, lot, qty)
}

// CashValidator checks buys and future opens against free cash, including
// the estimated commission.
type CashValidator struct{}

func (CashValidator) Name() string { return CheckCash }

func (CashValidator) ValidateOrder(_ context.Context, c *Check) *Rejection {
	need := c.Account.RequiredCash(c.Order, c.Instrument, c.Order.FrozenPrice)
	if !need.IsPositive() {
		return nil
	}
	if cash := c.Account.Cash(); need.GreaterThan(cash) {
		return reject(CheckCash, "Order Rejected: not enough money to buy %s, needs %s, cash %s.", c.Order.OrderBookID, need.StringFixed(2), cash.StringFixed(2))
	}
	return nil
}

// PositionValidator checks stock sells against sellable quantity and future
// closes against closable quantity.
type PositionValidator struct{}

func (PositionValidator) Name() string { return CheckPosition }

func (PositionValidator) ValidateOrder(_ context.Context, c *Check) *Rejection {
	o := c.Order
	if c.Instrument.IsFuture() {
		if o.PositionEffect == model.EffectOpen {
			return nil
		}
		if closable := c.Account.Closable(o.OrderBookID, o.Side, o.PositionEffect); o.Quantity > closable {
			return reject(CheckPosition, "Order Rejected: not enough closable quantity of %s, requested %d, closable %d.", o.OrderBookID, o.Quantity, closable)
		}
		return nil
	}
	if o.Side != model.SideSell {
		return nil
	}
	if sellable := c.Account.Sellable(o.OrderBookID); o.Quantity > sellable {
		return reject(CheckPosition, "Order Rejected: not enough sellable quantity of %s, requested %d, sellable %d.", o.OrderBookID, o.Quantity, sellable)
	}
	return nil
}

// VolumeValidator caps an order at a share of the bar's traded volume.
// Volume already used by earlier fills in the same bar counts against it.
type VolumeValidator struct {
	Percent decimal.Decimal
	used    func(orderBookID string) int64
	volume  func(c *Check) int64
}

func (VolumeValidator) Name() string { return CheckVolume }

func (v VolumeValidator) ValidateOrder(_ context.Context, c *Check) *Rejection {
	volume := v.volume(c)
	limit := decimal.NewFromInt(volume).Mul(v.Percent).Floor().IntPart() - v.used(c.Order.OrderBookID)
	if c.Order.UnfilledQuantity() > limit {
		return reject(CheckVolume, "Order Rejected: %s quantity %d exceeds %s of bar volume %d.",
			c.Order.OrderBookID, c.Order.UnfilledQuantity(), v.Percent.String(), volume)
	}
	return nil
}

// DefaultValidators are the submission checks, in the order they run
func DefaultValidators() []OrderValidator {
	return []OrderValidator{
		TradingStatusValidator{},
		PriceLimitValidator{},
		RoundLotValidator{},
		CashValidator{},
		PositionValidator{},
	}
}
