package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
)

// orderTransitions lists every legal status change. Anything else is rejected.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingNew: {OrderStatusActive, OrderStatusRejected},
	OrderStatusActive:     {OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
}

// OrderStyle is the pricing style of an order
type OrderStyle struct {
	Type       OrderType
	LimitPrice decimal.Decimal
}

// MarketOrder fills at whatever the matcher's reference price is
func MarketOrder() OrderStyle {
	return OrderStyle{Type: OrderTypeMarket}
}

// LimitOrder fills only at price or better
func LimitOrder(price decimal.Decimal) OrderStyle {
	return OrderStyle{Type: OrderTypeLimit, LimitPrice: price}
}

// Order is a strategy's intent, mutated only by the matching engine
type Order struct {
	ID              int64           `json:"order_id"`
	OrderBookID     string          `json:"order_book_id"`
	Side            Side            `json:"side"`
	PositionEffect  PositionEffect  `json:"position_effect"`
	Type            OrderType       `json:"type"`
	Price           decimal.Decimal `json:"price"` // limit price, zero for market orders
	Quantity        int64           `json:"quantity"`
	FilledQuantity  int64           `json:"filled_quantity"`
	Status          OrderStatus     `json:"status"`
	RejectReason    string          `json:"reject_reason,omitempty"`
	FrozenPrice     decimal.Decimal `json:"frozen_price"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	TransactionCost decimal.Decimal `json:"transaction_cost"`
	CalendarDT      time.Time       `json:"calendar_dt"`
	TradingDT       time.Time       `json:"trading_dt"`
}

// NewOrder builds a PENDING_NEW order. Stock orders carry no position effect.
func NewOrder(id int64, orderBookID string, quantity int64, side Side, effect PositionEffect, style OrderStyle, calendarDT, tradingDT time.Time) *Order {
	return &Order{
		ID:             id,
		OrderBookID:    orderBookID,
		Side:           side,
		PositionEffect: effect,
		Type:           style.Type,
		Price:          style.LimitPrice,
		Quantity:       quantity,
		Status:         OrderStatusPendingNew,
		CalendarDT:     calendarDT,
		TradingDT:      tradingDT,
	}
}

// IsFinal reports whether the order reached a terminal status
func (o *Order) IsFinal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsLimit reports whether the order carries a limit price
func (o *Order) IsLimit() bool {
	return o.Type == OrderTypeLimit
}

// UnfilledQuantity is quantity minus what already traded
func (o *Order) UnfilledQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

func (o *Order) transition(to OrderStatus) error {
	for _, next := range orderTransitions[o.Status] {
		if next == to {
			o.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: order %d %s -> %s", ErrInvalidTransition, o.ID, o.Status, to)
}

// Activate moves a validated order onto the book
func (o *Order) Activate() error {
	return o.transition(OrderStatusActive)
}

// Reject terminates the order with a reason
func (o *Order) Reject(reason string) error {
	if err := o.transition(OrderStatusRejected); err != nil {
		return err
	}
	o.RejectReason = reason
	return nil
}

// Cancel terminates an active order on request
func (o *Order) Cancel() error {
	return o.transition(OrderStatusCancelled)
}

// Fill records a trade against the order. Orders fill in one pass, so the
// trade quantity has to cover the whole unfilled amount.
func (o *Order) Fill(trade *Trade) error {
	if o.Status != OrderStatusActive {
		return fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, o.ID, o.Status)
	}
	if trade.Quantity <= 0 || trade.Quantity > o.UnfilledQuantity() {
		return fmt.Errorf("%w: order %d unfilled %d, trade %d", ErrInvalidFill, o.ID, o.UnfilledQuantity(), trade.Quantity)
	}
	filledBefore := decimal.NewFromInt(o.FilledQuantity)
	qty := decimal.NewFromInt(trade.Quantity)
	o.AvgPrice = o.AvgPrice.Mul(filledBefore).Add(trade.Price.Mul(qty)).Div(filledBefore.Add(qty))
	o.FilledQuantity += trade.Quantity
	o.TransactionCost = o.TransactionCost.Add(trade.TransactionCost())
	if o.UnfilledQuantity() == 0 {
		return o.transition(OrderStatusFilled)
	}
	return nil
}

// IDGenerator hands out deterministic, strictly increasing identifiers.
type IDGenerator struct {
	last int64
}

// Next returns the next identifier
func (g *IDGenerator) Next() int64 {
	g.last++
	return g.last
}

// Last returns the most recently issued identifier
func (g *IDGenerator) Last() int64 {
	return g.last
}

// Reset continues numbering after last, used when resuming a run
func (g *IDGenerator) Reset(last int64) {
	g.last = last
}
