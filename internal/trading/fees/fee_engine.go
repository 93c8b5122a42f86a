// Package fees holds the pricing deciders: slippage, commission and tax.
// Each decider is a pure function of a trade and configured rates.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// Commission charging modes for futures
const (
	ByMoney  = "by_money"
	ByVolume = "by_volume"
)

// Slippage models
const (
	SlippagePriceRatio = "price_ratio"
	SlippageTickSize   = "tick_size"
)

// Config holds every rate the deciders need
type Config struct {
	// Stocks
	StockCommissionRate  decimal.Decimal `yaml:"stock_commission_rate"`
	StockMinCommission   decimal.Decimal `yaml:"stock_min_commission"`
	StockTaxRate         decimal.Decimal `yaml:"stock_tax_rate"`
	CommissionMultiplier decimal.Decimal `yaml:"commission_multiplier"`

	// Futures
	FutureCommissionType string          `yaml:"future_commission_type"`
	FutureOpenRate       decimal.Decimal `yaml:"future_open_rate"`
	FutureCloseRate      decimal.Decimal `yaml:"future_close_rate"`
	FutureCloseTodayRate decimal.Decimal `yaml:"future_close_today_rate"`

	// Slippage
	SlippageModel string          `yaml:"slippage_model"`
	Slippage      decimal.Decimal `yaml:"slippage"`
}

// DefaultConfig returns A-share style stock rates and by-money future rates
func DefaultConfig() Config {
	return Config{
		StockCommissionRate:  decimal.RequireFromString("0.0008"),
		StockMinCommission:   decimal.NewFromInt(5),
		StockTaxRate:         decimal.RequireFromString("0.001"),
		CommissionMultiplier: decimal.NewFromInt(1),
		FutureCommissionType: ByMoney,
		FutureOpenRate:       decimal.RequireFromString("0.000023"),
		FutureCloseRate:      decimal.RequireFromString("0.000023"),
		FutureCloseTodayRate: decimal.RequireFromString("0.000345"),
		SlippageModel:        SlippagePriceRatio,
		Slippage:             decimal.Zero,
	}
}

// Validate rejects rates that cannot describe a market
func (c Config) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"stock_commission_rate":   c.StockCommissionRate,
		"stock_min_commission":    c.StockMinCommission,
		"stock_tax_rate":          c.StockTaxRate,
		"commission_multiplier":   c.CommissionMultiplier,
		"future_open_rate":        c.FutureOpenRate,
		"future_close_rate":       c.FutureCloseRate,
		"future_close_today_rate": c.FutureCloseTodayRate,
	} {
		if v.IsNegative() {
			return errors.Invalid.Explain("%s must not be negative, got %s", name, v)
		}
	}
	if c.FutureCommissionType != ByMoney && c.FutureCommissionType != ByVolume {
		return errors.Invalid.Explain("unknown future commission type %q", c.FutureCommissionType)
	}
	switch c.SlippageModel {
	case SlippagePriceRatio:
		if c.Slippage.IsNegative() || c.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return errors.Invalid.Explain("slippage rate must be in [0, 1), got %s", c.Slippage)
		}
	case SlippageTickSize:
		if c.Slippage.IsNegative() {
			return errors.Invalid.Explain("slippage ticks must not be negative, got %s", c.Slippage)
		}
	default:
		return errors.Invalid.Explain("unknown slippage model %q", c.SlippageModel)
	}
	return nil
}

// CommissionDecider prices the commission of one trade
type CommissionDecider interface {
	Commission(trade *model.Trade, ins *model.Instrument) decimal.Decimal
}

// TaxDecider prices the tax of one trade
type TaxDecider interface {
	Tax(trade *model.Trade, ins *model.Instrument) decimal.Decimal
}

// SlippageDecider turns a reference price into an execution price
type SlippageDecider interface {
	Apply(side model.Side, price decimal.Decimal, ins *model.Instrument) decimal.Decimal
}

// Deciders is the cost pair selected once for an account kind
type Deciders struct {
	Commission CommissionDecider
	Tax        TaxDecider
}

// TransactionCost is commission plus tax for trade
func (d Deciders) TransactionCost(trade *model.Trade, ins *model.Instrument) (commission, tax decimal.Decimal) {
	return d.Commission.Commission(trade, ins), d.Tax.Tax(trade, ins)
}

// StockDeciders returns the stock commission and tax deciders
func StockDeciders(cfg Config) Deciders {
	return Deciders{
		Commission: &StockCommission{Rate: cfg.StockCommissionRate, Minimum: cfg.StockMinCommission, Multiplier: cfg.CommissionMultiplier},
		Tax:        &StockTax{Rate: cfg.StockTaxRate},
	}
}

// FutureDeciders returns the future commission decider and a zero tax
func FutureDeciders(cfg Config) Deciders {
	return Deciders{
		Commission: &FutureCommission{
			Type:           cfg.FutureCommissionType,
			OpenRate:       cfg.FutureOpenRate,
			CloseRate:      cfg.FutureCloseRate,
			CloseTodayRate: cfg.FutureCloseTodayRate,
			Multiplier:     cfg.CommissionMultiplier,
		},
		Tax: FutureTax{},
	}
}

// NoCost charges nothing, used by the benchmark account
func NoCost() Deciders {
	return Deciders{Commission: zeroCost{}, Tax: FutureTax{}}
}

// StockCommission charges rate*value with a per-order floor
type StockCommission struct {
	Rate       decimal.Decimal
	Minimum    decimal.Decimal
	Multiplier decimal.Decimal
}

func (c *StockCommission) Commission(trade *model.Trade, _ *model.Instrument) decimal.Decimal {
	value := trade.Price.Mul(decimal.NewFromInt(trade.Quantity))
	commission := value.Mul(c.Rate)
	if !c.Multiplier.IsZero() {
		commission = commission.Mul(c.Multiplier)
	}
	if commission.IsZero() && c.Rate.IsZero() {
		return decimal.Zero
	}
	return decimal.Max(commission, c.Minimum)
}

// StockTax is stamp duty, charged on sells only
type StockTax struct {
	Rate decimal.Decimal
}

func (t *StockTax) Tax(trade *model.Trade, _ *model.Instrument) decimal.Decimal {
	if trade.Side != model.SideSell {
		return decimal.Zero
	}
	return trade.Price.Mul(decimal.NewFromInt(trade.Quantity)).Mul(t.Rate)
}

// FutureCommission charges by notional or by lots, with separate rates for
// opening, closing old holdings and closing today's holdings.
type FutureCommission struct {
	Type           string
	OpenRate       decimal.Decimal
	CloseRate      decimal.Decimal
	CloseTodayRate decimal.Decimal
	Multiplier     decimal.Decimal
}

func (c *FutureCommission) Commission(trade *model.Trade, ins *model.Instrument) decimal.Decimal {
	base := func(qty int64) decimal.Decimal {
		q := decimal.NewFromInt(qty)
		if c.Type == ByVolume {
			return q
		}
		return trade.Price.Mul(q).Mul(ins.Multiplier())
	}

	var commission decimal.Decimal
	if trade.PositionEffect == model.EffectOpen {
		commission = base(trade.Quantity).Mul(c.OpenRate)
	} else {
		oldQty := trade.Quantity - trade.CloseTodayQuantity
		commission = base(oldQty).Mul(c.CloseRate).Add(base(trade.CloseTodayQuantity).Mul(c.CloseTodayRate))
	}
	if !c.Multiplier.IsZero() {
		commission = commission.Mul(c.Multiplier)
	}
	return commission
}

// FutureTax is always zero
type FutureTax struct{}

func (FutureTax) Tax(*model.Trade, *model.Instrument) decimal.Decimal {
	return decimal.Zero
}

type zeroCost struct{}

func (zeroCost) Commission(*model.Trade, *model.Instrument) decimal.Decimal {
	return decimal.Zero
}

// NewSlippage builds the configured slippage decider
func NewSlippage(cfg Config) (SlippageDecider, error) {
	switch cfg.SlippageModel {
	case SlippagePriceRatio, "":
		return &PriceRatioSlippage{Rate: cfg.Slippage}, nil
	case SlippageTickSize:
		return &TickSizeSlippage{Ticks: cfg.Slippage}, nil
	}
	return nil, errors.Invalid.Explain("unknown slippage model %q", cfg.SlippageModel)
}

// PriceRatioSlippage moves the price against the trader by a fixed ratio
type PriceRatioSlippage struct {
	Rate decimal.Decimal
}

func (s *PriceRatioSlippage) Apply(side model.Side, price decimal.Decimal, _ *model.Instrument) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == model.SideBuy {
		return price.Mul(one.Add(s.Rate))
	}
	return price.Mul(one.Sub(s.Rate))
}

// TickSizeSlippage moves the price against the trader by whole ticks
type TickSizeSlippage struct {
	Ticks decimal.Decimal
}

func (s *TickSizeSlippage) Apply(side model.Side, price decimal.Decimal, ins *model.Instrument) decimal.Decimal {
	tick := ins.TickSize
	if !tick.IsPositive() {
		tick = decimal.RequireFromString("0.01")
	}
	delta := tick.Mul(s.Ticks)
	if side == model.SideBuy {
		return price.Add(delta)
	}
	adjusted := price.Sub(delta)
	if !adjusted.IsPositive() {
		return price
	}
	return adjusted
}

func (d Deciders) String() string {
	return fmt.Sprintf("commission=%T tax=%T", d.Commission, d.Tax)
}
