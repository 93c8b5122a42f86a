package accounts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/fees"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
	"github.com/Aidin1998/pincex_backtest/pkg/metrics"
)

// daysPerYear annualizes portfolio returns by calendar days
const daysPerYear = 365.0

// PortfolioConfig lists the trading accounts and an optional benchmark
type PortfolioConfig struct {
	StartDate time.Time
	Accounts  []Config
	// Benchmark is the order_book_id tracked by the benchmark account
	Benchmark string
}

// AccountSnapshot is one account's figures at settlement
type AccountSnapshot struct {
	Kind        Kind            `json:"kind" yaml:"kind"`
	Cash        decimal.Decimal `json:"cash" yaml:"cash"`
	FrozenCash  decimal.Decimal `json:"frozen_cash" yaml:"frozen_cash"`
	MarketValue decimal.Decimal `json:"market_value" yaml:"market_value"`
	Margin      decimal.Decimal `json:"margin" yaml:"margin"`
	TotalValue  decimal.Decimal `json:"total_value" yaml:"total_value"`
}

// PositionSnapshot is one position at settlement. Futures report one row per
// non-empty direction.
type PositionSnapshot struct {
	OrderBookID string          `json:"order_book_id" yaml:"order_book_id"`
	Account     Kind            `json:"account" yaml:"account"`
	Direction   Direction       `json:"direction" yaml:"direction"`
	Quantity    int64           `json:"quantity" yaml:"quantity"`
	Closable    int64           `json:"closable" yaml:"closable"`
	AvgPrice    decimal.Decimal `json:"avg_price" yaml:"avg_price"`
	LastPrice   decimal.Decimal `json:"last_price" yaml:"last_price"`
	MarketValue decimal.Decimal `json:"market_value" yaml:"market_value"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" yaml:"realized_pnl"`
}

// PortfolioSnapshot is the portfolio as recorded at the end of one trading day
type PortfolioSnapshot struct {
	Date              time.Time       `json:"date" yaml:"date"`
	Cash              decimal.Decimal `json:"cash" yaml:"cash"`
	FrozenCash        decimal.Decimal `json:"frozen_cash" yaml:"frozen_cash"`
	MarketValue       decimal.Decimal `json:"market_value" yaml:"market_value"`
	TotalValue        decimal.Decimal `json:"total_value" yaml:"total_value"`
	StaticValue       decimal.Decimal `json:"static_value" yaml:"static_value"`
	TransactionCost   decimal.Decimal `json:"transaction_cost" yaml:"transaction_cost"`
	DailyPnL          decimal.Decimal `json:"daily_pnl" yaml:"daily_pnl"`
	DailyReturns      decimal.Decimal `json:"daily_returns" yaml:"daily_returns"`
	TotalReturns      decimal.Decimal `json:"total_returns" yaml:"total_returns"`
	AnnualizedReturns decimal.Decimal `json:"annualized_returns" yaml:"annualized_returns"`

	HasBenchmark          bool            `json:"has_benchmark" yaml:"has_benchmark"`
	BenchmarkValue        decimal.Decimal `json:"benchmark_value" yaml:"benchmark_value"`
	BenchmarkDailyReturns decimal.Decimal `json:"benchmark_daily_returns" yaml:"benchmark_daily_returns"`
	BenchmarkTotalReturns decimal.Decimal `json:"benchmark_total_returns" yaml:"benchmark_total_returns"`

	Accounts  []AccountSnapshot  `json:"accounts" yaml:"accounts"`
	Positions []PositionSnapshot `json:"positions" yaml:"positions"`
}

// Portfolio aggregates the trading accounts and the benchmark and turns each
// settlement into returns.
type Portfolio struct {
	logger *zap.Logger
	data   marketdata.Port

	accounts  []*Account // stock before future
	benchmark *Account

	startDate    time.Time
	startingCash decimal.Decimal
	staticValue  decimal.Decimal
	last         *PortfolioSnapshot
}

// NewPortfolio creates the accounts named by cfg
func NewPortfolio(cfg PortfolioConfig, feeCfg fees.Config, data marketdata.Port, logger *zap.Logger) (*Portfolio, error) {
	if len(cfg.Accounts) == 0 {
		return nil, errors.Invalid.Explain("portfolio needs at least one account")
	}
	p := &Portfolio{
		logger:       logger.Named("portfolio"),
		data:         data,
		startDate:    model.TruncateDay(cfg.StartDate),
		startingCash: decimal.Zero,
	}

	seen := make(map[Kind]bool)
	for _, ac := range cfg.Accounts {
		if ac.Kind == KindBenchmark {
			return nil, errors.Invalid.Explain("benchmark is configured by order_book_id, not as an account")
		}
		if seen[ac.Kind] {
			return nil, errors.Invalid.Explain("duplicate %s account", ac.Kind)
		}
		seen[ac.Kind] = true
		acct, err := NewAccount(ac, feeCfg, data, logger)
		if err != nil {
			return nil, err
		}
		p.startingCash = p.startingCash.Add(ac.StartingCash)
		p.accounts = append(p.accounts, acct)
	}
	if !p.startingCash.IsPositive() {
		return nil, errors.Invalid.Explain("total starting cash must be positive, got %s", p.startingCash)
	}
	// stock account first keeps iteration deterministic
	if len(p.accounts) == 2 && p.accounts[0].kind == KindFuture {
		p.accounts[0], p.accounts[1] = p.accounts[1], p.accounts[0]
	}

	if cfg.Benchmark != "" {
		if _, err := data.Instrument(cfg.Benchmark); err != nil {
			return nil, errors.Invalid.Explain("benchmark %s", cfg.Benchmark).Wrap(err)
		}
		bench, err := NewAccount(Config{Kind: KindBenchmark, StartingCash: p.startingCash, BenchmarkID: cfg.Benchmark}, fees.Config{}, data, logger)
		if err != nil {
			return nil, err
		}
		p.benchmark = bench
	}
	p.staticValue = p.startingCash
	return p, nil
}

// Accounts returns the trading accounts, stock first
func (p *Portfolio) Accounts() []*Account {
	return append([]*Account(nil), p.accounts...)
}

// Account returns the account of a kind
func (p *Portfolio) Account(kind Kind) (*Account, bool) {
	if kind == KindBenchmark {
		return p.benchmark, p.benchmark != nil
	}
	for _, a := range p.accounts {
		if a.kind == kind {
			return a, true
		}
	}
	return nil, false
}

// AccountFor returns the account an instrument trades in
func (p *Portfolio) AccountFor(ins *model.Instrument) (*Account, bool) {
	if ins.IsFuture() {
		return p.Account(KindFuture)
	}
	return p.Account(KindStock)
}

// BenchmarkID is the tracked benchmark instrument, empty without one
func (p *Portfolio) BenchmarkID() string {
	if p.benchmark == nil {
		return ""
	}
	return p.benchmark.benchmark.OrderBookID
}

func (p *Portfolio) StartDate() time.Time { return p.startDate }
func (p *Portfolio) StartingCash() decimal.Decimal { return p.startingCash }
func (p *Portfolio) StaticValue() decimal.Decimal { return p.staticValue }

// LastSnapshot is the snapshot of the latest settlement, nil before the first
func (p *Portfolio) LastSnapshot() *PortfolioSnapshot {
	return p.last
}

// TotalValue sums the trading accounts
func (p *Portfolio) TotalValue() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.accounts {
		total = total.Add(a.TotalValue())
	}
	return total
}

// Cash sums the free cash of the trading accounts
func (p *Portfolio) Cash() decimal.Decimal {
	cash := decimal.Zero
	for _, a := range p.accounts {
		cash = cash.Add(a.Cash())
	}
	return cash
}

// MarketValue sums the signed market value of every position
func (p *Portfolio) MarketValue() decimal.Decimal {
	mv := decimal.Zero
	for _, a := range p.accounts {
		mv = mv.Add(a.MarketValue())
	}
	return mv
}

func (p *Portfolio) accountForOrder(orderBookID string) (*Account, error) {
	ins, err := p.data.Instrument(orderBookID)
	if err != nil {
		return nil, err
	}
	acct, ok := p.AccountFor(ins)
	if !ok {
		return nil, errors.NotFound.Explain("no account trades %s", orderBookID)
	}
	return acct, nil
}

// Subscribe registers the ledger handlers on bus
func (p *Portfolio) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.KindPreBeforeTrading, "portfolio", func(_ context.Context, ev *events.Event) (events.Result, error) {
		return events.Continue, p.OnBeforeTrading(ev.TradingDate())
	})
	bus.Subscribe(events.KindPreBar, "portfolio", func(_ context.Context, ev *events.Event) (events.Result, error) {
		for _, a := range p.allAccounts() {
			a.UpdateBarPrices(ev.Bars)
		}
		return events.Continue, nil
	})
	bus.Subscribe(events.KindPreTick, "portfolio", func(_ context.Context, ev *events.Event) (events.Result, error) {
		if ev.Tick != nil {
			for _, a := range p.allAccounts() {
				a.UpdateTickPrice(ev.Tick)
			}
		}
		return events.Continue, nil
	})
	bus.Subscribe(events.KindOrderPendingNew, "portfolio", func(_ context.Context, ev *events.Event) (events.Result, error) {
		acct, err := p.accountForOrder(ev.Order.OrderBookID)
		if err != nil {
			return events.Continue, err
		}
		return events.Continue, acct.OnOrderPendingNew(ev.Order)
	})
	release := func(_ context.Context, ev *events.Event) (events.Result, error) {
		acct, err := p.accountForOrder(ev.Order.OrderBookID)
		if err != nil {
			// orders rejected for an unknown instrument never reserved anything
			return events.Continue, nil
		}
		if ev.Order.Status == model.OrderStatusFilled {
			return events.Continue, nil
		}
		return events.Continue, acct.OnOrderRejectOrCancel(ev.Order)
	}
	bus.Subscribe(events.KindOrderCreationReject, "portfolio", release)
	bus.Subscribe(events.KindOrderCancellationPass, "portfolio", release)
	bus.Subscribe(events.KindOrderUnsolicitedUpdate, "portfolio", release)
	bus.Subscribe(events.KindTrade, "portfolio", func(_ context.Context, ev *events.Event) (events.Result, error) {
		acct, err := p.accountForOrder(ev.Trade.OrderBookID)
		if err != nil {
			return events.Continue, err
		}
		return events.Continue, acct.OnTrade(ev.Trade)
	})
	bus.Subscribe(events.KindAfterTrading, "portfolio", func(_ context.Context, ev *events.Event) (events.Result, error) {
		return events.Continue, p.OnAfterTrading(ev.TradingDate())
	})
	bus.Subscribe(events.KindSettlement, "portfolio", func(_ context.Context, ev *events.Event) (events.Result, error) {
		_, err := p.OnSettlement(ev.TradingDate())
		return events.Continue, err
	})
}

func (p *Portfolio) allAccounts() []*Account {
	if p.benchmark == nil {
		return p.accounts
	}
	return append(append([]*Account(nil), p.accounts...), p.benchmark)
}

// OnBeforeTrading runs the before trading handler of every account
func (p *Portfolio) OnBeforeTrading(date time.Time) error {
	for _, a := range p.accounts {
		if err := a.OnBeforeTrading(date); err != nil {
			return fmt.Errorf("%s account before trading: %w", a.kind, err)
		}
	}
	return nil
}

// OnAfterTrading runs the after trading handler of every account
func (p *Portfolio) OnAfterTrading(date time.Time) error {
	for _, a := range p.accounts {
		if err := a.OnAfterTrading(date); err != nil {
			return fmt.Errorf("%s account after trading: %w", a.kind, err)
		}
	}
	return nil
}

// OnSettlement settles every account, checks the ledger invariants and
// records the day's snapshot.
func (p *Portfolio) OnSettlement(date time.Time) (*PortfolioSnapshot, error) {
	start := time.Now()
	defer func() {
		metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	day := model.TruncateDay(date)
	static := p.staticValue
	cost := decimal.Zero
	for _, a := range p.accounts {
		for _, pos := range a.stocks {
			cost = cost.Add(pos.DayTransactionCost)
		}
		for _, pos := range a.futures {
			cost = cost.Add(pos.Long.DayTransactionCost).Add(pos.Short.DayTransactionCost)
		}
	}

	for _, a := range p.accounts {
		if err := a.OnSettlement(day); err != nil {
			return nil, fmt.Errorf("%s account settlement: %w", a.kind, err)
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%s account after settlement: %w", a.kind, err)
		}
	}

	value := p.TotalValue()
	snap := &PortfolioSnapshot{
		Date:            day,
		Cash:            p.Cash(),
		MarketValue:     p.MarketValue(),
		TotalValue:      value,
		StaticValue:     static,
		TransactionCost: cost,
		DailyPnL:        value.Sub(static),
		TotalReturns:    value.Div(p.startingCash).Sub(decimal.NewFromInt(1)),
	}
	if !static.IsZero() {
		snap.DailyReturns = snap.DailyPnL.Div(static)
	}
	snap.AnnualizedReturns = annualize(snap.TotalReturns, p.startDate, day)

	if p.benchmark != nil {
		benchStatic := p.benchmark.StaticTotalValue()
		if err := p.benchmark.OnSettlement(day); err != nil {
			return nil, fmt.Errorf("benchmark settlement: %w", err)
		}
		benchValue := p.benchmark.TotalValue()
		snap.HasBenchmark = true
		snap.BenchmarkValue = benchValue
		if !benchStatic.IsZero() {
			snap.BenchmarkDailyReturns = benchValue.Div(benchStatic).Sub(decimal.NewFromInt(1))
		}
		snap.BenchmarkTotalReturns = benchValue.Div(p.startingCash).Sub(decimal.NewFromInt(1))
	}

	for _, a := range p.accounts {
		snap.FrozenCash = snap.FrozenCash.Add(a.FrozenCash())
		snap.Accounts = append(snap.Accounts, AccountSnapshot{
			Kind:        a.kind,
			Cash:        a.Cash(),
			FrozenCash:  a.FrozenCash(),
			MarketValue: a.MarketValue(),
			Margin:      a.Margin(),
			TotalValue:  a.TotalValue(),
		})
		snap.Positions = append(snap.Positions, a.positionSnapshots()...)
	}

	p.staticValue = value
	p.last = snap

	metrics.TradingDaysProcessed.Inc()
	metrics.PortfolioValue.Set(value.InexactFloat64())
	p.logger.Info("Settled",
		zap.Time("date", day),
		zap.String("total_value", value.String()),
		zap.String("daily_pnl", snap.DailyPnL.String()),
		zap.String("total_returns", snap.TotalReturns.StringFixed(6)))
	return snap, nil
}

// annualize compounds total returns over calendar days since start, counting
// the start date itself.
func annualize(total decimal.Decimal, start, date time.Time) decimal.Decimal {
	days := math.Floor(date.Sub(start).Hours()/24) + 1
	if days <= 0 {
		return decimal.Zero
	}
	base := 1 + total.InexactFloat64()
	if base <= 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromFloat(math.Pow(base, daysPerYear/days) - 1)
}

func (a *Account) positionSnapshots() []PositionSnapshot {
	var out []PositionSnapshot
	for _, id := range sortedKeys(a.stocks) {
		pos := a.stocks[id]
		if pos.Quantity == 0 {
			continue
		}
		out = append(out, PositionSnapshot{
			OrderBookID: id,
			Account:     a.kind,
			Direction:   DirectionLong,
			Quantity:    pos.Quantity,
			Closable:    pos.Sellable(),
			AvgPrice:    pos.AvgPrice,
			LastPrice:   pos.LastPrice,
			MarketValue: pos.MarketValue(),
			RealizedPnL: pos.RealizedPnL,
		})
	}
	for _, id := range sortedKeys(a.futures) {
		pos := a.futures[id]
		for _, dir := range []Direction{DirectionLong, DirectionShort} {
			leg := pos.Leg(dir)
			if leg.Quantity() == 0 {
				continue
			}
			mv := pos.LastPrice.Mul(decimal.NewFromInt(leg.Quantity())).Mul(pos.Multiplier)
			if dir == DirectionShort {
				mv = mv.Neg()
			}
			out = append(out, PositionSnapshot{
				OrderBookID: id,
				Account:     a.kind,
				Direction:   dir,
				Quantity:    leg.Quantity(),
				Closable:    leg.Closable(),
				AvgPrice:    leg.AvgPrice(pos.Multiplier),
				LastPrice:   pos.LastPrice,
				MarketValue: mv,
				RealizedPnL: leg.RealizedPnL,
			})
		}
	}
	return out
}
