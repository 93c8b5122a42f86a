package accounts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// AccountState is the persisted form of an Account
type AccountState struct {
	Kind             Kind                 `json:"kind"`
	StartingCash     decimal.Decimal      `json:"starting_cash"`
	Cash             decimal.Decimal      `json:"cash"`
	FrozenCash       decimal.Decimal      `json:"frozen_cash"`
	StaticTotalValue decimal.Decimal      `json:"static_total_value"`
	Reservations     []Reservation        `json:"reservations,omitempty"`
	Stocks           []StockPosition      `json:"stocks,omitempty"`
	Receivables      []DividendReceivable `json:"receivables,omitempty"`
	Futures          []FuturePosition     `json:"futures,omitempty"`
	Benchmark        *BenchmarkHolding    `json:"benchmark,omitempty"`
}

// PortfolioState is the persisted form of a Portfolio
type PortfolioState struct {
	StartDate    time.Time          `json:"start_date"`
	StartingCash decimal.Decimal    `json:"starting_cash"`
	StaticValue  decimal.Decimal    `json:"static_value"`
	Accounts     []AccountState     `json:"accounts"`
	Benchmark    *AccountState      `json:"benchmark,omitempty"`
	Last         *PortfolioSnapshot `json:"last,omitempty"`
}

// State captures the account in a deterministic order
func (a *Account) State() AccountState {
	st := AccountState{
		Kind:             a.kind,
		StartingCash:     a.startingCash,
		Cash:             a.cash,
		FrozenCash:       a.frozenCash,
		StaticTotalValue: a.staticTotalValue,
		Stocks:           a.StockPositions(),
		Receivables:      a.Receivables(),
		Futures:          a.FuturePositions(),
	}
	for _, id := range sortedKeys(a.reservations) {
		st.Reservations = append(st.Reservations, *a.reservations[id])
	}
	if a.benchmark != nil {
		b := *a.benchmark
		st.Benchmark = &b
	}
	return st
}

// Restore replaces the account's ledger with st
func (a *Account) Restore(st AccountState) error {
	if st.Kind != a.kind {
		return errors.Invalid.Explain("cannot restore %s state into a %s account", st.Kind, a.kind)
	}
	a.startingCash = st.StartingCash
	a.cash = st.Cash
	a.frozenCash = st.FrozenCash
	a.staticTotalValue = st.StaticTotalValue

	a.reservations = make(map[int64]*Reservation, len(st.Reservations))
	for _, res := range st.Reservations {
		r := res
		a.reservations[r.OrderID] = &r
	}
	a.stocks = make(map[string]*StockPosition, len(st.Stocks))
	for _, pos := range st.Stocks {
		p := pos
		a.stocks[p.OrderBookID] = &p
	}
	a.receivables = append([]DividendReceivable(nil), st.Receivables...)
	a.futures = make(map[string]*FuturePosition, len(st.Futures))
	for _, pos := range st.Futures {
		a.futures[pos.OrderBookID] = pos.clone()
	}
	if st.Benchmark != nil {
		if a.benchmark == nil {
			return errors.Invalid.Explain("benchmark holding restored into a %s account", a.kind)
		}
		b := *st.Benchmark
		a.benchmark = &b
	}
	return a.Validate()
}

// State captures the portfolio
func (p *Portfolio) State() PortfolioState {
	st := PortfolioState{
		StartDate:    p.startDate,
		StartingCash: p.startingCash,
		StaticValue:  p.staticValue,
		Last:         p.last,
	}
	for _, a := range p.accounts {
		st.Accounts = append(st.Accounts, a.State())
	}
	if p.benchmark != nil {
		b := p.benchmark.State()
		st.Benchmark = &b
	}
	return st
}

// Restore loads st into a portfolio built from the same configuration
func (p *Portfolio) Restore(st PortfolioState) error {
	if len(st.Accounts) != len(p.accounts) {
		return errors.Invalid.Explain("snapshot has %d accounts, portfolio has %d", len(st.Accounts), len(p.accounts))
	}
	if (st.Benchmark == nil) != (p.benchmark == nil) {
		return errors.Invalid.Explain("snapshot and portfolio disagree on the benchmark")
	}
	for i, as := range st.Accounts {
		if err := p.accounts[i].Restore(as); err != nil {
			return err
		}
	}
	if st.Benchmark != nil {
		if err := p.benchmark.Restore(*st.Benchmark); err != nil {
			return err
		}
	}
	p.startDate = st.StartDate
	p.startingCash = st.StartingCash
	p.staticValue = st.StaticValue
	p.last = st.Last
	return nil
}
