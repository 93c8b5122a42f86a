// Package backtest wires the kernel together: market data, ledger, matching
// engine, strategy, scheduler, executor, risk and reporting share one bus.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/executor"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/report"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/scheduler"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/strategy"
	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/analytics"
	"github.com/Aidin1998/pincex_backtest/internal/trading/engine"
	"github.com/Aidin1998/pincex_backtest/internal/trading/eventjournal"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/fees"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/internal/trading/persistence"
	"github.com/Aidin1998/pincex_backtest/internal/trading/repository"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// Config describes one run
type Config struct {
	// RunID is generated when left nil
	RunID     uuid.UUID
	Strategy  string
	StartDate time.Time
	EndDate   time.Time
	Frequency string
	Universe  []string
	Accounts  []accounts.Config
	Benchmark string
	// RiskFreeRate is the annual rate used for sharpe, sortino and alpha
	RiskFreeRate float64

	Fees      fees.Config
	Matching  engine.Config
	Scheduler scheduler.Config
}

// DefaultConfig is a daily stock run with one million in cash
func DefaultConfig() Config {
	return Config{
		Frequency: events.FrequencyDaily,
		Accounts:  []accounts.Config{{Kind: accounts.KindStock, StartingCash: decimal.NewFromInt(1000000)}},
		Fees:      fees.DefaultConfig(),
		Matching:  engine.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

func (c Config) validate() error {
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return errors.Invalid.Explain("start and end dates are required")
	}
	if c.EndDate.Before(c.StartDate) {
		return errors.Invalid.Explain("end date %s is before start date %s", c.EndDate.Format(time.DateOnly), c.StartDate.Format(time.DateOnly))
	}
	if len(c.Universe) == 0 {
		return errors.Invalid.Explain("universe is empty")
	}
	return nil
}

// Option adds an optional sink to a run
type Option func(*Backtest)

// WithJournal records every order and trade event in j
func WithJournal(j *eventjournal.FileJournal) Option {
	return func(b *Backtest) { b.journal = j }
}

// WithRepository stores each settled day and the final summary in repo
func WithRepository(repo *repository.ResultRepository) Option {
	return func(b *Backtest) { b.repo = repo }
}

// Backtest is one run of one strategy
type Backtest struct {
	logger *zap.Logger
	cfg    Config
	runID  uuid.UUID

	bus       *events.Bus
	portfolio *accounts.Portfolio
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	runner    *strategy.Runner
	executor  *executor.Executor
	risk      *analytics.RiskEngine
	collector *report.Collector

	journal *eventjournal.FileJournal
	repo    *repository.ResultRepository

	initialized bool
}

// New builds every component and subscribes them in dispatch order: ledger,
// matching, strategy, scheduler, then risk and reporting after settlement.
func New(cfg Config, s strategy.Strategy, data marketdata.Port, logger *zap.Logger, opts ...Option) (*Backtest, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	runID := cfg.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	logger = logger.With(zap.String("run_id", runID.String()))
	b := &Backtest{logger: logger.Named("backtest"), cfg: cfg, runID: runID}
	for _, opt := range opts {
		opt(b)
	}

	var err error
	b.portfolio, err = accounts.NewPortfolio(accounts.PortfolioConfig{
		StartDate: model.TruncateDay(cfg.StartDate),
		Accounts:  cfg.Accounts,
		Benchmark: cfg.Benchmark,
	}, cfg.Fees, data, logger)
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}
	b.bus = events.NewBus(logger)
	b.engine, err = engine.NewEngine(cfg.Matching, cfg.Fees, data, b.portfolio, b.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("matching engine: %w", err)
	}
	b.scheduler, err = scheduler.NewScheduler(cfg.Scheduler, data, logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	b.runner, err = strategy.NewRunner(cfg.Strategy, s, strategy.Deps{
		Engine:    b.engine,
		Portfolio: b.portfolio,
		Data:      data,
		Scheduler: b.scheduler,
	}, logger)
	if err != nil {
		return nil, err
	}
	src, err := executor.NewSimulationEventSource(executor.SourceConfig{
		Frequency: cfg.Frequency,
		Universe:  cfg.Universe,
		Sessions:  cfg.Scheduler.Sessions,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("event source: %w", err)
	}
	b.executor = executor.NewExecutor(b.bus, src, logger)
	b.risk = analytics.NewRiskEngine(logger)
	b.collector = report.NewCollector(logger)

	b.portfolio.Subscribe(b.bus)
	b.engine.Subscribe(b.bus)
	b.runner.Subscribe(b.bus)
	b.scheduler.Subscribe(b.bus)
	b.bus.Subscribe(events.KindPostSettlement, "risk", b.onSettled)
	b.collector.Subscribe(b.bus, b.portfolio, b.risk, b.engine)
	if b.repo != nil {
		b.bus.Subscribe(events.KindPostSettlement, "repository", b.storeDay)
	}
	if b.journal != nil {
		b.journal.Subscribe(b.bus)
	}
	return b, nil
}

// RunID identifies the run across snapshots, journal and repository
func (b *Backtest) RunID() uuid.UUID { return b.runID }

// Portfolio exposes the ledger, mostly for inspection after a run
func (b *Backtest) Portfolio() *accounts.Portfolio { return b.portfolio }

// Engine exposes the matching engine
func (b *Backtest) Engine() *engine.Engine { return b.engine }

// Risk exposes the risk engine
func (b *Backtest) Risk() *analytics.RiskEngine { return b.risk }

func (b *Backtest) meta() report.Meta {
	return report.Meta{
		RunID:     b.runID.String(),
		Strategy:  b.cfg.Strategy,
		Frequency: b.cfg.Frequency,
		Benchmark: b.cfg.Benchmark,
	}
}

// onSettled feeds the day's returns to the risk engine. A day the risk
// engine already holds is skipped.
func (b *Backtest) onSettled(_ context.Context, ev *events.Event) (events.Result, error) {
	snap := b.portfolio.LastSnapshot()
	if snap == nil || !model.SameDay(snap.Date, ev.TradingDate()) {
		b.logger.Warn("No portfolio snapshot for settled day", zap.Time("trading_date", ev.TradingDate()))
		return events.Continue, nil
	}
	if last := b.risk.Snapshot(); last != nil && !snap.Date.After(last.Date) {
		return events.Continue, nil
	}
	var bench float64
	if snap.HasBenchmark {
		bench = snap.BenchmarkDailyReturns.InexactFloat64()
	}
	if _, err := b.risk.Calculate(snap.Date, snap.DailyReturns.InexactFloat64(), bench, b.cfg.RiskFreeRate); err != nil {
		return events.Continue, fmt.Errorf("risk: %w", err)
	}
	return events.Continue, nil
}

func (b *Backtest) storeDay(ctx context.Context, ev *events.Event) (events.Result, error) {
	days := b.collector.Days()
	if len(days) == 0 {
		return events.Continue, nil
	}
	day := days[len(days)-1]
	if !model.SameDay(day.Date, ev.TradingDate()) {
		return events.Continue, nil
	}
	return events.Continue, b.repo.SaveDay(ctx, b.runID.String(), day)
}

// init calls the strategy's Init once per process
func (b *Backtest) init(ctx context.Context) error {
	if b.initialized {
		return nil
	}
	if b.repo != nil {
		if err := b.repo.StartRun(ctx, b.meta()); err != nil {
			return err
		}
	}
	start := model.TruncateDay(b.cfg.StartDate)
	sim := events.SimulationContext{CalendarDT: start, TradingDT: start, Frequency: b.cfg.Frequency}
	if err := b.runner.Init(ctx, sim); err != nil {
		return b.fail(ctx, err)
	}
	b.initialized = true
	b.logger.Info("Backtest initialized",
		zap.String("strategy", b.cfg.Strategy),
		zap.Time("start_date", b.cfg.StartDate),
		zap.Time("end_date", b.cfg.EndDate),
		zap.String("frequency", b.cfg.Frequency))
	return nil
}

func (b *Backtest) fail(ctx context.Context, err error) error {
	b.logger.Error("Backtest aborted", zap.Error(err))
	if b.repo != nil {
		if serr := b.repo.SetStatus(ctx, b.runID.String(), repository.RunStatusFailed); serr != nil {
			b.logger.Warn("Failed to mark run failed", zap.Error(serr))
		}
	}
	return err
}

// Run replays the remaining trading dates up to the end date, settles the
// last one and returns the report.
func (b *Backtest) Run(ctx context.Context) (*report.Report, error) {
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	started := time.Now()
	if err := b.executor.Run(ctx, b.cfg.StartDate, b.cfg.EndDate); err != nil {
		return nil, b.fail(ctx, err)
	}
	if err := b.executor.Flush(ctx); err != nil {
		return nil, b.fail(ctx, err)
	}
	rep := b.collector.Report(b.meta())
	if b.repo != nil {
		if err := b.repo.FinishRun(ctx, rep.Summary); err != nil {
			return nil, err
		}
	}
	b.logger.Info("Backtest finished",
		zap.Int("trading_days", rep.Summary.TradingDays),
		zap.String("final_value", rep.Summary.FinalValue.String()),
		zap.Duration("elapsed", time.Since(started)))
	return rep, nil
}

// Pause replays up to and including until, settles that day and captures the
// whole kernel state.
func (b *Backtest) Pause(ctx context.Context, until time.Time) (*persistence.Snapshot, error) {
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	if until.After(b.cfg.EndDate) {
		until = b.cfg.EndDate
	}
	if err := b.executor.Run(ctx, b.cfg.StartDate, until); err != nil {
		return nil, b.fail(ctx, err)
	}
	if err := b.executor.Flush(ctx); err != nil {
		return nil, b.fail(ctx, err)
	}
	snap := b.Snapshot()
	if b.repo != nil {
		if err := b.repo.SetStatus(ctx, b.runID.String(), repository.RunStatusPaused); err != nil {
			return nil, err
		}
	}
	b.logger.Info("Backtest paused", zap.Time("paused_at", snap.PausedAt))
	return snap, nil
}

// Snapshot captures the kernel state between two events
func (b *Backtest) Snapshot() *persistence.Snapshot {
	exec := b.executor.State()
	snap := &persistence.Snapshot{
		Version:   persistence.SnapshotVersion,
		RunID:     b.runID,
		PausedAt:  exec.LastBeforeTrading,
		Portfolio: b.portfolio.State(),
		Engine:    b.engine.State(),
		Risk:      b.risk.State(),
		Executor:  exec,
		Scheduler: b.scheduler.State(),
		Report:    b.collector.State(),
	}
	if b.journal != nil {
		snap.JournalSeq = b.journal.Seq()
	}
	return snap
}

// Resume loads snap into a freshly built run configured with the snapshot's
// run id. The strategy's Init runs first so its periodic tasks exist before
// their fired dates are restored. Call Run or Pause afterwards to continue.
func (b *Backtest) Resume(ctx context.Context, snap *persistence.Snapshot) error {
	if b.initialized {
		return errors.Invalid.Explain("resume needs a run that has not started")
	}
	if snap.Version != persistence.SnapshotVersion {
		return errors.Invalid.Explain("unsupported snapshot version %d, expected %d", snap.Version, persistence.SnapshotVersion)
	}
	if snap.RunID != b.runID {
		return errors.Invalid.Explain("snapshot belongs to run %s, not %s", snap.RunID, b.runID)
	}
	if err := b.init(ctx); err != nil {
		return err
	}
	if err := b.portfolio.Restore(snap.Portfolio); err != nil {
		return fmt.Errorf("restoring portfolio: %w", err)
	}
	if err := b.risk.Restore(snap.Risk); err != nil {
		return fmt.Errorf("restoring risk: %w", err)
	}
	b.engine.Restore(snap.Engine)
	b.scheduler.Restore(snap.Scheduler)
	b.executor.Restore(snap.Executor)
	b.collector.Restore(snap.Report)
	if b.journal != nil {
		b.journal.SetSeq(snap.JournalSeq)
	}
	b.logger.Info("Backtest resumed", zap.Time("paused_at", snap.PausedAt))
	return nil
}
