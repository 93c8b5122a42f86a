// Package strategy hosts user strategies: the callback interface, the order
// API handed to every callback, built-in strategies and a name registry.
package strategy

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/scheduler"
	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/engine"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// Strategy is the user code driven by the run. Any returned error or panic
// aborts the run.
type Strategy interface {
	Init(c *Context) error
	BeforeTrading(c *Context) error
	HandleBar(c *Context, bars map[string]*model.Bar) error
	HandleTick(c *Context, tick *model.Tick) error
	AfterTrading(c *Context) error
}

// Base implements every callback as a no-op. Embed it and override what the
// strategy needs.
type Base struct{}

func (Base) Init(*Context) error                             { return nil }
func (Base) BeforeTrading(*Context) error                    { return nil }
func (Base) HandleBar(*Context, map[string]*model.Bar) error { return nil }
func (Base) HandleTick(*Context, *model.Tick) error          { return nil }
func (Base) AfterTrading(*Context) error                     { return nil }

// Deps are the kernel components a strategy reaches through its Context
type Deps struct {
	Engine    *engine.Engine
	Portfolio *accounts.Portfolio
	Data      marketdata.Port
	Scheduler *scheduler.Scheduler
}

// Runner binds one strategy to the bus
type Runner struct {
	logger   *zap.Logger
	name     string
	strategy Strategy
	ctx      *Context
}

// NewRunner creates a runner for s. name labels errors and log lines.
func NewRunner(name string, s Strategy, deps Deps, logger *zap.Logger) (*Runner, error) {
	if s == nil {
		return nil, errors.Invalid.Explain("strategy %s is nil", name)
	}
	if deps.Engine == nil || deps.Portfolio == nil || deps.Data == nil || deps.Scheduler == nil {
		return nil, errors.Invalid.Explain("strategy %s is missing a kernel component", name)
	}
	logger = logger.Named("strategy").With(zap.String("strategy", name))
	return &Runner{
		logger:   logger,
		name:     name,
		strategy: s,
		ctx:      newContext(name, deps, logger),
	}, nil
}

// Context returns the context handed to the callbacks
func (r *Runner) Context() *Context {
	return r.ctx
}

func (r *Runner) call(callback string, fn func() error) error {
	err := errors.CallStrategy(r.name+"."+callback, fn)
	if err != nil {
		r.logger.Error("Strategy callback failed", zap.String("callback", callback), zap.Error(err))
	}
	return err
}

// Init runs the strategy's Init once before the first trading day. Orders are
// refused while it runs; periodic tasks may only be registered here.
func (r *Runner) Init(ctx context.Context, sim events.SimulationContext) error {
	r.ctx.enter(ctx, sim)
	r.ctx.initializing = true
	defer func() { r.ctx.initializing = false }()
	return r.call("init", func() error { return r.strategy.Init(r.ctx) })
}

// Subscribe registers the strategy callbacks. The strategy subscribes after
// the ledger and the engine so it sees the day's prices and fills.
func (r *Runner) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.KindBeforeTrading, "strategy", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		r.ctx.enter(ctx, ev.SimulationContext)
		r.ctx.bars = nil
		r.ctx.tick = nil
		return events.Continue, r.call("before_trading", func() error { return r.strategy.BeforeTrading(r.ctx) })
	})
	bus.Subscribe(events.KindBar, "strategy", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		r.ctx.enter(ctx, ev.SimulationContext)
		r.ctx.bars = ev.Bars
		return events.Continue, r.call("handle_bar", func() error { return r.strategy.HandleBar(r.ctx, ev.Bars) })
	})
	bus.Subscribe(events.KindTick, "strategy", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		r.ctx.enter(ctx, ev.SimulationContext)
		r.ctx.tick = ev.Tick
		return events.Continue, r.call("handle_tick", func() error { return r.strategy.HandleTick(r.ctx, ev.Tick) })
	})
	bus.Subscribe(events.KindAfterTrading, "strategy", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		r.ctx.enter(ctx, ev.SimulationContext)
		return events.Continue, r.call("after_trading", func() error { return r.strategy.AfterTrading(r.ctx) })
	})
}
