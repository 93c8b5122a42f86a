// Package executor drives a run: it replays the event source day by day and
// publishes each calendar event in its PRE, main and POST phases.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

// State is what the executor needs to continue a paused run
type State struct {
	LastBeforeTrading time.Time `json:"last_before_trading"`
	// SettlementPending means the day of LastBeforeTrading has not settled
	SettlementPending bool `json:"settlement_pending"`
	// Sim is the clock of the last dispatched event
	Sim events.SimulationContext `json:"sim"`
}

// Executor is the day state machine:
// BEFORE_TRADING, {BAR|TICK}*, AFTER_TRADING, then SETTLEMENT deferred to the
// start of the next day's pass.
type Executor struct {
	logger *zap.Logger
	bus    *events.Bus
	source *SimulationEventSource

	lastBeforeTrading time.Time
	settlementPending bool
	sim               events.SimulationContext
	// phase is the kind being dispatched, empty between events
	phase string
}

// NewExecutor creates an executor publishing on bus
func NewExecutor(bus *events.Bus, source *SimulationEventSource, logger *zap.Logger) *Executor {
	return &Executor{
		logger: logger.Named("executor"),
		bus:    bus,
		source: source,
	}
}

// Sim returns the clock of the event being, or last, dispatched
func (x *Executor) Sim() events.SimulationContext {
	return x.sim
}

// Phase returns the kind being dispatched, empty between events
func (x *Executor) Phase() string {
	return x.phase
}

// Run replays every trading date in [start, end]. The last day's settlement
// stays pending until Flush.
func (x *Executor) Run(ctx context.Context, start, end time.Time) error {
	dates, err := x.source.TradingDates(start, end)
	if err != nil {
		return err
	}
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !x.lastBeforeTrading.IsZero() && !date.After(x.lastBeforeTrading) {
			// replayed before a pause
			continue
		}
		evs, err := x.source.Day(date)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := x.dispatch(ctx, ev); err != nil {
				return err
			}
		}
		x.logger.Debug("Trading day replayed", zap.Time("trading_date", date), zap.Int("events", len(evs)))
	}
	return nil
}

func (x *Executor) dispatch(ctx context.Context, ev *events.Event) error {
	switch ev.Kind {
	case events.KindBeforeTrading:
		return x.ensureBeforeTrading(ctx, ev)
	case events.KindBar, events.KindTick:
		if err := x.ensureBeforeTrading(ctx, ev); err != nil {
			return err
		}
		return x.publish(ctx, ev)
	case events.KindAfterTrading:
		if err := x.publish(ctx, ev); err != nil {
			return err
		}
		x.settlementPending = true
		return nil
	}
	return x.publish(ctx, ev)
}

// ensureBeforeTrading fires BEFORE_TRADING once per trading date, settling
// the previous day first
func (x *Executor) ensureBeforeTrading(ctx context.Context, ev *events.Event) error {
	date := ev.TradingDate()
	if x.lastBeforeTrading.Equal(date) {
		return nil
	}
	if err := x.settle(ctx); err != nil {
		return err
	}
	x.lastBeforeTrading = date
	bt := &events.Event{Kind: events.KindBeforeTrading, SimulationContext: ev.SimulationContext}
	if ev.Kind != events.KindBeforeTrading {
		bt.CalendarDT = date
		bt.TradingDT = date
	}
	return x.publish(ctx, bt)
}

// settle publishes the pending SETTLEMENT with the clock rolled back to the
// day being settled
func (x *Executor) settle(ctx context.Context) error {
	if !x.settlementPending {
		return nil
	}
	day := x.lastBeforeTrading
	sim := x.sim
	if !model.SameDay(sim.TradingDT, day) {
		clock := sim.CalendarDT.Sub(model.TruncateDay(sim.CalendarDT))
		sim.CalendarDT = day.Add(clock)
		sim.TradingDT = day.Add(clock)
	}
	if err := x.publish(ctx, &events.Event{Kind: events.KindSettlement, SimulationContext: sim}); err != nil {
		return err
	}
	x.settlementPending = false
	return nil
}

// Flush settles the last replayed day. Call it once the run ends or pauses.
func (x *Executor) Flush(ctx context.Context) error {
	return x.settle(ctx)
}

func (x *Executor) publish(ctx context.Context, ev *events.Event) error {
	x.sim = ev.SimulationContext
	x.phase = ev.Kind.String()
	err := x.bus.PublishPhased(ctx, ev)
	x.phase = ""
	if err != nil {
		return fmt.Errorf("%s at %s: %w", ev.Kind, ev.CalendarDT.Format(time.DateTime), err)
	}
	return nil
}

// State captures where the run stopped
func (x *Executor) State() State {
	return State{
		LastBeforeTrading: x.lastBeforeTrading,
		SettlementPending: x.settlementPending,
		Sim:               x.sim,
	}
}

// Restore continues from st
func (x *Executor) Restore(st State) {
	x.lastBeforeTrading = st.LastBeforeTrading
	x.settlementPending = st.SettlementPending
	x.sim = st.Sim
	x.phase = ""
}
