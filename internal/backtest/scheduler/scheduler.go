// Package scheduler runs periodic strategy tasks (daily, weekly and monthly)
// at a time of day expressed relative to the trading sessions.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// Func is a periodic task body
type Func func(ctx context.Context, sim events.SimulationContext) error

type ruleKind int

const (
	ruleBeforeTrading ruleKind = iota
	ruleMarketOpen
	ruleMarketClose
	rulePhysicalTime
)

// TimeRule picks the minute of day a task fires at
type TimeRule struct {
	kind   ruleKind
	offset int // minutes
}

// BeforeTrading fires during the before trading phase
func BeforeTrading() TimeRule { return TimeRule{kind: ruleBeforeTrading} }

// MarketOpen fires hour:minute after the first bar of the day
func MarketOpen(hour, minute int) TimeRule {
	return TimeRule{kind: ruleMarketOpen, offset: hour*60 + minute}
}

// MarketClose fires hour:minute before the last bar of the day
func MarketClose(hour, minute int) TimeRule {
	return TimeRule{kind: ruleMarketClose, offset: hour*60 + minute}
}

// PhysicalTime fires at the wall clock time hour:minute
func PhysicalTime(hour, minute int) TimeRule {
	return TimeRule{kind: rulePhysicalTime, offset: hour*60 + minute}
}

func (r TimeRule) String() string {
	switch r.kind {
	case ruleBeforeTrading:
		return "before_trading"
	case ruleMarketOpen:
		return fmt.Sprintf("market_open(+%dm)", r.offset)
	case ruleMarketClose:
		return fmt.Sprintf("market_close(-%dm)", r.offset)
	}
	return fmt.Sprintf("physical_time(%02d:%02d)", r.offset/60, r.offset%60)
}

// dayPredicate decides whether a task is due on the current trading date
type dayPredicate func(w *window) bool

// Config holds the sessions time rules are measured against
type Config struct {
	Sessions []model.Session `yaml:"sessions"`
}

// DefaultConfig uses the stock continuous auction sessions
func DefaultConfig() Config {
	return Config{Sessions: model.DefaultStockSessions}
}

type task struct {
	name  string
	fn    Func
	rule  TimeRule
	due   dayPredicate
	fired time.Time // trading date of the last run
}

// Scheduler holds the registered tasks in registration order
type Scheduler struct {
	logger *zap.Logger
	data   marketdata.Port
	open   int // minute of day of the first bar
	close  int // minute of day of the last bar
	tasks  []*task
	window window
}

// NewScheduler creates a scheduler reading the trading calendar from data
func NewScheduler(cfg Config, data marketdata.Port, logger *zap.Logger) (*Scheduler, error) {
	if len(cfg.Sessions) == 0 {
		return nil, errors.Invalid.Explain("scheduler needs at least one trading session")
	}
	for _, s := range cfg.Sessions {
		if s.Start < 0 || s.End > 24*60 || s.Start > s.End {
			return nil, errors.Invalid.Explain("invalid trading session %d-%d", s.Start, s.End)
		}
	}
	return &Scheduler{
		logger: logger.Named("scheduler"),
		data:   data,
		open:   cfg.Sessions[0].Start,
		close:  cfg.Sessions[len(cfg.Sessions)-1].End,
	}, nil
}

// add registers a task. Names key the persisted state, so they must be unique.
func (s *Scheduler) add(name string, fn Func, rule TimeRule, due dayPredicate) error {
	for _, t := range s.tasks {
		if t.name == name {
			return errors.Invalid.Explain("task %q is already registered", name)
		}
	}
	s.tasks = append(s.tasks, &task{name: name, fn: fn, rule: rule, due: due})
	s.logger.Debug("Registered task", zap.String("task", name), zap.Stringer("rule", rule))
	return nil
}

// RunDaily registers a task due on every trading date
func (s *Scheduler) RunDaily(name string, fn Func, rule TimeRule) error {
	return s.add(name, fn, rule, func(*window) bool { return true })
}

// RunWeekly registers a task due on weekday (1 = Monday .. 7 = Sunday) when
// that day is a trading date
func (s *Scheduler) RunWeekly(name string, fn Func, weekday int, rule TimeRule) error {
	if weekday < 1 || weekday > 7 {
		return errors.Invalid.Explain("weekday must be in 1..7, got %d", weekday)
	}
	return s.add(name, fn, rule, func(w *window) bool { return isoWeekday(w.date) == weekday })
}

// RunWeeklyOnTradingDay registers a task due on the nth trading date of each
// week. Negative n counts from the end of the week.
func (s *Scheduler) RunWeeklyOnTradingDay(name string, fn Func, n int, rule TimeRule) error {
	if n == 0 || n > 5 || n < -5 {
		return errors.Invalid.Explain("trading day of week must be in [-5, 5] and not 0, got %d", n)
	}
	return s.add(name, fn, rule, func(w *window) bool { return w.nth(w.week, n) })
}

// RunMonthly registers a task due on the nth trading date of each month.
// Negative n counts from the end of the month.
func (s *Scheduler) RunMonthly(name string, fn Func, n int, rule TimeRule) error {
	if n == 0 || n > 23 || n < -23 {
		return errors.Invalid.Explain("trading day of month must be in [-23, 23] and not 0, got %d", n)
	}
	return s.add(name, fn, rule, func(w *window) bool { return w.nth(w.month, n) })
}

// Subscribe registers the scheduler after whatever is already on the bus
func (s *Scheduler) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.KindPreBeforeTrading, "scheduler", func(_ context.Context, ev *events.Event) (events.Result, error) {
		return events.Continue, s.window.load(s.data, ev.TradingDate())
	})
	bus.Subscribe(events.KindBeforeTrading, "scheduler", func(ctx context.Context, ev *events.Event) (events.Result, error) {
		return events.Continue, s.fire(ctx, ev.SimulationContext, func(r TimeRule) bool { return r.kind == ruleBeforeTrading })
	})
	intraday := func(ctx context.Context, ev *events.Event) (events.Result, error) {
		return events.Continue, s.fire(ctx, ev.SimulationContext, s.dueAt(ev.SimulationContext))
	}
	bus.Subscribe(events.KindBar, "scheduler", intraday)
	bus.Subscribe(events.KindTick, "scheduler", intraday)
}

// dueAt returns the time check for an intraday event. Daily bars run every
// intraday rule at the day's only bar.
func (s *Scheduler) dueAt(sim events.SimulationContext) func(TimeRule) bool {
	if sim.Frequency == events.FrequencyDaily {
		return func(r TimeRule) bool { return r.kind != ruleBeforeTrading }
	}
	now := sim.CalendarDT.Hour()*60 + sim.CalendarDT.Minute()
	return func(r TimeRule) bool {
		switch r.kind {
		case ruleMarketOpen:
			return now >= s.open+r.offset
		case ruleMarketClose:
			return now >= s.close-r.offset
		case rulePhysicalTime:
			return now >= r.offset
		}
		return false
	}
}

// fire runs every task due now, in registration order. A failing task does
// not stop the others; their errors are joined.
func (s *Scheduler) fire(ctx context.Context, sim events.SimulationContext, timeDue func(TimeRule) bool) error {
	date := sim.TradingDate()
	if !s.window.date.Equal(date) {
		if err := s.window.load(s.data, date); err != nil {
			return err
		}
	}
	var errs []error
	for _, t := range s.tasks {
		if t.fired.Equal(date) || !timeDue(t.rule) || !t.due(&s.window) {
			continue
		}
		t.fired = date
		err := errors.CallStrategy(fmt.Sprintf("scheduled task %s", t.name), func() error {
			return t.fn(ctx, sim)
		})
		if err != nil {
			s.logger.Error("Scheduled task failed",
				zap.String("task", t.name),
				zap.Time("trading_date", date),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State maps task names to the trading date they last ran
func (s *Scheduler) State() map[string]time.Time {
	out := make(map[string]time.Time, len(s.tasks))
	for _, t := range s.tasks {
		if !t.fired.IsZero() {
			out[t.name] = t.fired
		}
	}
	return out
}

// Restore marks tasks as already run. Tasks are matched by name, so register
// them before restoring.
func (s *Scheduler) Restore(fired map[string]time.Time) {
	for _, t := range s.tasks {
		t.fired = fired[t.name]
	}
}

// Len returns the number of registered tasks
func (s *Scheduler) Len() int {
	return len(s.tasks)
}
