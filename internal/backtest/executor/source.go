package executor

import (
	"fmt"
	"time"

	"github.com/tidwall/btree"

	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// afterTradingDelay is how long after the last bar AFTER_TRADING fires
const afterTradingDelay = 30 * time.Minute

// SourceConfig describes what the event source replays
type SourceConfig struct {
	Frequency string
	Universe  []string
	Sessions  []model.Session
}

// SimulationEventSource turns market data into the calendar events of one
// trading date at a time
type SimulationEventSource struct {
	data      marketdata.Port
	frequency string
	universe  []string
	sessions  []model.Session
}

// NewSimulationEventSource validates cfg and creates a source
func NewSimulationEventSource(cfg SourceConfig, data marketdata.Port) (*SimulationEventSource, error) {
	switch cfg.Frequency {
	case events.FrequencyDaily, events.FrequencyMinute, events.FrequencyTick:
	default:
		return nil, errors.Invalid.Explain("unknown frequency %q", cfg.Frequency)
	}
	sessions := cfg.Sessions
	if len(sessions) == 0 {
		sessions = model.DefaultStockSessions
	}
	// de-duplicate, keeping the configured order
	seen := make(map[string]bool, len(cfg.Universe))
	var universe []string
	for _, id := range cfg.Universe {
		if seen[id] {
			continue
		}
		if _, err := data.Instrument(id); err != nil {
			return nil, errors.Invalid.Explain("universe instrument %s", id).Wrap(err)
		}
		seen[id] = true
		universe = append(universe, id)
	}
	return &SimulationEventSource{data: data, frequency: cfg.Frequency, universe: universe, sessions: sessions}, nil
}

// Frequency returns the replay frequency
func (s *SimulationEventSource) Frequency() string {
	return s.frequency
}

// TradingDates returns the trading dates in [start, end]
func (s *SimulationEventSource) TradingDates(start, end time.Time) ([]time.Time, error) {
	if end.Before(start) {
		return nil, errors.Invalid.Explain("end date %s is before start date %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return s.data.TradingCalendar(model.TruncateDay(start), model.TruncateDay(end))
}

func (s *SimulationEventSource) at(date time.Time, minute int) time.Time {
	return model.TruncateDay(date).Add(time.Duration(minute) * time.Minute)
}

func (s *SimulationEventSource) event(kind events.Kind, dt time.Time) *events.Event {
	return &events.Event{Kind: kind, SimulationContext: events.SimulationContext{CalendarDT: dt, TradingDT: dt, Frequency: s.frequency}}
}

// Day returns the events of one trading date in time order:
// BEFORE_TRADING, then the bars or ticks, then AFTER_TRADING.
func (s *SimulationEventSource) Day(date time.Time) ([]*events.Event, error) {
	date = model.TruncateDay(date)
	closeMinute := s.sessions[len(s.sessions)-1].End
	out := []*events.Event{s.event(events.KindBeforeTrading, date)}

	switch s.frequency {
	case events.FrequencyDaily:
		ev := s.event(events.KindBar, s.at(date, closeMinute))
		ev.Bars = make(map[string]*model.Bar, len(s.universe))
		for _, id := range s.universe {
			bar, err := marketdata.DayBar(s.data, id, date)
			if err != nil {
				return nil, fmt.Errorf("day bar of %s: %w", id, err)
			}
			if bar != nil {
				ev.Bars[id] = bar
			}
		}
		out = append(out, ev)

	case events.FrequencyMinute:
		for _, session := range s.sessions {
			for m := session.Start; m <= session.End; m++ {
				dt := s.at(date, m)
				ev := s.event(events.KindBar, dt)
				ev.Bars = make(map[string]*model.Bar, len(s.universe))
				for _, id := range s.universe {
					bar, err := s.data.Bar(id, dt)
					if err != nil {
						return nil, fmt.Errorf("minute bar of %s: %w", id, err)
					}
					if bar != nil && bar.Datetime.Equal(dt) {
						ev.Bars[id] = bar
					}
				}
				out = append(out, ev)
			}
		}

	case events.FrequencyTick:
		ticks, err := s.mergedTicks(date)
		if err != nil {
			return nil, err
		}
		ticks.Scan(func(t *model.Tick) bool {
			ev := s.event(events.KindTick, t.Datetime)
			ev.Tick = t
			out = append(out, ev)
			return true
		})
	}

	out = append(out, s.event(events.KindAfterTrading, s.at(date, closeMinute).Add(afterTradingDelay)))
	return out, nil
}

// mergedTicks orders the ticks of every universe instrument by time, then by
// universe position
func (s *SimulationEventSource) mergedTicks(date time.Time) (*btree.BTreeG[*model.Tick], error) {
	rank := make(map[string]int, len(s.universe))
	for i, id := range s.universe {
		rank[id] = i
	}
	tree := btree.NewBTreeG(func(a, b *model.Tick) bool {
		if !a.Datetime.Equal(b.Datetime) {
			return a.Datetime.Before(b.Datetime)
		}
		return rank[a.OrderBookID] < rank[b.OrderBookID]
	})
	for _, id := range s.universe {
		ticks, err := s.data.Ticks(id, date)
		if err != nil {
			return nil, fmt.Errorf("ticks of %s: %w", id, err)
		}
		for _, t := range ticks {
			tree.Set(t)
		}
	}
	return tree, nil
}
