// Package marketdata defines the read-only market data port consumed by the
// kernel and the stores that implement it.
package marketdata

import (
	"errors"
	"time"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrNoTradingDate     = errors.New("no trading date in range")
)

// Port supplies bars, ticks, corporate actions and instrument metadata.
// Implementations are synchronous in-memory lookups; none of them mutate.
type Port interface {
	Instrument(orderBookID string) (*model.Instrument, error)
	// Bar returns the latest bar at or before dt, nil when there is none.
	Bar(orderBookID string, dt time.Time) (*model.Bar, error)
	// Tick returns the latest tick at or before dt, nil when there is none.
	Tick(orderBookID string, dt time.Time) (*model.Tick, error)
	// Dividend returns the dividend whose book closure date is date.
	Dividend(orderBookID string, date time.Time) (*model.DividendRecord, error)
	// Split returns the split whose ex date is date.
	Split(orderBookID string, date time.Time) (*model.SplitRecord, error)
	TradingCalendar(start, end time.Time) ([]time.Time, error)
	// History returns up to n bars ending at dt, oldest first.
	History(orderBookID string, dt time.Time, n int) ([]*model.Bar, error)
	// Ticks returns every tick of one calendar date, oldest first.
	Ticks(orderBookID string, date time.Time) ([]*model.Tick, error)
}

// DayBar returns the bar that belongs to date, or nil when the instrument has
// no data for that day (suspended or a gap).
func DayBar(p Port, orderBookID string, date time.Time) (*model.Bar, error) {
	endOfDay := model.TruncateDay(date).Add(24*time.Hour - time.Nanosecond)
	bar, err := p.Bar(orderBookID, endOfDay)
	if err != nil || bar == nil {
		return nil, err
	}
	if !model.SameDay(bar.Datetime, date) {
		return nil, nil
	}
	return bar, nil
}

// PreviousTradingDate returns the trading date strictly before date.
func PreviousTradingDate(p Port, date time.Time, lookback time.Duration) (time.Time, error) {
	day := model.TruncateDay(date)
	dates, err := p.TradingCalendar(day.Add(-lookback), day.Add(-time.Nanosecond))
	if err != nil {
		return time.Time{}, err
	}
	if len(dates) == 0 {
		return time.Time{}, ErrNoTradingDate
	}
	return dates[len(dates)-1], nil
}

// NextTradingDate returns the trading date strictly after date.
func NextTradingDate(p Port, date time.Time, lookahead time.Duration) (time.Time, error) {
	day := model.TruncateDay(date).Add(24 * time.Hour)
	dates, err := p.TradingCalendar(day, day.Add(lookahead))
	if err != nil {
		return time.Time{}, err
	}
	if len(dates) == 0 {
		return time.Time{}, ErrNoTradingDate
	}
	return dates[0], nil
}
