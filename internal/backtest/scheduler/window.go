package scheduler

import (
	"fmt"
	"time"

	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

// window caches the trading dates of the current week and month
type window struct {
	date      time.Time
	weekStart time.Time
	week      []time.Time
	monthOf   time.Time
	month     []time.Time
}

func isoWeekday(t time.Time) int {
	if t.Weekday() == time.Sunday {
		return 7
	}
	return int(t.Weekday())
}

// load moves the window to date, querying the calendar only when the week
// or month changed
func (w *window) load(data marketdata.Port, date time.Time) error {
	date = model.TruncateDay(date)
	w.date = date

	weekStart := date.AddDate(0, 0, 1-isoWeekday(date))
	if !weekStart.Equal(w.weekStart) {
		dates, err := data.TradingCalendar(weekStart, weekStart.AddDate(0, 0, 6))
		if err != nil {
			return fmt.Errorf("week calendar of %s: %w", date.Format(time.DateOnly), err)
		}
		w.weekStart, w.week = weekStart, dates
	}

	monthOf := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	if !monthOf.Equal(w.monthOf) {
		dates, err := data.TradingCalendar(monthOf, monthOf.AddDate(0, 1, -1))
		if err != nil {
			return fmt.Errorf("month calendar of %s: %w", date.Format(time.DateOnly), err)
		}
		w.monthOf, w.month = monthOf, dates
	}
	return nil
}

// nth reports whether the window date is the nth date of dates, 1-based;
// negative n counts from the end
func (w *window) nth(dates []time.Time, n int) bool {
	i := n - 1
	if n < 0 {
		i = len(dates) + n
	}
	if i < 0 || i >= len(dates) {
		return false
	}
	return model.SameDay(dates[i], w.date)
}
