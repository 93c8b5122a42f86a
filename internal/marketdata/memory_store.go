package marketdata

import (
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

type corporateActions struct {
	dividends map[int64]*model.DividendRecord // by book closure day
	splits    map[int64]*model.SplitRecord    // by ex day
}

// MemoryStore is a Port backed by per-instrument B-trees keyed by unix nanos.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	bars        map[string]*btree.Map[int64, *model.Bar]
	ticks       map[string]*btree.Map[int64, *model.Tick]
	actions     map[string]*corporateActions
	calendar    *btree.Map[int64, time.Time]
}

var _ Port = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		bars:        make(map[string]*btree.Map[int64, *model.Bar]),
		ticks:       make(map[string]*btree.Map[int64, *model.Tick]),
		actions:     make(map[string]*corporateActions),
		calendar:    btree.NewMap[int64, time.Time](32),
	}
}

func dayKey(t time.Time) int64 {
	return model.TruncateDay(t).UnixNano()
}

// AddInstrument registers instrument metadata
func (s *MemoryStore) AddInstrument(ins *model.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[ins.OrderBookID] = ins
}

// AddBars indexes bars; every bar date also becomes a trading date.
func (s *MemoryStore) AddBars(bars ...*model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		tree, ok := s.bars[b.OrderBookID]
		if !ok {
			tree = btree.NewMap[int64, *model.Bar](32)
			s.bars[b.OrderBookID] = tree
		}
		tree.Set(b.Datetime.UnixNano(), b)
		s.calendar.Set(dayKey(b.Datetime), model.TruncateDay(b.Datetime))
	}
}

// AddTicks indexes ticks
func (s *MemoryStore) AddTicks(ticks ...*model.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ticks {
		tree, ok := s.ticks[t.OrderBookID]
		if !ok {
			tree = btree.NewMap[int64, *model.Tick](32)
			s.ticks[t.OrderBookID] = tree
		}
		tree.Set(t.Datetime.UnixNano(), t)
		s.calendar.Set(dayKey(t.Datetime), model.TruncateDay(t.Datetime))
	}
}

func (s *MemoryStore) actionsFor(orderBookID string) *corporateActions {
	a, ok := s.actions[orderBookID]
	if !ok {
		a = &corporateActions{
			dividends: make(map[int64]*model.DividendRecord),
			splits:    make(map[int64]*model.SplitRecord),
		}
		s.actions[orderBookID] = a
	}
	return a
}

// AddDividend registers a cash dividend
func (s *MemoryStore) AddDividend(d *model.DividendRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actionsFor(d.OrderBookID).dividends[dayKey(d.BookClosureDate)] = d
}

// AddSplit registers a split
func (s *MemoryStore) AddSplit(sp *model.SplitRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actionsFor(sp.OrderBookID).splits[dayKey(sp.ExDate)] = sp
}

// SetTradingDates adds explicit trading dates, e.g. from an exchange calendar
func (s *MemoryStore) SetTradingDates(dates ...time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dates {
		s.calendar.Set(dayKey(d), model.TruncateDay(d))
	}
}

func (s *MemoryStore) Instrument(orderBookID string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ins, ok := s.instruments[orderBookID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, orderBookID)
	}
	return ins, nil
}

func (s *MemoryStore) Bar(orderBookID string, dt time.Time) (*model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.bars[orderBookID]
	if !ok {
		return nil, nil
	}
	var found *model.Bar
	tree.Descend(dt.UnixNano(), func(_ int64, b *model.Bar) bool {
		found = b
		return false
	})
	return found, nil
}

func (s *MemoryStore) Tick(orderBookID string, dt time.Time) (*model.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.ticks[orderBookID]
	if !ok {
		return nil, nil
	}
	var found *model.Tick
	tree.Descend(dt.UnixNano(), func(_ int64, t *model.Tick) bool {
		found = t
		return false
	})
	return found, nil
}

func (s *MemoryStore) Dividend(orderBookID string, date time.Time) (*model.DividendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[orderBookID]
	if !ok {
		return nil, nil
	}
	return a.dividends[dayKey(date)], nil
}

func (s *MemoryStore) Split(orderBookID string, date time.Time) (*model.SplitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[orderBookID]
	if !ok {
		return nil, nil
	}
	return a.splits[dayKey(date)], nil
}

func (s *MemoryStore) TradingCalendar(start, end time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var dates []time.Time
	endKey := dayKey(end)
	s.calendar.Ascend(dayKey(start), func(k int64, d time.Time) bool {
		if k > endKey {
			return false
		}
		dates = append(dates, d)
		return true
	})
	return dates, nil
}

func (s *MemoryStore) History(orderBookID string, dt time.Time, n int) ([]*model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.bars[orderBookID]
	if !ok || n <= 0 {
		return nil, nil
	}
	out := make([]*model.Bar, 0, n)
	tree.Descend(dt.UnixNano(), func(_ int64, b *model.Bar) bool {
		out = append(out, b)
		return len(out) < n
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) Ticks(orderBookID string, date time.Time) ([]*model.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.ticks[orderBookID]
	if !ok {
		return nil, nil
	}
	var out []*model.Tick
	tree.Ascend(dayKey(date), func(_ int64, t *model.Tick) bool {
		if !model.SameDay(t.Datetime, date) {
			return false
		}
		out = append(out, t)
		return true
	})
	return out, nil
}
