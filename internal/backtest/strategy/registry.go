package strategy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// Params are the string settings a strategy is configured with
type Params map[string]string

// Int parses key as an integer, or returns def when it is unset
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Invalid.Explain("parameter %s: %q is not an integer", key, v)
	}
	return n, nil
}

// Require returns the value of key or an Invalid error
func (p Params) Require(key string) (string, error) {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return "", errors.Invalid.Explain("parameter %s is required", key)
	}
	return v, nil
}

// Factory creates a strategy from its parameters
type Factory func(params Params) (Strategy, error)

// Registry maps strategy names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding the built-in strategies
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.registerBuiltins()
	return r
}

// Register adds a factory under name
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return errors.Invalid.Explain("strategy %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the strategy registered under name. An unknown name comes
// back as NotFound, with the closest registered name when one is near.
func (r *Registry) Create(name string, params Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		err := errors.NotFound.Explain("unknown strategy %q", name)
		if guess := r.suggest(name); guess != "" {
			err = errors.NotFound.Explain("unknown strategy %q, did you mean %q?", name, guess)
		}
		return nil, err
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return s, nil
}

// suggest returns the registered name closest to name within a third of its
// length, ties broken alphabetically
func (r *Registry) suggest(name string) string {
	best, bestDist := "", len(name)/3+1
	for _, candidate := range r.Names() {
		if d := levenshtein.ComputeDistance(name, candidate); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}

func (r *Registry) registerBuiltins() {
	r.factories["buy_and_hold"] = func(p Params) (Strategy, error) {
		id, err := p.Require("order_book_id")
		if err != nil {
			return nil, err
		}
		return &BuyAndHold{OrderBookID: id}, nil
	}

	r.factories["dual_moving_average"] = func(p Params) (Strategy, error) {
		id, err := p.Require("order_book_id")
		if err != nil {
			return nil, err
		}
		short, err := p.Int("short", 5)
		if err != nil {
			return nil, err
		}
		long, err := p.Int("long", 20)
		if err != nil {
			return nil, err
		}
		return &DualMovingAverage{OrderBookID: id, Short: short, Long: long}, nil
	}

	// weights look like "000001.XSHE:0.5,600000.XSHG:0.3"
	r.factories["monthly_rebalance"] = func(p Params) (Strategy, error) {
		raw, err := p.Require("weights")
		if err != nil {
			return nil, err
		}
		weights := make(map[string]decimal.Decimal)
		for _, pair := range strings.Split(raw, ",") {
			id, w, found := strings.Cut(strings.TrimSpace(pair), ":")
			if !found {
				return nil, errors.Invalid.Explain("weight %q is not id:weight", pair)
			}
			weight, err := decimal.NewFromString(strings.TrimSpace(w))
			if err != nil {
				return nil, errors.Invalid.Explain("weight of %s", id).Wrap(err)
			}
			weights[strings.TrimSpace(id)] = weight
		}
		day, err := p.Int("day", 1)
		if err != nil {
			return nil, err
		}
		return &Rebalance{Weights: weights, Day: day}, nil
	}
}
