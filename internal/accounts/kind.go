// Package accounts is the ledger: accounts, positions and the portfolio that
// aggregates them. Every mutation is an event handler running to completion.
package accounts

import (
	"strings"

	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// Kind tags which ledger rules an Account follows
type Kind string

const (
	KindStock     Kind = "STOCK"
	KindFuture    Kind = "FUTURE"
	KindBenchmark Kind = "BENCHMARK"
)

// ParseKind maps a configuration string onto a Kind
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindStock:
		return KindStock, nil
	case KindFuture:
		return KindFuture, nil
	case KindBenchmark:
		return KindBenchmark, nil
	}
	return "", errors.Invalid.Explain("unknown account type %q", s)
}
