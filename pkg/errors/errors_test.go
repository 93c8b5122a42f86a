package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	cause := fmt.Errorf("division by zero")
	err := Strategy.Explain("handle_bar of %s failed", "sma").Wrap(cause)

	assert.True(t, Is(err, Strategy))
	assert.False(t, Is(err, Invalid))
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "[Strategy] handle_bar of sma failed")
	assert.Contains(t, err.Error(), "division by zero")

	wrapped := fmt.Errorf("run aborted: %w", err)
	assert.True(t, Is(wrapped, Strategy))
}

func TestExplainDoesNotMutateSentinel(t *testing.T) {
	_ = Invalid.Explain("starting cash must not be negative").WithField("stock_starting_cash", "-1")
	assert.Empty(t, Invalid.Message)
	assert.Empty(t, Invalid.Fields)
}

func TestTraceCapturesStack(t *testing.T) {
	err := Invariant.Explain("closure broken").Trace()
	assert.NotEmpty(t, err.StackTrace())
	assert.Empty(t, Invariant.StackTrace())
}

func TestCallStrategy(t *testing.T) {
	assert.NoError(t, CallStrategy("init", func() error { return nil }))

	err := CallStrategy("handle_bar", func() error { return fmt.Errorf("boom") })
	assert.True(t, Is(err, Strategy))
	assert.Contains(t, err.Error(), "handle_bar failed")

	err = CallStrategy("after_trading", func() error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	var e *Error
	assert.True(t, As(err, &e))
	assert.Equal(t, KindStrategy, e.Kind)
	assert.Contains(t, e.Message, "after_trading panicked")
	assert.NotEmpty(t, e.StackTrace())

	inner := Strategy.Explain("already wrapped")
	assert.Same(t, inner, CallStrategy("x", func() error { return inner }))
}
