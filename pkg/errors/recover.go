package errors

import (
	"runtime/debug"
)

// CallStrategy runs user code. A returned error or a panic comes back as a
// Strategy error labelled with where it happened; a panic also keeps its stack.
func CallStrategy(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Strategy.Explain("%s panicked: %v", label, r).WithStack(debug.Stack())
		}
	}()
	if err = fn(); err != nil {
		if Is(err, Strategy) {
			return err
		}
		return Strategy.Explain("%s failed", label).Wrap(err)
	}
	return nil
}
