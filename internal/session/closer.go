package session

import "github.com/hashicorp/go-multierror"

// closerStack collects release functions for resources acquired during
// start-up so every failure path can undo them in reverse order.
type closerStack []func() error

func (s *closerStack) push(fn func() error) {
	*s = append(*s, fn)
}

// closeAll runs every release function, last pushed first, and empties the
// stack. A failing release does not skip the ones after it.
func (s *closerStack) closeAll() error {
	var result *multierror.Error
	for i := len(*s) - 1; i >= 0; i-- {
		if err := (*s)[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	*s = nil
	return result.ErrorOrNil()
}
