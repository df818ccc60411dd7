package scpi

import "time"

// Timeouter has a mutable read timeout
type Timeouter interface {
	Timeout() time.Duration
	SetTimeout(time.Duration)
}

// WithTimeout runs fn with t's timeout set to d.  The previous timeout is put
// back when fn returns, errors, or panics
func WithTimeout(t Timeouter, d time.Duration, fn func() error) error {
	restore := OverrideTimeout(t, d)
	defer restore()
	return fn()
}

// OverrideTimeout sets t's timeout to d and returns a func restoring the
// previous value, meant to be deferred
func OverrideTimeout(t Timeouter, d time.Duration) (restore func()) {
	prev := t.Timeout()
	t.SetTimeout(d)
	return func() { t.SetTimeout(prev) }
}
