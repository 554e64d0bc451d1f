package ledger

import "time"

const defaultLockTimeout = 5 * time.Second

type options struct {
	now         func() time.Time
	lockTimeout time.Duration
}

// Option configures a Store backend.
type Option func(*options)

// WithClock overrides the time source used inside atomic units.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLockTimeout bounds how long an atomic unit waits for its wallet lock.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:         func() time.Time { return time.Now().UTC() },
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
