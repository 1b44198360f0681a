package job

import "time"

// Options configures per-kind behavior such as queue, attempts and timeout.
type Options struct {
	// MaxAttempts is the number of attempts before a job fails. Zero means
	// the engine default.
	MaxAttempts int

	// Queue overrides the configured route for the kind.
	Queue string

	// Timeout bounds a single attempt. Zero means the engine default.
	Timeout time.Duration
}

// Option is a functional option for configuring a job definition.
type Option func(*Options)

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithQueue sets the queue name for the kind.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithTimeout sets the maximum execution duration of one attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}
