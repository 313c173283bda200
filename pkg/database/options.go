package database

import (
	"github.com/ekaya-inc/ekaya-dbguard/pkg/retry"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/throttle"
)

// Formatter renders a SQL template with parameters.
type Formatter func(template string, params ...any) (string, error)

// Option configures a Handle at construction.
type Option func(*Handle)

// WithThrottle sets the throttle used before every query.
func WithThrottle(t *throttle.Throttle) Option {
	return func(h *Handle) {
		if t != nil {
			h.throttle = t
		}
	}
}

// WithReconnect sets the backoff between liveness probes. MaxRetries is ignored;
// probing always continues until success or context cancellation.
func WithReconnect(cfg *retry.Config) Option {
	return func(h *Handle) {
		if cfg != nil {
			h.reconnect = cfg
		}
	}
}

// WithFormatter replaces the template renderer used by FormatQuery.
func WithFormatter(f Formatter) Option {
	return func(h *Handle) {
		if f != nil {
			h.format = f
		}
	}
}

// WithDefaultBoundary sets the throttle boundary for queries that don't pass one.
func WithDefaultBoundary(boundary int) Option {
	return func(h *Handle) {
		h.boundary = boundary
	}
}

// WithOnClose replaces closing the pool with fn. Used when the pool is shared.
func WithOnClose(fn func() error) Option {
	return func(h *Handle) {
		h.onClose = fn
	}
}

type queryOptions struct {
	boundary int
}

// QueryOption adjusts a single Query or FormatQuery call.
type QueryOption func(*queryOptions)

// WithBoundary overrides the handle's default throttle boundary. 0 disables throttling.
func WithBoundary(boundary int) QueryOption {
	return func(o *queryOptions) {
		o.boundary = boundary
	}
}
