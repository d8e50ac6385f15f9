package oidc

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithExpirySkew provides an optional expiry skew duration for Token expiry
// checks.
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenOptions); ok {
			v.withExpirySkew = d
		}
	}
}

// WithClock provides an optional clock, which is used everywhere expiry
// arithmetic happens.  Intended for tests; components default to the wall
// clock.
func WithClock(c Clock) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *tokenOptions:
			v.withClock = c
		case *resolverOptions:
			v.withClock = c
		}
	}
}

// WithLogger provides an optional hclog.Logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok {
			v.withLogger = l
		}
	}
}

// WithPrefix provides an optional prefix for a new id.
func WithPrefix(prefix string) Option {
	return func(o interface{}) {
		if v, ok := o.(*idOptions); ok {
			v.withPrefix = prefix
		}
	}
}
