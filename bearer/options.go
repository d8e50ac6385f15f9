package bearer

import (
	"time"

	"github.com/openrp/openrp/oidc"
)

// DefaultLeeway is the clock-skew allowance applied to bearer expiry checks.
const DefaultLeeway = 1 * time.Minute

// strategyOptions is the set of available options for the bearer strategies
type strategyOptions struct {
	withClock  oidc.Clock
	withLeeway time.Duration
}

func strategyDefaults() strategyOptions {
	return strategyOptions{
		withClock:  oidc.SystemClock,
		withLeeway: DefaultLeeway,
	}
}

func getStrategyOpts(opt ...oidc.Option) strategyOptions {
	opts := strategyDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithClock overrides the strategy's time source, typically in tests.
func WithClock(c oidc.Clock) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*strategyOptions); ok {
			v.withClock = c
		}
	}
}

// WithLeeway overrides the expiry clock-skew allowance.
func WithLeeway(d time.Duration) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*strategyOptions); ok {
			v.withLeeway = d
		}
	}
}
