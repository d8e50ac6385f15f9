package lifecycle

import (
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/openrp/openrp/oidc"
)

// serviceOptions is the set of available options for NewService
type serviceOptions struct {
	withClock  oidc.Clock
	withLogger hclog.Logger
}

func serviceDefaults() serviceOptions {
	return serviceOptions{
		withClock:  oidc.SystemClock,
		withLogger: hclog.NewNullLogger(),
	}
}

func getServiceOpts(opt ...oidc.Option) serviceOptions {
	opts := serviceDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithClock overrides the service's time source, typically in tests.
func WithClock(c oidc.Clock) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*serviceOptions); ok {
			v.withClock = c
		}
	}
}

// WithLogger provides a logger for the service.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*serviceOptions); ok {
			v.withLogger = l
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, oidc.ErrNotFound)
}

func asExchangeError(err error, target **ExchangeError) bool {
	return errors.As(err, target)
}
