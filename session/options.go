package session

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/openrp/openrp/oidc"
)

// storeOptions is the set of available options for the session stores
type storeOptions struct {
	withClock oidc.Clock
}

func storeDefaults() storeOptions {
	return storeOptions{
		withClock: oidc.SystemClock,
	}
}

func getStoreOpts(opt ...oidc.Option) storeOptions {
	opts := storeDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithClock overrides the time source, typically in tests.
func WithClock(c oidc.Clock) oidc.Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *storeOptions:
			v.withClock = c
		case *registryOptions:
			v.withClock = c
		case *coordinatorOptions:
			v.withClock = c
		}
	}
}

// registryOptions is the set of available options for NewRegistry
type registryOptions struct {
	withClock  oidc.Clock
	withLogger hclog.Logger
}

func registryDefaults() registryOptions {
	return registryOptions{
		withClock:  oidc.SystemClock,
		withLogger: hclog.NewNullLogger(),
	}
}

func getRegistryOpts(opt ...oidc.Option) registryOptions {
	opts := registryDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// coordinatorOptions is the set of available options for NewCoordinator
type coordinatorOptions struct {
	withClock         oidc.Clock
	withLogger        hclog.Logger
	withLogoutTimeout time.Duration
}

func coordinatorDefaults() coordinatorOptions {
	return coordinatorOptions{
		withClock:         oidc.SystemClock,
		withLogger:        hclog.NewNullLogger(),
		withLogoutTimeout: DefaultLogoutTimeout,
	}
}

func getCoordinatorOpts(opt ...oidc.Option) coordinatorOptions {
	opts := coordinatorDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides a logger.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *registryOptions:
			v.withLogger = l
		case *coordinatorOptions:
			v.withLogger = l
		}
	}
}

// WithLogoutTimeout bounds how long a backchannel logout call may take.
func WithLogoutTimeout(d time.Duration) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*coordinatorOptions); ok {
			v.withLogoutTimeout = d
		}
	}
}
