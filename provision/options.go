package provision

import (
	"github.com/hashicorp/go-hclog"
	"github.com/openrp/openrp/oidc"
)

// engineOptions is the set of available options for NewEngine
type engineOptions struct {
	withLogger hclog.Logger
}

func engineDefaults() engineOptions {
	return engineOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getEngineOpts(opt ...oidc.Option) engineOptions {
	opts := engineDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides a logger for the engine.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*engineOptions); ok {
			v.withLogger = l
		}
	}
}
