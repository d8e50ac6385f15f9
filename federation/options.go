package federation

import (
	"time"

	"github.com/openrp/openrp/oidc"
)

// validatorOptions is the set of available options for NewValidator
type validatorOptions struct {
	withClock           oidc.Clock
	withLeeway          time.Duration
	withAttributesClaim string
}

func validatorDefaults() validatorOptions {
	return validatorOptions{
		withClock:           oidc.SystemClock,
		withLeeway:          DefaultLeeway,
		withAttributesClaim: DefaultAttributesClaim,
	}
}

func getValidatorOpts(opt ...oidc.Option) validatorOptions {
	opts := validatorDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithClock overrides the validator's time source, typically in tests.
func WithClock(c oidc.Clock) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*validatorOptions); ok {
			v.withClock = c
		}
	}
}

// WithLeeway overrides the clock-skew allowance for the time claims.
func WithLeeway(d time.Duration) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*validatorOptions); ok {
			v.withLeeway = d
		}
	}
}

// WithAttributesClaim overrides which claim carries the name/value attribute
// list.
func WithAttributesClaim(claim string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*validatorOptions); ok {
			v.withAttributesClaim = claim
		}
	}
}
