package oidc

import (
	"fmt"

	"github.com/openrp/openrp/sdk/id"
)

// NewId generates an ID with an optional prefix.  The ID generated is
// suitable for a request state id or nonce.
// Supported options: WithPrefix.
func NewId(opt ...Option) (string, error) {
	const op = "oidc.NewId"
	opts := getIdOpts(opt...)
	generated, err := id.New(opts.withPrefix)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrIdGeneratorFailed, err)
	}
	return generated, nil
}

// idOptions is the set of available options for NewId
type idOptions struct {
	withPrefix string
}

func idDefaults() idOptions {
	return idOptions{}
}

func getIdOpts(opt ...Option) idOptions {
	opts := idDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
