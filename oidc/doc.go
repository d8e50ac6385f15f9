// Package oidc holds the core relying-party primitives: the provider
// configuration registry, the discovery and signing-key resolver, the
// immutable Token value object and claim validation.
//
// The package deliberately contains no storage or transport policy; the
// lifecycle, bearer, federation, provision and session packages compose
// these primitives into the token and session engine.
package oidc
