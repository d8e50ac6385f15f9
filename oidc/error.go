package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrNilParameter           = errors.New("nil parameter")
	ErrInvalidCACert          = errors.New("invalid CA certificate")
	ErrIdGeneratorFailed      = errors.New("id generation failed")
	ErrProviderNotFound       = errors.New("provider not found")
	ErrDiscoveryUnavailable   = errors.New("provider discovery unavailable")
	ErrTokenExpired           = errors.New("token expired")
	ErrTokenNotYetValid       = errors.New("token not valid yet")
	ErrInvalidAudience        = errors.New("invalid audience")
	ErrNoAuthorizedParty      = errors.New("no authorized party")
	ErrInvalidAuthorizedParty = errors.New("authorized party mismatch")
	ErrInvalidNonce           = errors.New("invalid nonce")
	ErrInvalidIssuer          = errors.New("invalid issuer")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrInvalidToken           = errors.New("invalid token")
	ErrMissingIdToken         = errors.New("id_token is missing")
	ErrTokenExchangeDisabled  = errors.New("token exchange is disabled")
	ErrTokenExchangeFailed    = errors.New("token exchange failed")
	ErrNotFound               = errors.New("not found")
	ErrMultipleFound          = errors.New("multiple found")
	ErrLoginFailed            = errors.New("login failed")
	ErrUserInfoFailed         = errors.New("user info failed")
)
