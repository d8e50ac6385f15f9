package oidc

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestIdP is a local server that impersonates an identity provider for
// tests: it serves a discovery document, a JWKS endpoint, a token endpoint
// supporting the authorization_code, refresh_token and token-exchange
// grants, a userinfo endpoint and an end-session endpoint.  Counters make
// the singleflight and gating properties observable.
type TestIdP struct {
	httpServer *httptest.Server

	jwks         *jose.JSONWebKeySet
	replySubject string

	mu                   sync.Mutex
	clientID             string
	clientSecret         string
	expectedAuthCode     string
	expectedRefreshToken string
	expectedNonce        string
	customClaims         map[string]interface{}
	replyUserinfo        map[string]interface{}
	replyExpiresIn       int
	omitIDToken          bool
	omitRefreshToken     bool
	disableUserInfo      bool
	disableEndSession    bool
	failTokenEndpoint    bool

	tokenRequests   int
	refreshRequests int
	endSessionCalls []url.Values

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	t *testing.T
}

// StartTestIdP creates a disposable TestIdP on a random local port.
func StartTestIdP(t *testing.T) *TestIdP {
	t.Helper()

	p := &TestIdP{
		t:            t,
		replySubject: "alice@example.com",
		replyUserinfo: map[string]interface{}{
			"sub":   "alice@example.com",
			"name":  "Alice Example",
			"email": "alice@example.com",
		},
		replyExpiresIn:       3600,
		expectedRefreshToken: "test-refresh-token",
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptest.NewServer(p)
	t.Cleanup(p.httpServer.Close)

	return p
}

// Stop stops the running TestIdP.
func (p *TestIdP) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test IdP's running webserver.
func (p *TestIdP) Addr() string { return p.httpServer.URL }

// SigningKeys returns the test IdP's pem-encoded keys used to sign JWTs.
func (p *TestIdP) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// SetClientCreds configures the client information required for the flows.
func (p *TestIdP) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the auth code accepted by the token
// endpoint's authorization_code grant.
func (p *TestIdP) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedRefreshToken configures the refresh token accepted by the token
// endpoint's refresh_token grant.
func (p *TestIdP) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefreshToken = token
}

// SetExpectedNonce configures the nonce embedded into issued id_tokens.
func (p *TestIdP) SetExpectedNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedNonce = nonce
}

// SetCustomClaims lets you set extra claims to embed in issued id_tokens.
func (p *TestIdP) SetCustomClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

// SetUserinfoReply replaces the userinfo endpoint's response document.
func (p *TestIdP) SetUserinfoReply(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = claims
}

// SetExpiresIn configures the expires_in value of issued tokens, in seconds.
func (p *TestIdP) SetExpiresIn(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyExpiresIn = seconds
}

// OmitIDTokens forces an error state where the token endpoint does not
// return an id_token.
func (p *TestIdP) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitRefreshTokens makes the token endpoint issue tokens without a
// refresh_token.
func (p *TestIdP) OmitRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = true
}

// DisableUserInfo makes the userinfo endpoint return 404 and omits it from
// the discovery document.
func (p *TestIdP) DisableUserInfo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = true
}

// DisableEndSession omits end_session_endpoint from the discovery document.
func (p *TestIdP) DisableEndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableEndSession = true
}

// FailTokenEndpoint makes every token endpoint call return a 500.
func (p *TestIdP) FailTokenEndpoint(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTokenEndpoint = fail
}

// TokenRequestCount returns how many calls the token endpoint received.
func (p *TestIdP) TokenRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// RefreshRequestCount returns how many refresh_token grant calls the token
// endpoint received.
func (p *TestIdP) RefreshRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshRequests
}

// EndSessionCalls returns the query parameters of every end-session call
// received.
func (p *TestIdP) EndSessionCalls() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.endSessionCalls...)
}

func (p *TestIdP) writeJSON(w http.ResponseWriter, out interface{}) {
	_ = json.NewEncoder(w).Encode(out)
}

func (p *TestIdP) writeTokenError(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}
	w.WriteHeader(statusCode)
	p.writeJSON(w, &body)
}

// signIDToken issues an id_token for the configured subject and client.
func (p *TestIdP) signIDToken(audience string) string {
	stdClaims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-5 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Expiry:    jwt.NewNumericDate(time.Now().Add(time.Duration(p.replyExpiresIn) * time.Second)),
		Audience:  jwt.Audience{audience},
	}
	private := map[string]interface{}{}
	for k, v := range p.customClaims {
		private[k] = v
	}
	if p.expectedNonce != "" {
		private["nonce"] = p.expectedNonce
	}
	return TestSignJWT(p.t, p.ecdsaPrivateKey, stdClaims, private)
}

type testTokenReply struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int    `json:"refresh_expires_in,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
}

// ServeHTTP implements the test IdP's http.Handler.
func (p *TestIdP) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.t.Helper()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := ProviderMetadata{
			Issuer:                p.Addr(),
			AuthorizationEndpoint: p.Addr() + "/auth",
			TokenEndpoint:         p.Addr() + "/token",
			JWKSURI:               p.Addr() + "/certs",
			UserinfoEndpoint:      p.Addr() + "/userinfo",
			EndSessionEndpoint:    p.Addr() + "/end-session",
		}
		if p.disableUserInfo {
			reply.UserinfoEndpoint = ""
		}
		if p.disableEndSession {
			reply.EndSessionEndpoint = ""
		}
		p.writeJSON(w, &reply)

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.writeJSON(w, p.jwks)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.tokenRequests++
		if p.failTokenEndpoint {
			p.writeTokenError(w, http.StatusInternalServerError, "server_error", "token endpoint forced to fail")
			return
		}

		reply := testTokenReply{
			TokenType: "Bearer",
			ExpiresIn: p.replyExpiresIn,
		}
		switch req.FormValue("grant_type") {
		case "authorization_code":
			if req.FormValue("code") != p.expectedAuthCode {
				p.writeTokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
				return
			}
			reply.AccessToken = "test-access-token"
			reply.IDToken = p.signIDToken(p.clientID)

		case "refresh_token":
			p.refreshRequests++
			if req.FormValue("refresh_token") != p.expectedRefreshToken {
				p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unexpected refresh token")
				return
			}
			reply.AccessToken = "refreshed-access-token"
			reply.IDToken = p.signIDToken(p.clientID)

		case "urn:ietf:params:oauth:grant-type:token-exchange":
			if req.FormValue("subject_token") == "" {
				p.writeTokenError(w, http.StatusBadRequest, "invalid_request", "subject_token is missing")
				return
			}
			if req.FormValue("audience") == "" {
				p.writeTokenError(w, http.StatusBadRequest, "invalid_target", "audience is missing")
				return
			}
			reply.AccessToken = "exchanged-access-token"

		default:
			p.writeTokenError(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
			return
		}
		if !p.omitRefreshToken {
			reply.RefreshToken = p.expectedRefreshToken
			reply.RefreshExpiresIn = p.replyExpiresIn * 24
		}
		if p.omitIDToken {
			reply.IDToken = ""
		}
		p.writeJSON(w, &reply)

	case "/userinfo":
		if p.disableUserInfo {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if req.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.writeJSON(w, p.replyUserinfo)

	case "/end-session":
		if p.disableEndSession {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		p.endSessionCalls = append(p.endSessionCalls, req.URL.Query())
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				Use:       "sig",
				Algorithm: "ES256",
			},
		},
	}
}
