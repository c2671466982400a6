package rest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// refreshSkew is how far ahead of expiry a cached token is considered
// stale (spec.md §4.1: "refresh when now + 5min >= expiry").
const refreshSkew = 5 * time.Minute

// TokenSource provides OAuth2 bearer tokens to the request engine. Token
// may block; it must never be called while any other lock in this package
// is held (spec.md §4.1). Defined at the consumer per "accept interfaces,
// return structs" — mirrors the teacher's graph.TokenSource.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientCredentialsTokenSource is the one named-and-implemented strategy
// from spec.md §4.1's list of four (client credentials, refresh token,
// device code, machine identity); the other three remain external
// collaborators behind the same TokenSource interface. Refresh is
// serialized by a single mutex, mirroring the teacher's tokenBridge and
// oauth2.ReuseTokenSource.
type ClientCredentialsTokenSource struct {
	mu     sync.Mutex
	source oauth2.TokenSource
	cached *oauth2.Token
}

// NewClientCredentialsTokenSource builds a token source backed by the
// OAuth2 client-credentials grant.
func NewClientCredentialsTokenSource(cfg clientcredentials.Config) *ClientCredentialsTokenSource {
	return &ClientCredentialsTokenSource{source: cfg.TokenSource(context.Background())}
}

func (c *ClientCredentialsTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Now().Add(refreshSkew).Before(c.cached.Expiry) {
		return c.cached.AccessToken, nil
	}

	tok, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("rest: acquiring token: %w", err)
	}

	c.cached = tok

	return tok.AccessToken, nil
}

// staticTokenSource is a fixed-token TokenSource for callers bridging in a
// refresh-token/device-code/machine-identity collaborator that already
// resolves its own bearer string.
type staticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps an already-resolved bearer token. Useful for
// the three named-only provider strategies (refresh token, device code,
// machine identity) until a concrete adapter is wired in by the caller.
func NewStaticTokenSource(token string) TokenSource {
	return staticTokenSource{token: token}
}

func (s staticTokenSource) Token(context.Context) (string, error) {
	return s.token, nil
}
