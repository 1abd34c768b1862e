package sharepoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource yields a bearer token for the external API.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// TokenURL builds the tenant token endpoint for the client-credentials flow.
func TokenURL(tenantID string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
}

type clientCredentialsSource struct {
	cfg *clientcredentials.Config
}

// NewClientCredentialsSource builds a token source backed by the OAuth2
// client-credentials grant. Every call hits the identity provider; wrap it in
// CachedTokenSource to avoid that.
func NewClientCredentialsSource(tokenURL, clientID, clientSecret, scope string) TokenSource {
	return &clientCredentialsSource{
		cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{scope},
		},
	}
}

func (s *clientCredentialsSource) Token(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials token: %w", err)
	}
	return tok, nil
}

// CachedTokenSource layers a Redis cache over another source so short-lived
// invocations running in fresh processes can reuse a still-valid token
// instead of hitting the identity provider on every upload. A cold cache
// falls through to the inner source.
type CachedTokenSource struct {
	client *redis.Client
	key    string
	slack  time.Duration
	inner  TokenSource
}

func NewCachedTokenSource(client *redis.Client, key string, slack time.Duration, inner TokenSource) *CachedTokenSource {
	if key == "" {
		key = "sharepoint:token"
	}
	return &CachedTokenSource{client: client, key: key, slack: slack, inner: inner}
}

func (c *CachedTokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	if cached, err := c.client.Get(ctx, c.key).Result(); err == nil && cached != "" {
		return &oauth2.Token{AccessToken: cached}, nil
	}

	tok, err := c.inner.Token(ctx)
	if err != nil {
		return nil, err
	}

	// Cache with a TTL shy of the real expiry so a cached token is never
	// handed out moments before it stops working.
	if !tok.Expiry.IsZero() {
		ttl := time.Until(tok.Expiry) - c.slack
		if ttl > 0 {
			if err := c.client.Set(ctx, c.key, tok.AccessToken, ttl).Err(); err != nil {
				// Cache write failures are not delivery failures.
				return tok, nil
			}
		}
	}
	return tok, nil
}
