// Package auth obtains, caches and invalidates Gmail bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a token expired.
// This prevents using a token that is about to expire during a request.
const tokenExpiryBuffer = 5 * time.Minute

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// RefreshTokenKey is the credential key holding the OAuth refresh token.
const RefreshTokenKey = "gmail-refresh-token"

var (
	// ErrNotLoggedIn is returned when no refresh token has been stored yet.
	ErrNotLoggedIn = errors.New("not logged in: run `pdfzip login` first")

	// ErrNoToken is returned by Static when it was built without a token.
	ErrNoToken = errors.New("no access token configured")
)

// Authenticator supplies bearer tokens for the mail API.
type Authenticator interface {
	// Token returns a usable access token, authenticating if needed.
	Token(ctx context.Context) (string, error)

	// Invalidate discards any cached token so that the next Token call
	// authenticates again.
	Invalidate(ctx context.Context) error
}

// TokenCache persists the current access token between runs.
type TokenCache interface {
	CachedToken(ctx context.Context) (token string, expiresAt time.Time, err error)
	SaveToken(ctx context.Context, token string, expiresAt time.Time) error
	ClearToken(ctx context.Context) error
}

// SecretStore holds the long-lived refresh token.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// OAuthConfig holds the OAuth client registration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Endpoint defaults to Google's OAuth endpoint.
	Endpoint oauth2.Endpoint

	// HTTPClient is used for token requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// OAuth is an Authenticator backed by an OAuth2 refresh token. Access tokens
// are held in memory and mirrored into a TokenCache, refreshed before they
// expire, and can be forcibly discarded after a 401.
type OAuth struct {
	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	config     *oauth2.Config
	httpClient *http.Client
	secrets    SecretStore
	cache      TokenCache
}

// NewOAuth creates an OAuth authenticator.
func NewOAuth(cfg OAuthConfig, secrets SecretStore, cache TokenCache) *OAuth {
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	return &OAuth{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		},
		httpClient: cfg.HTTPClient,
		secrets:    secrets,
		cache:      cache,
	}
}

// AuthCodeURL returns the consent page URL for the given anti-forgery state.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "select_account consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// Exchange trades an authorization code for tokens and stores the refresh
// token for later runs.
func (o *OAuth) Exchange(ctx context.Context, code string) error {
	tok, err := o.config.Exchange(o.clientContext(ctx), code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return fmt.Errorf("token response missing refresh_token")
	}
	if err := o.secrets.Set(RefreshTokenKey, tok.RefreshToken); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store(ctx, tok)
}

// Logout forgets both the refresh token and any cached access token.
func (o *OAuth) Logout(ctx context.Context) error {
	if err := o.Invalidate(ctx); err != nil {
		return err
	}
	return o.secrets.Delete(RefreshTokenKey)
}

// Token returns a valid access token, refreshing it if necessary.
// This method is safe for concurrent use.
func (o *OAuth) Token(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.accessToken != "" && time.Now().Before(o.expiresAt) {
		return o.accessToken, nil
	}

	if o.cache != nil {
		token, expiresAt, err := o.cache.CachedToken(ctx)
		if err != nil {
			slog.Warn("failed to read cached token", "error", err)
		} else if token != "" && time.Now().Before(expiresAt) {
			o.accessToken = token
			o.expiresAt = expiresAt
			return token, nil
		}
	}

	return o.refresh(ctx)
}

// Invalidate discards the in-memory and cached access token.
func (o *OAuth) Invalidate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.accessToken = ""
	o.expiresAt = time.Time{}

	if o.cache != nil {
		if err := o.cache.ClearToken(ctx); err != nil {
			return fmt.Errorf("clearing cached token: %w", err)
		}
	}
	return nil
}

// refresh acquires a new access token using the stored refresh token.
// The caller must hold o.mu.
func (o *OAuth) refresh(ctx context.Context) (string, error) {
	refreshToken, err := o.secrets.Get(RefreshTokenKey)
	if err != nil {
		return "", fmt.Errorf("%w (%v)", ErrNotLoggedIn, err)
	}
	if refreshToken == "" {
		return "", ErrNotLoggedIn
	}

	src := o.config.TokenSource(o.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	// Providers may rotate refresh tokens.
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if err := o.secrets.Set(RefreshTokenKey, tok.RefreshToken); err != nil {
			slog.Warn("failed to store rotated refresh token", "error", err)
		}
	}

	if err := o.store(ctx, tok); err != nil {
		return "", err
	}
	slog.Debug("refreshed Gmail access token", "expires_at", o.expiresAt)
	return o.accessToken, nil
}

// store records tok as the current access token. The caller must hold o.mu.
func (o *OAuth) store(ctx context.Context, tok *oauth2.Token) error {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(defaultTokenLifetime)
	}

	o.accessToken = tok.AccessToken
	o.expiresAt = expiry.Add(-tokenExpiryBuffer)

	if o.cache != nil {
		if err := o.cache.SaveToken(ctx, o.accessToken, o.expiresAt); err != nil {
			return fmt.Errorf("caching access token: %w", err)
		}
	}
	return nil
}

func (o *OAuth) clientContext(ctx context.Context) context.Context {
	if o.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

// Static serves a fixed access token, for tokens minted outside this tool.
type Static struct {
	token string
}

// NewStatic returns an Authenticator that always yields token.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

// Token returns the configured token.
func (s *Static) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// Invalidate is a no-op: a static token cannot be renewed, so a retried
// request will fail again and surface the authorization error.
func (s *Static) Invalidate(context.Context) error {
	slog.Debug("static token cannot be refreshed")
	return nil
}
