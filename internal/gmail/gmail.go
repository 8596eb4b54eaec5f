// Package gmail is a thin client for the Gmail REST API calls the exporter
// needs: profile lookup, paginated search, full message retrieval and
// attachment download. Every call goes through one retry loop that renews
// the token once on 401 and backs off on rate limiting.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shineum/pdfzip/internal/attachment"
	"github.com/shineum/pdfzip/internal/auth"
)

const (
	// DefaultPageSize is the largest page messages.list accepts.
	DefaultPageSize = 500

	// DefaultMaxRetries is the number of retries for rate-limited or
	// server-busy responses.
	DefaultMaxRetries = 5

	// DefaultBaseRetryDelay is the first backoff delay; it doubles per retry.
	DefaultBaseRetryDelay = 300 * time.Millisecond

	// me addresses the authenticated user.
	me = "me"
)

// Config holds the settings for creating a Client.
type Config struct {
	// Endpoint overrides the API base URL (used by tests). Must end in "/".
	Endpoint string

	PageSize int64

	// MaxRetries of zero means DefaultMaxRetries; a negative value disables
	// retries.
	MaxRetries     int
	BaseRetryDelay time.Duration

	// HTTPClient supplies the underlying transport. Its Transport is wrapped
	// to add the bearer token. Defaults to a client with a 60s timeout.
	HTTPClient *http.Client
}

// Page is one page of search results.
type Page struct {
	MessageIDs    []string
	NextPageToken string
	SizeEstimate  int64
}

// Client talks to the Gmail API on behalf of one authenticated user.
// @MX:ANCHOR: [AUTO] External system integration point for the Gmail API
// @MX:REASON: All mailbox reads flow through this client
type Client struct {
	svc            *gmailv1.Service
	auth           auth.Authenticator
	pageSize       int64
	maxRetries     int
	baseRetryDelay time.Duration
}

// New creates a Client whose requests carry tokens from a.
func New(ctx context.Context, cfg Config, a auth.Authenticator) (*Client, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		// Negative disables retries.
		cfg.MaxRetries = 0
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = DefaultBaseRetryDelay
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 60 * time.Second}
	}
	httpClient := &http.Client{
		Transport:     &bearerTransport{base: base.Transport, auth: a},
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}

	opts := []option.ClientOption{
		option.WithHTTPClient(httpClient),
		option.WithUserAgent("pdfzip"),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Client{
		svc:            svc,
		auth:           a,
		pageSize:       cfg.PageSize,
		maxRetries:     cfg.MaxRetries,
		baseRetryDelay: cfg.BaseRetryDelay,
	}, nil
}

// Profile returns the email address of the authenticated account.
func (c *Client) Profile(ctx context.Context) (string, error) {
	var profile *gmailv1.Profile
	err := c.do(ctx, "profile", func() error {
		var err error
		profile, err = c.svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return profile.EmailAddress, nil
}

// ListPage fetches one page of message IDs matching query. An empty
// pageToken requests the first page.
func (c *Client) ListPage(ctx context.Context, query, pageToken string) (*Page, error) {
	var resp *gmailv1.ListMessagesResponse
	err := c.do(ctx, "messages.list", func() error {
		call := c.svc.Users.Messages.List(me).MaxResults(c.pageSize).Context(ctx)
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &Page{
		MessageIDs:    make([]string, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
		SizeEstimate:  resp.ResultSizeEstimate,
	}
	for _, m := range resp.Messages {
		page.MessageIDs = append(page.MessageIDs, m.Id)
	}
	return page, nil
}

// ListAll pages through every message matching query until no continuation
// token remains. onPage, when non-nil, runs after each page with the page
// and the running total; an error from it stops the listing.
func (c *Client) ListAll(ctx context.Context, query string, onPage func(p *Page, total int) error) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		page, err := c.ListPage(ctx, query, pageToken)
		if err != nil {
			return ids, err
		}
		ids = append(ids, page.MessageIDs...)
		if onPage != nil {
			if err := onPage(page, len(ids)); err != nil {
				return ids, err
			}
		}
		if page.NextPageToken == "" {
			return ids, nil
		}
		pageToken = page.NextPageToken
	}
}

// Message fetches the full structure of one message, including its part tree.
func (c *Client) Message(ctx context.Context, id string) (*gmailv1.Message, error) {
	var msg *gmailv1.Message
	err := c.do(ctx, "messages.get", func() error {
		var err error
		msg, err = c.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Attachment downloads and decodes the bytes of one attachment.
func (c *Client) Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmailv1.MessagePartBody
	err := c.do(ctx, "attachments.get", func() error {
		var err error
		body, err = c.svc.Users.Messages.Attachments.Get(me, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return attachment.DecodeData(body.Data)
}

// do runs call with the retry policy: one token renewal on 401, exponential
// backoff on 429 and 5xx up to maxRetries, and immediate failure otherwise.
func (c *Client) do(ctx context.Context, op string, call func() error) error {
	tokenRefreshed := false
	retries := 0

	for {
		err := call()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}

		var gerr *googleapi.Error
		if !errors.As(err, &gerr) {
			return fmt.Errorf("%s: %w", op, err)
		}
		apiErr := classifyError(gerr)

		switch {
		case apiErr.StatusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Gmail API token after 401", "op", op)
			if err := c.auth.Invalidate(ctx); err != nil {
				return fmt.Errorf("token invalidation failed: %w", err)
			}
			tokenRefreshed = true
			continue
		case apiErr.transient && retries < c.maxRetries:
			delay := retryAfterDelay(apiErr.retryAfter, c.backoffDelay(retries))
			slog.Info("transient Gmail API error, retrying",
				"op", op,
				"status", apiErr.StatusCode,
				"attempt", retries+1,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			retries++
			continue
		case apiErr.transient:
			return fmt.Errorf("%s: %w after %d retries: %w", op, ErrRetriesExhausted, retries, apiErr)
		default:
			return fmt.Errorf("%s: %w", op, apiErr)
		}
	}
}

// backoffDelay returns the exponential backoff delay for the given retry number.
// With the default base the delays are 300ms, 600ms, 1.2s, 2.4s, 4.8s.
func (c *Client) backoffDelay(retry int) time.Duration {
	delay := c.baseRetryDelay
	for i := 0; i < retry; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// bearerTransport adds the current access token to every request.
type bearerTransport struct {
	base http.RoundTripper
	auth auth.Authenticator
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.auth.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}
