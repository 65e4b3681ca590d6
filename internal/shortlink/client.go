// ABOUTME: HTTP client for text-mode URL shortener APIs
// ABOUTME: Calls GET /api?api=KEY&url=URL&format=text and returns the short URL

package shortlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single shorten call when the caller sets no deadline.
const DefaultTimeout = 10 * time.Second

// maxBody caps how much of the shortener's reply is read.
const maxBody = 4096

// ErrBadReply is returned when the shortener answers with something that is
// not a URL, which is how these services report invalid keys.
var ErrBadReply = errors.New("shortener returned a non-URL reply")

// Client shortens URLs through AdLinkFly-style shortener APIs. The host and
// API key are per call since each group may configure its own service.
type Client struct {
	client *http.Client
	scheme string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithScheme sets the URL scheme used to reach shortener hosts. Defaults to https.
func WithScheme(scheme string) Option {
	return func(c *Client) { c.scheme = scheme }
}

// New creates a shortlink client.
func New(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{Timeout: DefaultTimeout},
		scheme: "https",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Shorten asks host to shorten longURL using apiKey.
func (c *Client) Shorten(ctx context.Context, longURL, host, apiKey string) (string, error) {
	if host == "" || apiKey == "" {
		return "", fmt.Errorf("shortening url: host and api key are required")
	}

	q := url.Values{}
	q.Set("api", apiKey)
	q.Set("url", longURL)
	q.Set("format", "text")
	endpoint := (&url.URL{
		Scheme:   c.scheme,
		Host:     strings.TrimSuffix(host, "/"),
		Path:     "/api",
		RawQuery: q.Encode(),
	}).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("shortener returned status %d", resp.StatusCode)
	}

	short := strings.TrimSpace(string(body))
	if !strings.HasPrefix(short, "http") {
		return "", fmt.Errorf("%w: %.80q", ErrBadReply, short)
	}
	return short, nil
}
