// Package feed fetches the NWS CAP/Atom alert feed and decodes its entries.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultURL is the national CAP 1.1 Atom feed.
	DefaultURL = "https://alerts.weather.gov/cap/us.php?x=1"

	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
	userAgent      = "noaa-alerts-pushover (+https://github.com/greencoder/noaa-alerts-pushover)"
)

// ErrFetch wraps every transport, status, or read failure from Fetch.
var ErrFetch = errors.New("feed fetch failed")

// Client retrieves the alert feed over HTTP.
type Client struct {
	url     string
	client  *http.Client
	maxBody int64
}

// NewClient creates a feed client. A zero timeout uses 30s.
func NewClient(feedURL string, timeout time.Duration) *Client {
	if feedURL == "" {
		feedURL = DefaultURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url: feedURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxBody: maxBodyBytes,
	}
}

// URL returns the feed URL the client polls.
func (c *Client) URL() string { return c.url }

// Fetch downloads the whole feed document. Nothing is parsed until the
// returned Document's Entries are iterated, but the body is fully read here
// so a broken connection fails the fetch rather than the parse.
func (c *Client) Fetch(ctx context.Context) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/atom+xml, application/xml;q=0.9")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req) //nolint:gosec // feed URL is from trusted config
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: feed returned %d: %s", ErrFetch, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFetch, c.maxBody)
	}

	return NewDocument(body), nil
}
