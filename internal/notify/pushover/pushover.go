// Package pushover sends alert notifications through the Pushover messages API.
package pushover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultAPIURL is the Pushover messages endpoint.
	DefaultAPIURL = "https://api.pushover.net/1/messages.json"
	// DefaultSound is the notification sound used when none is configured.
	DefaultSound = "falling"

	maxTitleLen = 250
	maxBodyLen  = 1024
	maxURLLen   = 512
	httpTimeout = 10 * time.Second
)

// ErrDisabled is returned by Send when no credentials are configured.
var ErrDisabled = errors.New("pushover: notifier has no credentials")

// Message is one push notification.
type Message struct {
	Title string
	Body  string
	URL   string
}

// Notifier posts messages to Pushover.
type Notifier struct {
	apiURL string
	token  string
	user   string
	sound  string
	client *http.Client
}

// New creates a new Pushover notifier. If token or user is empty, Send
// returns ErrDisabled without contacting the API.
func New(token, user, sound string) *Notifier {
	if sound == "" {
		sound = DefaultSound
	}
	return &Notifier{
		apiURL: DefaultAPIURL,
		token:  token,
		user:   user,
		sound:  sound,
		client: &http.Client{Timeout: httpTimeout},
	}
}

// WithAPIURL overrides the messages endpoint.
func (n *Notifier) WithAPIURL(u string) *Notifier {
	n.apiURL = u
	return n
}

// Enabled reports whether credentials are configured.
func (n *Notifier) Enabled() bool {
	return n.token != "" && n.user != ""
}

type apiResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
}

// Send posts msg to Pushover. If no credentials are configured, it returns
// ErrDisabled immediately.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if !n.Enabled() {
		return ErrDisabled
	}

	form := url.Values{
		"token":   {n.token},
		"user":    {n.user},
		"title":   {truncate(msg.Title, maxTitleLen)},
		"message": {truncate(msg.Body, maxBodyLen)},
		"sound":   {n.sound},
	}
	if msg.URL != "" && utf8.RuneCountInString(msg.URL) <= maxURLLen {
		form.Set("url", msg.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("pushover: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req) //nolint:gosec // apiURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("pushover: post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pushover: api returned %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var ar apiResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return fmt.Errorf("pushover: decode response: %w", err)
	}
	if ar.Status != 1 {
		return fmt.Errorf("pushover: request %s rejected: %s", ar.Request, strings.Join(ar.Errors, "; "))
	}
	return nil
}

// truncate limits s to limit characters, ending cut text with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - 3
	for i := range s {
		if keep == 0 {
			return s[:i] + "..."
		}
		keep--
	}
	return s
}
