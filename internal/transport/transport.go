// Package transport implements the HTTP client to the message board of
// spec.md §6: fetch, send, post_announcement, fetch_announcements. Retry
// backoff is grounded on the teacher's pkg/network/reconnect.go
// exponential-backoff-with-cap, reset-on-success loop, generalized here
// from a TCP reconnect loop to a per-call HTTP retry loop.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zentalk/core/internal/model"
)

// Kind classifies a transport failure the way spec.md §7 requires.
type Kind int

const (
	KindTimeout Kind = iota
	KindNetworkError
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindNetworkError:
		return "NetworkError"
	case KindServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

// Error wraps a transport failure with its classification and, for HTTP
// failures, the response status code.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config mirrors spec.md §6's `protocol` section.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 10 * time.Second, RetryAttempts: 3}
}

// Slot is one filled board slot.
type Slot struct {
	Seeker     model.Seeker `json:"seeker"`
	Ciphertext []byte       `json:"ciphertext"`
}

// AnnouncementRecord is one posted announcement with its board counter.
type AnnouncementRecord struct {
	Announcement []byte `json:"announcement"`
	Counter      string `json:"counter"`
}

// Client implements the message board's four operations over HTTP,
// retrying network failures with exponential backoff capped at 30s and
// reset on success, mirroring the teacher's reconnect loop.
type Client struct {
	cfg        Config
	http       *http.Client
	minBackoff time.Duration
	maxBackoff time.Duration
}

// New constructs a Client bound to cfg.BaseURL.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: cfg.Timeout},
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Fetch implements `fetch(seekers[]) → [{seeker, ciphertext}]`.
func (c *Client) Fetch(seekers []model.Seeker) ([]Slot, error) {
	var out []Slot
	err := c.doJSON(context.Background(), http.MethodPost, "/fetch", map[string]interface{}{"seekers": seekers}, &out)
	return out, err
}

// Send implements `send({seeker, ciphertext})`, idempotent on retry with
// the same seeker.
func (c *Client) Send(seeker model.Seeker, ciphertext []byte) error {
	return c.doJSON(context.Background(), http.MethodPost, "/send", Slot{Seeker: seeker, Ciphertext: ciphertext}, nil)
}

// PostAnnouncement implements `post_announcement(bytes) → counter`.
func (c *Client) PostAnnouncement(announcement []byte) (string, error) {
	var resp struct {
		Counter string `json:"counter"`
	}
	err := c.doJSON(context.Background(), http.MethodPost, "/announcements", map[string]interface{}{"announcement": announcement}, &resp)
	return resp.Counter, err
}

// FetchAnnouncements implements `fetch_announcements(cursor, limit) →
// [{announcement, counter}]`.
func (c *Client) FetchAnnouncements(cursor string, limit int) ([]AnnouncementRecord, error) {
	var out []AnnouncementRecord
	path := fmt.Sprintf("/announcements?cursor=%s&limit=%d", cursor, limit)
	err := c.doJSON(context.Background(), http.MethodGet, path, nil, &out)
	return out, err
}

// doJSON performs one HTTP round trip with retry, backoff, and
// classification, retrying network failures up to cfg.RetryAttempts
// times before bubbling a permanent failure to the caller.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encoding request: %w", err)
		}
		bodyBytes = b
	}

	backoff := c.minBackoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, c.cfg.BaseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			cancel()
			return fmt.Errorf("transport: building request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		cancel()
		if err != nil {
			if reqCtx.Err() == context.DeadlineExceeded {
				lastErr = &Error{Kind: KindTimeout, Err: err}
			} else {
				lastErr = &Error{Kind: KindNetworkError, Err: err}
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = &Error{Kind: KindNetworkError, Err: readErr}
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = &Error{Kind: KindServerError, StatusCode: resp.StatusCode, Err: fmt.Errorf("server error")}
			continue
		}
		if resp.StatusCode >= 400 {
			// 4xx is a permanent failure: the caller's request is wrong,
			// retrying it unchanged would never succeed.
			return &Error{Kind: KindServerError, StatusCode: resp.StatusCode, Err: fmt.Errorf("client error")}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("transport: decoding response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}
