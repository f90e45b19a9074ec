// Package hn is a minimal client for the Hacker News Firebase API.
package hn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"hnwatch/internal/retry"
	"hnwatch/pkg/logx"
)

const defaultBaseURL = "https://hacker-news.firebaseio.com/v0"

// ErrNotFound means the API answered with the JSON literal null: the item
// (or user) does not exist or has been deleted upstream.
var ErrNotFound = errors.New("hn: not found")

type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// RatePerSec caps outbound requests; the Firebase API is unauthenticated
	// and a bootstrap over a large submission history can otherwise hammer it.
	RatePerSec float64
}

type Client struct {
	base    string
	agent   string
	http    *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
	log     logx.Logger
}

func New(cfg Config, policy retry.Policy, log logx.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	agent := strings.TrimSpace(cfg.UserAgent)
	if agent == "" {
		agent = "hnwatch/1.0"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    base,
		agent:   agent,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		policy:  policy,
		log:     log,
	}
}

// UserSubmissions returns the ids of everything the user ever submitted
// (stories and comments), newest first as the API reports them.
func (c *Client) UserSubmissions(ctx context.Context, username string) ([]int64, error) {
	var u user
	err := c.getJSON(ctx, c.base+"/user/"+url.PathEscape(username)+".json", &u)
	if err != nil {
		return nil, err
	}
	return u.Submitted, nil
}

// Item fetches a single item. Returns ErrNotFound when the item is gone.
func (c *Client) Item(ctx context.Context, id int64) (*Item, error) {
	var it Item
	err := c.getJSON(ctx, fmt.Sprintf("%s/item/%d.json", c.base, id), &it)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, dst any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("User-Agent", c.agent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			// Network-level failures are transient by definition here.
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			// fall through to decode
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.log.Warn("hn request failed", logx.String("url", rawURL), logx.Int("status", resp.StatusCode))
			return fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(ErrNotFound)
		default:
			return retry.Permanent(fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode))
		}

		// The Firebase API reports missing/deleted entities as a 200 with
		// a null body.
		if isJSONNull(body) {
			return retry.Permanent(ErrNotFound)
		}
		if err := json.Unmarshal(body, dst); err != nil {
			return retry.Permanent(fmt.Errorf("GET %s: decode: %w", rawURL, err))
		}
		return nil
	})
}

func isJSONNull(body []byte) bool {
	return bytes.Equal(bytes.TrimSpace(body), []byte("null"))
}
