// Package remote provides the authenticated HTTP client used to talk to the
// task tracker, with retry, exponential backoff, and proactive quota blocking.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Token       string
	MaxAttempts uint
	Timeout     time.Duration

	// Quota handling
	LowThreshold      int
	CriticalThreshold int
	ResetBuffer       time.Duration
	MaxQuotaWait      time.Duration

	Verbose bool
}

const (
	defaultMaxAttempts  = 4
	defaultTimeout      = 30 * time.Second
	defaultLow          = 50
	defaultCritical     = 10
	defaultResetBuffer  = 5 * time.Second
	defaultMaxQuotaWait = 5 * time.Minute
)

// Client is an authenticated JSON client for the tracker API.
type Client struct {
	baseURL string
	opts    Options
	http    *http.Client
	quota   *quotaTracker
}

// Response is the decoded outcome of a successful request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// NewClient creates a tracker client rooted at baseURL.
func NewClient(baseURL string, opts Options) *Client {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.LowThreshold == 0 {
		opts.LowThreshold = defaultLow
	}
	if opts.CriticalThreshold == 0 {
		opts.CriticalThreshold = defaultCritical
	}
	if opts.ResetBuffer == 0 {
		opts.ResetBuffer = defaultResetBuffer
	}
	if opts.MaxQuotaWait == 0 {
		opts.MaxQuotaWait = defaultMaxQuotaWait
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		quota:   newQuotaTracker(opts.LowThreshold, opts.CriticalThreshold),
	}
}

// RateLimit returns the most recently observed quota snapshot.
func (c *Client) RateLimit() RateLimitState {
	return c.quota.snapshot()
}

// Do issues a request and returns the response, retrying transient failures.
//
// Retry policy: transport errors and 5xx retry with exponential backoff;
// 403/429 retry honoring a server-provided delay when present; any other 4xx
// fails immediately. Before the first attempt the call blocks while the
// observed quota is below the critical threshold and the reset window (plus a
// safety buffer) has not elapsed, capped so the process never stalls forever.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	if err := c.awaitQuota(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 30 * time.Second

	resp, err := backoff.Retry(ctx, func() (*Response, error) {
		return c.doOnce(ctx, method, path, payload)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(c.opts.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// Get is a convenience wrapper for GET requests with a JSON-decoded result.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer res.Body.Close()

	c.quota.update(res.Header, time.Now())

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return &Response{StatusCode: res.StatusCode, Body: data, Header: res.Header}, nil

	case res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Status: res.StatusCode, RetryAfter: retryAfter(res.Header)}

	case res.StatusCode >= 400 && res.StatusCode < 500:
		return nil, backoff.Permanent(&InvalidRequestError{Status: res.StatusCode, Body: truncateBody(data)})

	default:
		return nil, &HTTPError{Status: res.StatusCode, Body: truncateBody(data)}
	}
}

// awaitQuota blocks while the remaining quota is below the critical threshold
// and the reset window has not yet elapsed.
func (c *Client) awaitQuota(ctx context.Context) error {
	wait := c.quota.waitNeeded(time.Now(), c.opts.ResetBuffer, c.opts.MaxQuotaWait)
	if wait <= 0 {
		return nil
	}

	if c.opts.Verbose {
		log.Printf("⏳ Quota nearly exhausted, holding requests for %s", wait.Round(time.Second))
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncateBody(data []byte) string {
	const max = 256
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
