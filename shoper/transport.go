package shoper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRetryAfter is used when a 429 response carries no usable Retry-After.
const DefaultRetryAfter = time.Second

type RequestOptions struct {
	Query   url.Values
	JSON    any
	Headers http.Header
	// BasicAuth is sent instead of the session bearer token when set.
	BasicAuth *Credentials
}

type SleepFunc func(ctx context.Context, d time.Duration) error

// RateLimitedTransport issues catalog requests and transparently retries
// throttled ones. It never inspects any status other than 429.
type RateLimitedTransport struct {
	http    *http.Client
	logger  *logrus.Logger
	sleep   SleepFunc
	limiter <-chan time.Time

	mu    sync.RWMutex
	token string
}

type TransportConfig struct {
	HTTPClient *http.Client
	Logger     *logrus.Logger
	Sleep      SleepFunc
	// MinInterval paces outgoing requests. Zero disables pacing.
	MinInterval time.Duration
}

func NewRateLimitedTransport(cfg TransportConfig) *RateLimitedTransport {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	t := &RateLimitedTransport{
		http:   client,
		logger: logger,
		sleep:  sleep,
	}
	if cfg.MinInterval > 0 {
		t.limiter = time.Tick(cfg.MinInterval)
	}
	return t
}

func (t *RateLimitedTransport) SetBearerToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

func (t *RateLimitedTransport) bearerToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Execute sends the request, sleeping and re-issuing it for as long as the
// server answers 429. The returned response body must be closed by the caller.
func (t *RateLimitedTransport) Execute(ctx context.Context, method, rawURL string, opts RequestOptions) (*http.Response, error) {
	var body []byte
	if opts.JSON != nil {
		b, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = b
	}
	endpoint := rawURL
	if len(opts.Query) > 0 {
		endpoint = endpoint + "?" + opts.Query.Encode()
	}

	for attempt := 1; ; attempt++ {
		if t.limiter != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.limiter:
			}
		}

		req, err := t.newRequest(ctx, method, endpoint, body, opts)
		if err != nil {
			return nil, err
		}
		resp, err := t.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		wait := retryAfter(resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		t.logger.WithFields(logrus.Fields{
			"method":      method,
			"url":         rawURL,
			"attempt":     attempt,
			"retry_after": wait.String(),
		}).Warn("rate limit exceeded, retrying")

		if err := t.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (t *RateLimitedTransport) newRequest(ctx context.Context, method, endpoint string, body []byte, opts RequestOptions) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range opts.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if opts.BasicAuth != nil {
		req.SetBasicAuth(opts.BasicAuth.Login, opts.BasicAuth.Password)
	} else if token := t.bearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
