package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Fantasim/chainsync/internal/config"
)

// redactedParams are query parameter names whose values never reach a log line.
var redactedParams = map[string]bool{
	"apikey":  true,
	"api_key": true,
	"token":   true,
}

// HTTPClient executes requests against a single provider with pacing,
// bounded transient retry, and URL redaction. One instance per adapter.
type HTTPClient struct {
	name         string
	baseURL      string
	client       *http.Client
	rl           *RateLimiter
	basePolicy   RateLimitPolicy
	retries      int
	timeout      time.Duration
	callTimeout  time.Duration
	apiKeyEnvVar string
}

// HTTPClientOptions configures a provider HTTP client. Zero values fall back
// to the package defaults.
type HTTPClientOptions struct {
	BaseURL      string
	RateLimit    RateLimitPolicy
	Retries      int
	Timeout      time.Duration
	CallTimeout  time.Duration
	APIKeyEnvVar string
}

// NewHTTPClient creates the request executor for one provider.
func NewHTTPClient(name string, opts HTTPClientOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.ProviderRequestTimeout
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = config.ProviderCallTimeout
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = config.ProviderMaxRetries
	}

	slog.Debug("http client created",
		"provider", name,
		"baseURL", opts.BaseURL,
		"retries", retries,
		"timeout", timeout,
	)

	return &HTTPClient{
		name:         name,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		rl:           NewRateLimiter(name, opts.RateLimit),
		basePolicy:   opts.RateLimit,
		retries:      retries,
		timeout:      timeout,
		callTimeout:  callTimeout,
		apiKeyEnvVar: opts.APIKeyEnvVar,
	}
}

// WithRateLimit swaps the active pacing policy and returns a restore function.
// Restore must run on all exit paths; it returns pacing to the base policy
// regardless of nesting depth.
func (c *HTTPClient) WithRateLimit(policy RateLimitPolicy) func() {
	c.rl.SetPolicy(policy)
	slog.Info("rate limit override applied",
		"provider", c.name,
		"rps", policy.RequestsPerSecond,
	)
	return func() {
		c.rl.SetPolicy(c.basePolicy)
		slog.Info("rate limit override restored", "provider", c.name)
	}
}

// Get executes a GET against path (absolute or relative to the base URL) and
// decodes the JSON body into out.
func (c *HTTPClient) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post executes a POST with a JSON body and decodes the response into out.
func (c *HTTPClient) Post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	fullURL := path
	if !strings.HasPrefix(path, "http") {
		fullURL = c.baseURL + path
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	started := time.Now()
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt, lastErr)
			slog.Debug("retrying request",
				"provider", c.name,
				"attempt", attempt,
				"backoff", backoff,
				"url", c.RedactURL(fullURL),
			)
			select {
			case <-time.After(backoff):
			case <-callCtx.Done():
				return c.timeoutOrCancel(ctx, callCtx, started)
			}
		}

		if err := c.rl.Wait(callCtx); err != nil {
			return c.timeoutOrCancel(ctx, callCtx, started)
		}

		done, err := c.attempt(callCtx, method, fullURL, body, out)
		if done {
			return err
		}
		lastErr = err

		if callCtx.Err() != nil {
			return c.timeoutOrCancel(ctx, callCtx, started)
		}
	}

	// Retries exhausted: surface the final transient failure as typed.
	var rateErr *RateLimitError
	if errors.As(lastErr, &rateErr) {
		return lastErr
	}
	var svcErr *ServiceError
	if errors.As(lastErr, &svcErr) {
		return lastErr
	}
	return &ServiceError{Provider: c.name, Err: lastErr}
}

// attempt runs a single request. The bool return is true when the outcome is
// final (success or a non-retriable error); false means retry.
func (c *HTTPClient) attempt(ctx context.Context, method, fullURL string, body []byte, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return true, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "chainsync")

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("request failed",
			"provider", c.name,
			"url", c.RedactURL(fullURL),
			"error", err,
		)
		return false, &ServiceError{Provider: c.name, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header)
		slog.Warn("provider rate limited",
			"provider", c.name,
			"retryAfter", retryAfter,
		)
		return false, &RateLimitError{Provider: c.name, RetryAfter: retryAfter}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return true, &AuthError{Provider: c.name, Status: resp.StatusCode}

	case resp.StatusCode >= 500:
		slog.Warn("provider server error",
			"provider", c.name,
			"status", resp.StatusCode,
		)
		return false, &ServiceError{Provider: c.name, Status: resp.StatusCode}

	case resp.StatusCode >= 400:
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return true, &HttpError{
			Provider:    c.name,
			Status:      resp.StatusCode,
			BodyExcerpt: string(excerpt),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return true, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return true, &ValidationError{
			Provider: c.name,
			Path:     req.URL.Path,
			Reason:   fmt.Sprintf("decode response: %v", err),
		}
	}

	return true, nil
}

// backoff computes the exponential delay before the given attempt, honoring a
// provider Retry-After hint when one was attached to the previous failure.
func (c *HTTPClient) backoff(attempt int, lastErr error) time.Duration {
	var rateErr *RateLimitError
	if errors.As(lastErr, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter
	}

	delay := config.ProviderRetryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > config.ProviderRetryMaxDelay {
		delay = config.ProviderRetryMaxDelay
	}
	// Jitter avoids synchronized retry storms across concurrent calls.
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

func (c *HTTPClient) timeoutOrCancel(ctx, callCtx context.Context, started time.Time) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Provider: c.name, Elapsed: time.Since(started)}
	}
	return callCtx.Err()
}

// RedactURL replaces sensitive query parameter values with *** before the URL
// is logged: the provider's declared API key variable and the usual key-ish
// parameter names (apikey, api_key, token). Other parameters and request
// headers are not inspected.
func (c *HTTPClient) RedactURL(raw string) string {
	return RedactURL(raw, c.apiKeyEnvVar)
}

// RedactURL is the package-level redaction helper used by adapters that build
// URLs outside an HTTPClient.
func RedactURL(raw, apiKeyEnvVar string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	q := u.Query()
	changed := false
	for name := range q {
		lower := strings.ToLower(name)
		if redactedParams[lower] || (apiKeyEnvVar != "" && strings.EqualFold(name, apiKeyEnvVar)) {
			q.Set(name, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// MaskAddress reduces an address to head4…tail4 for structured logs.
func MaskAddress(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
