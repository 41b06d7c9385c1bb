package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Default endpoints. RPC routes live on the API host, uploads on the
// content host.
const (
	DefaultAPIURL     = "https://api.dropboxapi.com/2"
	DefaultContentURL = "https://content.dropboxapi.com/2"
)

// Backoff constants.
const (
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25

	defaultRPCRetries = 3
	defaultUserAgent  = "rss-kobo/0.1"
)

// Client talks to the Dropbox v2 API. It is safe for concurrent use.
type Client struct {
	apiURL     string
	contentURL string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	// rpcRetries bounds retries of idempotent RPC routes. Upload routes are
	// never retried here; the uploader owns that policy.
	rpcRetries int

	// sleepFunc is called to wait between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Dropbox client. Empty URLs select the production
// hosts; nil httpClient selects http.DefaultClient.
func NewClient(apiURL, contentURL string, httpClient *http.Client, logger *slog.Logger, userAgent string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	if contentURL == "" {
		contentURL = DefaultContentURL
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		contentURL: strings.TrimRight(contentURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
		rpcRetries: defaultRPCRetries,
		sleepFunc:  Sleep,
	}
}

// rpc calls a JSON route on the API host and decodes the result into out.
// Retryable failures are retried with backoff.
func (c *Client) rpc(ctx context.Context, accessToken, endpoint string, arg, out any) error {
	var payload []byte

	if arg != nil {
		var err error

		payload, err = json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("dropbox: encoding %s arguments: %w", endpoint, err)
		}
	}

	var attempt int
	for {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		err := c.send(ctx, c.apiURL, endpoint, accessToken, "application/json", body, -1, "", out)
		if err == nil {
			return nil
		}

		if !IsRetryable(err) || attempt >= c.rpcRetries {
			if attempt > 0 {
				c.logger.Error("request failed after retries",
					slog.String("endpoint", endpoint),
					slog.Int("attempts", attempt+1),
				)
			}

			return err
		}

		backoff := Backoff(err, attempt)
		c.logger.Warn("retrying request",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("dropbox: %s canceled: %w", endpoint, sleepErr)
		}

		attempt++
	}
}

// content calls an upload route on the content host. arg goes in the
// Dropbox-API-Arg header and body is sent as octet-stream of length bytes.
// No retry: the caller decides whether a chunk is resent.
func (c *Client) content(
	ctx context.Context, accessToken, endpoint string, arg any, body io.Reader, length int64, out any,
) error {
	header, err := apiArgHeader(arg)
	if err != nil {
		return fmt.Errorf("dropbox: encoding %s arguments: %w", endpoint, err)
	}

	if body == nil {
		body = http.NoBody
	}

	return c.send(ctx, c.contentURL, endpoint, accessToken, "application/octet-stream", body, length, header, out)
}

// send performs a single request. A nil out discards the response body.
func (c *Client) send(
	ctx context.Context, baseURL, endpoint, accessToken, contentType string,
	body io.Reader, length int64, apiArg string, out any,
) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("dropbox: creating %s request: %w", endpoint, err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	if apiArg != "" {
		req.Header.Set("Dropbox-API-Arg", apiArg)
	}

	if length >= 0 {
		req.ContentLength = length
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("dropbox: %s canceled: %w", endpoint, ctx.Err())
		}

		return &transportError{endpoint: endpoint, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		apiErr := parseAPIError(endpoint, resp, errBody)

		c.logger.Debug("request failed",
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode),
			slog.String("request_id", apiErr.RequestID),
			slog.String("summary", apiErr.Summary),
		)

		return apiErr
	}

	c.logger.Debug("request succeeded",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
	)

	if out == nil {
		// Drain body to reuse connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return &transportError{endpoint: endpoint, err: drainErr}
		}

		return nil
	}

	if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
		return fmt.Errorf("dropbox: decoding %s response: %w", endpoint, decErr)
	}

	return nil
}

// apiArgHeader encodes arg as JSON for the Dropbox-API-Arg header. HTTP
// headers must be ASCII, so every non-ASCII rune (and DEL) is written as a
// \uXXXX escape, with surrogate pairs outside the BMP.
func apiArgHeader(arg any) (string, error) {
	if arg == nil {
		return "", nil
	}

	raw, err := json.Marshal(arg)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(raw))

	for _, r := range string(raw) {
		switch {
		case r < utf8.RuneSelf && r != 0x7f:
			b.WriteRune(r)
		case r > 0xffff:
			r -= 0x10000
			fmt.Fprintf(&b, `\u%04x\u%04x`, 0xd800+(r>>10), 0xdc00+(r&0x3ff))
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}

	return b.String(), nil
}

// Backoff returns how long to wait before retry number attempt (0-based).
// A server-provided Retry-After wins; otherwise exponential backoff with
// ±25% jitter.
func Backoff(err error, attempt int) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}

	return calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
