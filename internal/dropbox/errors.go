// Package dropbox is a thin HTTP client for the parts of the Dropbox v2 API
// the delivery pipeline uses: single-request and session uploads, and the
// current account lookup. Access tokens are passed per call; the package
// never refreshes them itself.
package dropbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for response classification.
// Use errors.Is(err, dropbox.ErrUnauthorized) to check.
var (
	ErrBadRequest       = errors.New("dropbox: bad request")
	ErrUnauthorized     = errors.New("dropbox: access token rejected")
	ErrForbidden        = errors.New("dropbox: forbidden")
	ErrConflict         = errors.New("dropbox: endpoint-specific error")
	ErrIncorrectOffset  = errors.New("dropbox: incorrect upload offset")
	ErrThrottled        = errors.New("dropbox: throttled")
	ErrServerError      = errors.New("dropbox: server error")
	ErrUnexpectedStatus = errors.New("dropbox: unexpected status")
)

// maxMessageLen bounds how much of an unstructured error body is kept.
const maxMessageLen = 512

// APIError is a non-2xx response from the API. Err is one of the sentinels
// above. CorrectOffset is only meaningful when Err is ErrIncorrectOffset.
type APIError struct {
	StatusCode    int
	RequestID     string
	Endpoint      string
	Summary       string
	Tag           string
	CorrectOffset int64
	RetryAfter    time.Duration
	Err           error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	msg := e.Summary
	if msg == "" {
		msg = e.Err.Error()
	}

	if e.RequestID != "" {
		return fmt.Sprintf("dropbox: %s: HTTP %d (request-id: %s): %s", e.Endpoint, e.StatusCode, e.RequestID, msg)
	}

	return fmt.Sprintf("dropbox: %s: HTTP %d: %s", e.Endpoint, e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorBody is the JSON envelope of route errors (409) and of most auth and
// rate-limit errors.
type errorBody struct {
	ErrorSummary string    `json:"error_summary"`
	Error        *errorTag `json:"error"`
}

// errorTag is a tagged union node. Upload routes nest incorrect_offset one
// level down under lookup_failed (finish) or report it directly (append).
type errorTag struct {
	Tag           string    `json:".tag"`
	CorrectOffset *int64    `json:"correct_offset"`
	LookupFailed  *errorTag `json:"lookup_failed"`
	Reason        *errorTag `json:"reason"`
	RetryAfter    int       `json:"retry_after"`
}

// parseAPIError builds an APIError from a failed response body.
func parseAPIError(endpoint string, resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Dropbox-Request-Id"),
		Endpoint:   endpoint,
		Err:        classifyStatus(resp.StatusCode),
	}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && (eb.ErrorSummary != "" || eb.Error != nil) {
		apiErr.Summary = eb.ErrorSummary

		if eb.Error != nil {
			apiErr.Tag = eb.Error.Tag

			if eb.Error.Tag == "" && eb.Error.Reason != nil {
				apiErr.Tag = eb.Error.Reason.Tag
			}

			if eb.Error.RetryAfter > 0 {
				apiErr.RetryAfter = time.Duration(eb.Error.RetryAfter) * time.Second
			}

			if off, ok := incorrectOffset(eb.Error); ok {
				apiErr.CorrectOffset = off
				apiErr.Err = ErrIncorrectOffset
			}
		}
	} else {
		apiErr.Summary = truncate(strings.TrimSpace(string(body)), maxMessageLen)
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			apiErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	return apiErr
}

func incorrectOffset(t *errorTag) (int64, bool) {
	for n := t; n != nil; n = n.LookupFailed {
		if n.Tag == "incorrect_offset" && n.CorrectOffset != nil {
			return *n.CorrectOffset, true
		}
	}

	return 0, false
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return ErrUnexpectedStatus
	}
}

// isRetryableStatus reports whether the given HTTP status code should be retried.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is worth another attempt: throttling,
// 5xx, and transport failures. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return isRetryableStatus(apiErr.StatusCode)
	}

	var te *transportError
	return errors.As(err, &te)
}

// transportError marks a request that never produced an HTTP response.
type transportError struct {
	endpoint string
	err      error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("dropbox: %s: request failed: %v", e.endpoint, e.err)
}

func (e *transportError) Unwrap() error {
	return e.err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
