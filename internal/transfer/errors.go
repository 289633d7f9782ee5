package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"tachyon-transfer/internal/integrity"
)

// Sentinel errors
var (
	// ErrCancelled is returned when the caller's context is cancelled. It is an outcome, not a failure.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrRangeUnsupported means a part request did not get 206 Partial Content
	ErrRangeUnsupported = errors.New("server did not honor byte range")
	// ErrShortBody means a unit ended with a different byte count than requested
	ErrShortBody = errors.New("unexpected body length")
	// ErrNoSegments is returned for a playlist without media segments
	ErrNoSegments = errors.New("no segments found in playlist")
	// ErrStalled means no data arrived within the idle timeout. It is retryable.
	ErrStalled = fmt.Errorf("no data received: %w", context.DeadlineExceeded)
	// ErrLinkExpired indicates the URL has expired or access was revoked (HTTP 403)
	ErrLinkExpired = errors.New("link expired or access denied (403)")
)

// StatusError is a response with an unexpected HTTP status
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// FSError wraps a local filesystem failure; it is fatal for the attempt
type FSError struct {
	Op   string
	Path string
	Err  error
}

func (e *FSError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FSError) Unwrap() error { return e.Err }

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrLinkExpired, &StatusError{URL: resp.Request.URL.String(), Code: resp.StatusCode})
	}
	return &StatusError{URL: resp.Request.URL.String(), Code: resp.StatusCode}
}

// cancelled reports ErrCancelled when parent is done. A timed-out child context is not a cancellation.
func cancelled(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, parent.Err())
	}
	return err
}

// IsCancelled reports whether err is a cancellation outcome
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsTransient reports whether err is worth retrying with backoff:
// timeouts, connection failures, truncated bodies, 408, 429 and 5xx.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var fsErr *FSError
	if errors.As(err, &fsErr) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, ErrRangeUnsupported) || errors.Is(err, integrity.ErrMismatch) {
		return false
	}
	if errors.Is(err, ErrShortBody) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Describe turns a transfer error into a human-readable message
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if IsCancelled(err) {
		return "cancelled"
	}
	var se *StatusError
	if errors.As(err, &se) {
		return friendlyHTTPError(se.Code)
	}
	var fsErr *FSError
	if errors.As(err, &fsErr) {
		return fmt.Sprintf("Disk error: %v", fsErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return friendlyNetError(err)
	}
	return err.Error()
}

// friendlyNetError converts technical network errors to user-friendly messages
func friendlyNetError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return "Server not found. Check the URL is correct."
	case strings.Contains(msg, "connection refused"):
		return "Server is offline or unreachable."
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "Connection timed out. Try again later."
	case strings.Contains(msg, "certificate"):
		return "SSL certificate error. The website may not be secure."
	case strings.Contains(msg, "network is unreachable"):
		return "No internet connection."
	default:
		return "Connection failed: " + msg
	}
}

// friendlyHTTPError converts HTTP status codes to user-friendly messages
func friendlyHTTPError(status int) string {
	switch status {
	case 404:
		return "File not found on server (404)"
	case 403:
		return "Access denied by server (403)"
	case 401:
		return "Authentication required (401)"
	case 500, 502, 503:
		return fmt.Sprintf("Server error. Try again later (%d)", status)
	case 429:
		return "Too many requests. Wait and try again."
	default:
		return fmt.Sprintf("Server returned error %d", status)
	}
}
