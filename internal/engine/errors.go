package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	stealth "github.com/anatolykoptev/go-stealth"
)

var (
	// ErrNotFound is returned for an unknown user, session or record.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds is returned when a spend exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOutOfRange is returned for a selection or page outside the result set.
	ErrOutOfRange = errors.New("out of range")
	// ErrResolutionFailed means no playable media URL was found on a detail page.
	ErrResolutionFailed = errors.New("media url not found")
	// ErrUpstreamTimeout is a retryable timeout talking to the source site.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnavailable is any other failure talking to the source site.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrSessionExpired is returned when a transition has no session to act on.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidAmount is returned for non-positive ledger amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrSuperseded means a newer request from the same user replaced this one.
	ErrSuperseded = errors.New("superseded by a newer request")
)

// httpStatusError wraps a non-2xx HTTP status.
type httpStatusError struct {
	StatusCode int
}

func (e *httpStatusError) Error() string {
	return "status " + http.StatusText(e.StatusCode)
}

// IsRetryable reports whether err is a transient failure worth a "try again".
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamTimeout) {
		return true
	}

	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		return stealth.IsRetryableStatus(httpErr.StatusCode)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// classifyFetchError maps a transport failure onto the upstream taxonomy.
func classifyFetchError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}
