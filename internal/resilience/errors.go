package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// transientError marks a provider failure worth another sync attempt.
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }

func (e transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. Providers wrap throttling and upstream
// outages with it; the poller wraps an open circuit.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// transientMessages cover stored failures written before the type prefix
// existed and transport errors that lost their type on the way up.
var transientMessages = []string{
	"connection reset by peer",
	"connection refused",
	"i/o timeout",
}

// IsTransient reports whether a failed sync should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
