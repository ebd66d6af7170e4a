package resilience

import (
	"errors"
	"strings"
)

// Error types recorded with failed provider syncs.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}

// FailureMessage renders err for storage, prefixed with its error type so
// the classification survives after the error value is gone.
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}
	return ClassifyError(err) + ": " + err.Error()
}

// ClassifyMessage recovers the error type from a stored failure message.
// Messages without a type prefix fall back to the transport heuristics.
func ClassifyMessage(msg string) string {
	for _, kind := range []string{ErrorTransient, ErrorPermanent} {
		if strings.HasPrefix(msg, kind+": ") {
			return kind
		}
	}
	if msg == "" {
		return ErrorPermanent
	}
	return ClassifyError(errors.New(msg))
}
