package resilience

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", Transient(errors.New("503")), ErrorTransient},
		{"permanent error", errors.New("invalid input"), ErrorPermanent},
		{"connection reset", errors.New("connection reset by peer"), ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestFailureMessage(t *testing.T) {
	assert.Empty(t, FailureMessage(nil))
	assert.Equal(t, "transient: rate limited", FailureMessage(Transient(errors.New("rate limited"))))
	assert.Equal(t, "permanent: unknown calendar", FailureMessage(errors.New("unknown calendar")))
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"transient: rate limited", ErrorTransient},
		{"permanent: connection reset by peer", ErrorPermanent},
		{"claim expired", ErrorPermanent},
		{"read tcp: i/o timeout", ErrorTransient},
		{"", ErrorPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMessage(tt.msg))
		})
	}
}
