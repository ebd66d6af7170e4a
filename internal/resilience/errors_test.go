package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid api key"), false},
		{"marked", Transient(errors.New("rate limited")), true},
		{"wrapped mark", fmt.Errorf("fetch: %w", Transient(errors.New("bad gateway"))), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"net timeout", timeoutErr{}, true},
		{"message", errors.New("Get https://api: i/o timeout"), true},
		{"broken pipe is not retried", errors.New("write: broken pipe"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient(nil))

	inner := errors.New("upstream 503")
	err := Transient(inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "upstream 503", err.Error())
}
