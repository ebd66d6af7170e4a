package resilience

import (
	"time"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/db"
)

// ContentionRetry converts retry settings into the policy used around
// conflicting store writes. Only write conflicts are retried.
func ContentionRetry(cfg config.RetryConfig) RetryConfig {
	rc := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.5,
		ShouldRetry:    db.IsConflict,
	}
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	return rc
}

// SyncBackoff converts sync settings into the schedule used between provider
// sync attempts.
func SyncBackoff(cfg config.SyncConfig) RetryConfig {
	rc := RetryConfig{
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     time.Hour,
		Multiplier:     2.0,
	}
	if cfg.InitialBackoffSecs > 0 {
		rc.InitialBackoff = time.Duration(cfg.InitialBackoffSecs) * time.Second
	}
	if cfg.MaxBackoffSecs > 0 {
		rc.MaxBackoff = time.Duration(cfg.MaxBackoffSecs) * time.Second
	}
	if cfg.Multiplier > 0 {
		rc.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		rc.JitterFraction = cfg.Jitter
	}
	return rc
}

// ProviderBreakers converts sync settings into per-provider breaker settings.
func ProviderBreakers(cfg config.SyncConfig) CircuitBreakerConfig {
	cb := DefaultCircuitBreakerConfig()
	if cfg.BreakerThreshold > 0 {
		cb.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerResetSecs > 0 {
		cb.ResetTimeout = time.Duration(cfg.BreakerResetSecs) * time.Second
	}
	return cb
}
