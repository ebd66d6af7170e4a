package model

import (
	"encoding/hex"
	"time"
)

// Severity ranks a briefing callout.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank orders severities: critical sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// ParseSeverity validates a severity name. An empty string is info.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return Severity(s), nil
	case "":
		return SeverityInfo, nil
	}
	return "", NewValidationError(CodeInvalidValue, "severity", "unknown severity %q", s)
}

// ProactiveInsight is a deduplicated alert produced by a detector. At most one
// insight per fingerprint is active until its ExpiresAt.
type ProactiveInsight struct {
	ID           string     `json:"id"`
	DetectorName string     `json:"detector_name"`
	Fingerprint  string     `json:"fingerprint"`
	SignalID     int64      `json:"signal_id,omitempty"`
	Entity       EntityRef  `json:"entity"`
	SignalType   string     `json:"signal_type,omitempty"`
	Headline     string     `json:"headline"`
	Detail       string     `json:"detail,omitempty"`
	Magnitude    float64    `json:"magnitude"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	DismissedAt  *time.Time `json:"dismissed_at,omitempty"`
}

// Callout is a briefing item promoted from an insight.
type Callout struct {
	ID          string           `json:"id"`
	Severity    Severity         `json:"severity"`
	CreatedAt   time.Time        `json:"created_at"`
	SurfacedAt  *time.Time       `json:"surfaced_at,omitempty"`
	DismissedAt *time.Time       `json:"dismissed_at,omitempty"`
	Insight     ProactiveInsight `json:"insight"`
}

// ValidateFingerprint accepts only lower-case hex sha256 digests.
func ValidateFingerprint(fp string) error {
	if len(fp) != 64 {
		return NewValidationError(CodeMalformedFingerprint, "fingerprint", "fingerprint must be 64 hex characters, got %d", len(fp))
	}
	for _, r := range fp {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return NewValidationError(CodeMalformedFingerprint, "fingerprint", "fingerprint must be lower-case hex")
		}
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return NewValidationError(CodeMalformedFingerprint, "fingerprint", "%v", err)
	}
	return nil
}
