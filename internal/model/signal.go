package model

import (
	"math"
	"strings"
	"time"
)

// Well-known signal types produced inside the engine.
const (
	SignalTypeEntityResolution = "entity_resolution"
	SignalTypeActivity         = "activity"
	SignalTypeSentiment        = "sentiment"
	SignalTypeDeadline         = "deadline"
	SignalTypeRenewal          = "renewal"
	SignalTypeRoleChange       = "role_change"
	SignalTypeDescriptor       = "descriptor"

	// SignalTypeReinforcement marks a successful resolution. Fusion over a
	// record's context signals ignores it.
	SignalTypeReinforcement = "resolution_reinforcement"
)

// SourceResolver is the source tag of signals written by the resolver.
const SourceResolver = "resolver"

// Signal is an immutable, timestamped observation about an entity. A
// correction is a new signal whose id is written into SupersededBy of the
// one it replaces.
type Signal struct {
	ID           int64     `json:"id"`
	Entity       EntityRef `json:"entity"`
	SignalType   string    `json:"signal_type"`
	Source       string    `json:"source"`
	Subject      string    `json:"subject,omitempty"`
	Value        string    `json:"value,omitempty"`
	Confidence   float64   `json:"confidence"`
	HalfLifeDays float64   `json:"half_life_days"`
	NaturalKey   string    `json:"natural_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	SupersededBy *int64    `json:"superseded_by,omitempty"`
}

// Active reports whether no later signal replaces s.
func (s Signal) Active() bool { return s.SupersededBy == nil }

// SignalSweep selects active signals for detectors that re-read stored
// signals on every run. Empty Types matches every type; a zero Since has no
// lower bound on created_at.
type SignalSweep struct {
	Types []string  `json:"types,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// SignalInput is the write side of record_signal.
type SignalInput struct {
	Entity       EntityRef `json:"entity"`
	SignalType   string    `json:"signal_type"`
	Source       string    `json:"source"`
	Subject      string    `json:"subject,omitempty"`
	Value        string    `json:"value,omitempty"`
	Confidence   float64   `json:"confidence"`
	HalfLifeDays float64   `json:"half_life_days"`
	// NaturalKey is an optional producer-defined dedup key. Exact repeats
	// are ignored.
	NaturalKey string `json:"natural_key,omitempty"`
	// Supersedes names a signal of the same entity and type that this one
	// replaces. Chains resolve to their terminal signal.
	Supersedes int64 `json:"supersedes,omitempty"`
}

// Normalize validates the input and clips confidence into [0,1].
func (in SignalInput) Normalize() (SignalInput, error) {
	if err := in.Entity.Validate(); err != nil {
		return in, err
	}
	in.SignalType = strings.TrimSpace(in.SignalType)
	in.Source = strings.TrimSpace(in.Source)
	in.NaturalKey = strings.TrimSpace(in.NaturalKey)
	if in.SignalType == "" {
		return in, NewValidationError(CodeMissingField, "signal_type", "signal type is required")
	}
	if in.Source == "" {
		return in, NewValidationError(CodeMissingField, "source", "source is required")
	}
	if math.IsNaN(in.Confidence) || math.IsInf(in.Confidence, 0) {
		return in, NewValidationError(CodeInvalidConfidence, "confidence", "confidence must be a finite number")
	}
	if math.IsNaN(in.HalfLifeDays) || math.IsInf(in.HalfLifeDays, 0) || in.HalfLifeDays < 0 {
		return in, NewValidationError(CodeInvalidHalfLife, "half_life_days", "half-life must be zero or a positive number of days")
	}
	if in.Supersedes < 0 {
		return in, NewValidationError(CodeInvalidSupersession, "supersedes", "invalid signal id %d", in.Supersedes)
	}
	in.Confidence = ClipUnit(in.Confidence)
	return in, nil
}

// ClipUnit clamps v into [0,1].
func ClipUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// SignalDerivation records that DerivedID was computed from SourceID.
type SignalDerivation struct {
	SourceID  int64     `json:"source_signal_id"`
	DerivedID int64     `json:"derived_signal_id"`
	RuleName  string    `json:"rule_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate enforces the acyclic lineage rule: a derived signal is always
// newer than its source.
func (d SignalDerivation) Validate() error {
	if strings.TrimSpace(d.RuleName) == "" {
		return NewValidationError(CodeMissingField, "rule_name", "rule name is required")
	}
	if d.SourceID <= 0 || d.DerivedID <= 0 {
		return NewValidationError(CodeInvalidDerivation, "", "both signal ids are required")
	}
	if d.DerivedID <= d.SourceID {
		return NewValidationError(CodeInvalidDerivation, "derived_signal_id",
			"derived signal %d must be newer than source %d", d.DerivedID, d.SourceID)
	}
	return nil
}
