package model

import "time"

// WeightKey addresses one Beta posterior over a source's reliability.
type WeightKey struct {
	Source     string     `json:"source"`
	EntityType EntityType `json:"entity_type"`
	SignalType string     `json:"signal_type"`
}

// SourceWeight is the Beta(Alpha, Beta) posterior for a WeightKey. Rows are
// created lazily at the uninformative prior (1,1) and only ever increase.
type SourceWeight struct {
	WeightKey
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	UpdateCount int64     `json:"update_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PriorWeight returns the uninformative prior for key.
func PriorWeight(key WeightKey) SourceWeight {
	return SourceWeight{WeightKey: key, Alpha: 1, Beta: 1}
}

// Mean is the posterior mean alpha/(alpha+beta).
func (w SourceWeight) Mean() float64 {
	if w.Alpha+w.Beta <= 0 {
		return 0.5
	}
	return w.Alpha / (w.Alpha + w.Beta)
}

// WeightDelta is a non-negative increment applied to one posterior.
type WeightDelta struct {
	Key   WeightKey `json:"key"`
	Alpha float64   `json:"alpha"`
	Beta  float64   `json:"beta"`
}

// ResolutionFeedback is an append-only record of a user correction.
type ResolutionFeedback struct {
	ID           string    `json:"id"`
	MeetingID    string    `json:"meeting_id"`
	OldEntity    EntityRef `json:"old_entity"`
	NewEntity    EntityRef `json:"new_entity"`
	SignalSource string    `json:"signal_source"`
	CorrectedAt  time.Time `json:"corrected_at"`
}

// CorrectionPlan is computed from the current assignment inside the
// correction transaction.
type CorrectionPlan struct {
	Assignment Assignment    `json:"assignment"`
	Deltas     []WeightDelta `json:"deltas"`
}

// Relevance feedback actions.
const (
	ActionDismiss = "dismiss"
	ActionReject  = "reject"
)

// RelevanceFeedback logs a dismissal or rejection with the context needed for
// later relevance modeling.
type RelevanceFeedback struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	ItemType     string    `json:"item_type"`
	ItemID       string    `json:"item_id"`
	DetectorName string    `json:"detector_name,omitempty"`
	SignalType   string    `json:"signal_type,omitempty"`
	Source       string    `json:"source,omitempty"`
	SenderDomain string    `json:"sender_domain,omitempty"`
	Entity       EntityRef `json:"entity"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
