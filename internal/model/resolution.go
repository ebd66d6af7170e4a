package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Record is a meeting or email awaiting entity resolution.
type Record struct {
	// ID is the record key, e.g. "meeting:123" or "email:abc". Context
	// signals about the record carry it as their subject.
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Body         string   `json:"body,omitempty"`
	Participants []string `json:"participants,omitempty"`
	// Explicit is a collaborator-provided assignment, e.g. a CRM link.
	Explicit           *EntityRef `json:"explicit,omitempty"`
	ExplicitConfidence float64    `json:"explicit_confidence,omitempty"`
}

// ResolutionStatus is the outcome of resolving a record.
type ResolutionStatus string

const (
	StatusResolved   ResolutionStatus = "resolved"
	StatusUnresolved ResolutionStatus = "unresolved"
)

// Evidence is one stage's best candidate for a record.
type Evidence struct {
	Source      string    `json:"source"`
	Entity      EntityRef `json:"entity"`
	Confidence  float64   `json:"confidence"`
	Explanation string    `json:"explanation,omitempty"`
}

// Resolution is the result of the resolution cascade.
type Resolution struct {
	RecordID    string           `json:"record_id"`
	Entity      EntityRef        `json:"entity"`
	Confidence  float64          `json:"confidence"`
	Status      ResolutionStatus `json:"status"`
	Stage       string           `json:"stage,omitempty"`
	NeedsReview bool             `json:"needs_review"`
	Evidence    []Evidence       `json:"evidence"`
}

// Assignment is the persisted current resolution of a record.
type Assignment struct {
	RecordID   string           `json:"record_id"`
	Entity     EntityRef        `json:"entity"`
	Confidence float64          `json:"confidence"`
	Status     ResolutionStatus `json:"status"`
	Stage      string           `json:"stage,omitempty"`
	Explicit   bool             `json:"explicit"`
	GroupHash  string           `json:"group_hash,omitempty"`
	// Candidates maps each evidence source to the entity it ranked first.
	Candidates   map[string]EntityRef `json:"candidates,omitempty"`
	AssignedAt   time.Time            `json:"assigned_at"`
	ReinforcedAt *time.Time           `json:"reinforced_at,omitempty"`
}

// AttendeeGroupPattern is a learned association between a participant set
// and an entity. OccurrenceCount only grows.
type AttendeeGroupPattern struct {
	GroupHash       string    `json:"group_hash"`
	Entity          EntityRef `json:"entity"`
	OccurrenceCount int64     `json:"occurrence_count"`
	Confidence      float64   `json:"confidence"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// PatternConfidence is count/(count+k).
func PatternConfidence(count int64, k float64) float64 {
	if count <= 0 {
		return 0
	}
	n := float64(count)
	return n / (n + k)
}

// GroupHash returns the stable hash of a participant set: addresses are
// trimmed, lower-cased, deduplicated and sorted before hashing. It returns ""
// for an empty set.
func GroupHash(participants []string) string {
	seen := make(map[string]struct{}, len(participants))
	norm := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		norm = append(norm, p)
	}
	if len(norm) == 0 {
		return ""
	}
	sort.Strings(norm)
	sum := sha256.Sum256([]byte(strings.Join(norm, "\n")))
	return hex.EncodeToString(sum[:])
}
