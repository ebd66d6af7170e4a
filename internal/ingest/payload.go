// Package ingest converts normalized collaborator payloads (calendar events,
// emails, enrichment responses) into records, signals and keyword merges.
package ingest

import (
	"strings"
	"time"

	"github.com/sells-group/signal-engine/internal/model"
)

// Signal sources written by the converters.
const (
	SourceCalendar = "calendar"
	SourceEmail    = "email"
)

// Hint is a collaborator's guess at which entity a record is about, such
// as a classifier label. Hints become entity_resolution context signals.
type Hint struct {
	Entity     model.EntityRef `json:"entity"`
	Source     string          `json:"source"`
	Confidence float64         `json:"confidence"`
}

// CalendarEvent is a normalized meeting from a calendar client.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Organizer   string    `json:"organizer,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end,omitempty"`
	// CRMLink is the entity the event is linked to in the CRM, if any.
	CRMLink       *model.EntityRef `json:"crm_link,omitempty"`
	CRMConfidence float64          `json:"crm_confidence,omitempty"`
	Hints         []Hint           `json:"hints,omitempty"`
}

// Sentiment is a scored tone in [-1, 1].
type Sentiment struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Email is a normalized message from an email client.
type Email struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"thread_id,omitempty"`
	Subject   string     `json:"subject"`
	From      string     `json:"from"`
	To        []string   `json:"to,omitempty"`
	Cc        []string   `json:"cc,omitempty"`
	Body      string     `json:"body,omitempty"`
	SentAt    time.Time  `json:"sent_at"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
	Hints     []Hint     `json:"hints,omitempty"`
}

// EnrichmentSignal is one observation from an enrichment provider.
type EnrichmentSignal struct {
	Type         string  `json:"type"`
	Value        string  `json:"value,omitempty"`
	Confidence   float64 `json:"confidence"`
	HalfLifeDays float64 `json:"half_life_days,omitempty"`
	// Key overrides the derived natural key.
	Key string `json:"key,omitempty"`
}

// Enrichment is an enrichment provider's response about one entity.
type Enrichment struct {
	Entity    model.EntityRef    `json:"entity"`
	Source    string             `json:"source"`
	Name      string             `json:"name,omitempty"`
	Domains   []string           `json:"domains,omitempty"`
	Keywords  []string           `json:"keywords,omitempty"`
	Signals   []EnrichmentSignal `json:"signals,omitempty"`
	FetchedAt time.Time          `json:"fetched_at,omitempty"`
}

// EventRecord converts an event into the record the cascade resolves.
// The organizer counts as a participant.
func EventRecord(ev CalendarEvent) model.Record {
	participants := make([]string, 0, len(ev.Attendees)+1)
	if ev.Organizer != "" {
		participants = append(participants, ev.Organizer)
	}
	participants = append(participants, ev.Attendees...)
	rec := model.Record{
		ID:           recordID("meeting", ev.ID),
		Title:        ev.Title,
		Description:  ev.Description,
		Participants: participants,
	}
	if ev.CRMLink != nil && !ev.CRMLink.IsZero() {
		link := *ev.CRMLink
		rec.Explicit = &link
		rec.ExplicitConfidence = ev.CRMConfidence
	}
	return rec
}

// EmailRecord converts an email into the record the cascade resolves.
func EmailRecord(em Email) model.Record {
	participants := make([]string, 0, 1+len(em.To)+len(em.Cc))
	if em.From != "" {
		participants = append(participants, em.From)
	}
	participants = append(participants, em.To...)
	participants = append(participants, em.Cc...)
	return model.Record{
		ID:           recordID("email", em.ID),
		Title:        em.Subject,
		Body:         em.Body,
		Participants: participants,
	}
}

func recordID(kind, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, kind+":") {
		return id
	}
	return kind + ":" + id
}
