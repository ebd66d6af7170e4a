package model

import (
	"strings"
	"time"
)

// EntityType is the closed set of business entities a signal can describe.
type EntityType string

const (
	EntityAccount EntityType = "account"
	EntityProject EntityType = "project"
	EntityPerson  EntityType = "person"
)

// EntityTypes lists every valid entity type in display order.
var EntityTypes = []EntityType{EntityAccount, EntityProject, EntityPerson}

// ParseEntityType validates a raw type tag. Stored and transported strings
// always pass through here before they become an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case EntityAccount:
		return EntityAccount, nil
	case EntityProject:
		return EntityProject, nil
	case EntityPerson:
		return EntityPerson, nil
	}
	return "", NewValidationError(CodeInvalidEntityType, "entity_type", "unknown entity type %q", s)
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	_, err := ParseEntityType(string(t))
	return err == nil
}

// EntityRef identifies an account, project, or person.
type EntityRef struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

// Account returns a reference to the account with the given id.
func Account(id string) EntityRef { return EntityRef{Type: EntityAccount, ID: id} }

// Project returns a reference to the project with the given id.
func Project(id string) EntityRef { return EntityRef{Type: EntityProject, ID: id} }

// Person returns a reference to the person with the given id.
func Person(id string) EntityRef { return EntityRef{Type: EntityPerson, ID: id} }

// NewEntityRef builds a validated reference from untrusted parts.
func NewEntityRef(entityType, id string) (EntityRef, error) {
	t, err := ParseEntityType(entityType)
	if err != nil {
		return EntityRef{}, err
	}
	ref := EntityRef{Type: t, ID: strings.TrimSpace(id)}
	if ref.ID == "" {
		return EntityRef{}, NewValidationError(CodeMissingField, "entity_id", "entity id is required")
	}
	return ref, nil
}

// ParseEntityRef parses the "type:id" form used by the CLI and query strings.
func ParseEntityRef(s string) (EntityRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return EntityRef{}, NewValidationError(CodeInvalidEntityType, "entity", "entity %q must be in type:id form", s)
	}
	return NewEntityRef(typ, id)
}

// Validate re-checks a reference that did not come through NewEntityRef.
func (r EntityRef) Validate() error {
	_, err := NewEntityRef(string(r.Type), r.ID)
	return err
}

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool { return r.Type == "" && r.ID == "" }

func (r EntityRef) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.Type) + ":" + r.ID
}

// Less orders references by entity id, then type.
func (r EntityRef) Less(o EntityRef) bool {
	if r.ID != o.ID {
		return r.ID < o.ID
	}
	return r.Type < o.Type
}

// Entity is a registered account, project, or person.
type Entity struct {
	EntityRef
	Name      string    `json:"name"`
	Domains   []string  `json:"domains,omitempty"`
	Keywords  []string  `json:"keywords,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeDomain lower-cases a domain and strips a leading "www." or "@".
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "@")
	d = strings.TrimPrefix(d, "www.")
	return strings.TrimSuffix(d, ".")
}

// EmailDomain returns the normalized domain part of an email address, or ""
// when the address has no domain.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return NormalizeDomain(email[at+1:])
}
