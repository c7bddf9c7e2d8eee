package model

import (
	"fmt"
	"strings"
)

// EntityType names a synchronized entity collection
type EntityType string

const (
	EntityAlert          EntityType = "alert"
	EntityUserPreference EntityType = "user_preference"
)

// EntityTypes lists every collection the engine synchronizes
var EntityTypes = []EntityType{EntityAlert, EntityUserPreference}

// Kind is the closed set of entity behaviours. It is sealed: only the kinds
// declared in this package implement it.
type Kind interface {
	Type() EntityType
	// Validate rejects malformed payloads at write time
	Validate(p Payload) error
	// Boost is the entity-specific part of the priority resolution score
	Boost(p Payload) int
	// DefaultPriority is the queue priority of mutations of this kind
	DefaultPriority() int32
	sealed()
}

// KindOf returns the Kind implementing t
func KindOf(t EntityType) (Kind, error) {
	switch t {
	case EntityAlert:
		return alertKind{}, nil
	case EntityUserPreference:
		return preferenceKind{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, string(t))
}

// ParseEntityType validates a collection name coming from outside the process
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.TrimSpace(s))
	if _, err := KindOf(t); err != nil {
		return "", err
	}
	return t, nil
}

var alertStatuses = map[string]bool{
	"active":    true,
	"resolved":  true,
	"expired":   true,
	"cancelled": true,
}

type alertKind struct{}

func (alertKind) sealed()                {}
func (alertKind) Type() EntityType       { return EntityAlert }
func (alertKind) DefaultPriority() int32 { return 1 }

func (alertKind) Validate(p Payload) error {
	if len(p) == 0 {
		return NewValidationError(EntityAlert, "", "payload is empty")
	}
	if v, ok := p["eventType"]; ok {
		s, isStr := v.(string)
		if !isStr || s == "" {
			return NewValidationError(EntityAlert, "eventType", "must be a non-empty string")
		}
	}
	if v, ok := p["severity"]; ok {
		n, isNum := ToNumber(v)
		if !isNum || n < 0 || n > 10 {
			return NewValidationError(EntityAlert, "severity", "must be a number between 0 and 10")
		}
	}
	if v, ok := p["status"]; ok {
		s, isStr := v.(string)
		if !isStr || !alertStatuses[s] {
			return NewValidationError(EntityAlert, "status", "must be one of active, resolved, expired, cancelled")
		}
	}
	if v, ok := p["verified"]; ok {
		if _, isBool := v.(bool); !isBool {
			return NewValidationError(EntityAlert, "verified", "must be a boolean")
		}
	}
	return nil
}

// Boost favours the more severe, active, verified and complete side
func (alertKind) Boost(p Payload) int {
	score := 0
	if n, ok := p.Number("severity"); ok {
		score += int(n)
	}
	if s, _ := p.String("status"); s == "active" {
		score += 5
	}
	if v, _ := p.Bool("verified"); v {
		score += 3
	}
	return score + completeness(p)
}

type preferenceKind struct{}

func (preferenceKind) sealed()                {}
func (preferenceKind) Type() EntityType       { return EntityUserPreference }
func (preferenceKind) DefaultPriority() int32 { return 0 }

func (preferenceKind) Validate(p Payload) error {
	if len(p) == 0 {
		return NewValidationError(EntityUserPreference, "", "payload is empty")
	}
	if s, ok := p.String("userId"); !ok || s == "" {
		return NewValidationError(EntityUserPreference, "userId", "must be a non-empty string")
	}
	return nil
}

func (preferenceKind) Boost(p Payload) int {
	return completeness(p)
}

// completeness counts the fields that carry a value
func completeness(p Payload) int {
	n := 0
	for _, v := range p {
		if !IsEmpty(v) {
			n++
		}
	}
	return n
}
