package models

import (
	"time"
)

// Entity type tags used across the queue, store, and API.
const (
	TypeJob     = "job"
	TypeHazard  = "hazard"
	TypeControl = "control"
)

// Job status values mirrored from the upstream backend.
const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusOnHold    = "on_hold"
	StatusCompleted = "completed"
	StatusArchived  = "archived"
)

// EntityTypes lists every type tag the service handles, in API route order.
var EntityTypes = []string{TypeJob, TypeHazard, TypeControl}

// knownFields maps an entity type to the set of fields a pending
// mutation may legally overwrite. Mutations naming any other field are
// ignored during reconciliation so that newer app builds can ship new
// fields without breaking older service deployments.
var knownFields = map[string]map[string]struct{}{
	TypeJob: fieldSet(
		"status", "client_name", "site_address", "risk_score",
		"scheduled_for", "notes", "supervisor",
	),
	TypeHazard: fieldSet(
		"title", "description", "severity", "likelihood", "status",
		"category", "photo_key",
	),
	TypeControl: fieldSet(
		"title", "description", "status", "effectiveness",
		"responsible", "due_date",
	),
}

func fieldSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// KnownField reports whether field is writable on the given entity type.
func KnownField(entityType, field string) bool {
	set, ok := knownFields[entityType]
	if !ok {
		return false
	}
	_, ok = set[field]
	return ok
}

// ValidType reports whether t is a recognized entity type tag.
func ValidType(t string) bool {
	_, ok := knownFields[t]
	return ok
}

// Entity is the client-side view of a Riskmate record: a stable id plus
// a bag of named fields. Canonical entities come from the upstream
// backend; drafts are synthesized locally from queued creations.
// Entities are treated as immutable once built; mutation happens only
// by producing a new value through reconciliation.
type Entity struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	ParentID string         `json:"parent_id,omitempty"`
	Fields   map[string]any `json:"fields"`
}

// Clone returns a deep copy so callers can hand entities across
// goroutines without sharing the field map.
func (e Entity) Clone() Entity {
	out := e
	out.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return out
}

// PendingMutation is a single field edit made on a device while offline
// (or speculatively, before the upstream write round-trips). It lives
// in the queue until the syncer receives a durable upstream ack.
type PendingMutation struct {
	Seq        string    `json:"seq"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Field      string    `json:"field"`
	NewValue   any       `json:"new_value"`
	Timestamp  time.Time `json:"timestamp"`
}

// PendingCreation is a draft entity created entirely offline, queued
// until the upstream backend assigns it a confirmed identity.
type PendingCreation struct {
	Seq      string `json:"seq"`
	ParentID string `json:"parent_id,omitempty"`
	Entity   Entity `json:"entity"`
}

// AuditEvent is one row in the local sync audit feed.
type AuditEvent struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
