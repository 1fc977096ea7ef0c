package domain

import (
	"time"
)

// MigrationStatus represents the review state of a legacy unit migration
type MigrationStatus string

const (
	MigrationPendingManual MigrationStatus = "pending_manual"
	MigrationCompleted     MigrationStatus = "completed"
)

// Work represents a node in the work-item hierarchy (a group or a leaf item)
type Work struct {
	ID                int64     `json:"id" db:"id"`
	UUID              *string   `json:"uuid,omitempty" db:"uuid"`
	Name              string    `json:"name" db:"name"`
	Code              string    `json:"code" db:"code"`
	UnitID            *int64    `json:"unit_id,omitempty" db:"unit_id"`
	LegacyUnit        *string   `json:"legacy_unit,omitempty" db:"legacy_unit"` // free text predating UnitID
	Price             float64   `json:"price" db:"price"`
	LaborRate         float64   `json:"labor_rate" db:"labor_rate"`
	ParentID          *int64    `json:"parent_id,omitempty" db:"parent_id"`
	IsGroup           bool      `json:"is_group" db:"is_group"` // advisory only
	MarkedForDeletion bool      `json:"marked_for_deletion" db:"marked_for_deletion"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// UUIDString returns the uuid or "" when it has not been assigned yet
func (w *Work) UUIDString() string {
	if w.UUID == nil {
		return ""
	}
	return *w.UUID
}

// LegacyUnitText returns the legacy unit text or ""
func (w *Work) LegacyUnitText() string {
	if w.LegacyUnit == nil {
		return ""
	}
	return *w.LegacyUnit
}

// Unit represents a canonical unit-of-measure catalog entry
type Unit struct {
	ID                int64     `json:"id" db:"id"`
	UUID              *string   `json:"uuid,omitempty" db:"uuid"`
	Name              string    `json:"name" db:"name"`
	Description       string    `json:"description" db:"description"`
	MarkedForDeletion bool      `json:"marked_for_deletion" db:"marked_for_deletion"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// UnitMigration tracks normalization of one work's legacy unit text
type UnitMigration struct {
	ID              int64           `json:"id" db:"id"`
	WorkID          int64           `json:"work_id" db:"work_id"`
	LegacyUnit      string          `json:"legacy_unit" db:"legacy_unit"`
	MatchedUnitID   *int64          `json:"matched_unit_id,omitempty" db:"matched_unit_id"`
	ConfidenceScore float64         `json:"confidence_score" db:"confidence_score"`
	Status          MigrationStatus `json:"status" db:"status"`
	ReviewReason    string          `json:"review_reason" db:"review_reason"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// EstimateLine is a dependent record that references works and units by uuid
type EstimateLine struct {
	ID                int64     `json:"id" db:"id"`
	UUID              *string   `json:"uuid,omitempty" db:"uuid"`
	EstimateRef       string    `json:"estimate_ref" db:"estimate_ref"`
	WorkUUID          *string   `json:"work_uuid,omitempty" db:"work_uuid"`
	UnitUUID          *string   `json:"unit_uuid,omitempty" db:"unit_uuid"`
	Quantity          float64   `json:"quantity" db:"quantity"`
	MarkedForDeletion bool      `json:"marked_for_deletion" db:"marked_for_deletion"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Event represents an event in the event log
type Event struct {
	ID           int64     `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Actor        string    `json:"actor" db:"actor"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceUUID *string   `json:"resource_uuid,omitempty" db:"resource_uuid"`
	EventType    string    `json:"event_type" db:"event_type"`
	Payload      *string   `json:"payload,omitempty" db:"payload"` // JSON
}

// Now returns the current time truncated to the precision that survives a
// round trip through the sync wire format. updatedAt equality is the only
// conflict signal, so sub-second noise must not leak into it.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
