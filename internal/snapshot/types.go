// Package snapshot defines the uuid-addressed work payload exchanged between
// database copies and its canonical JSON encoding.
//
// Local ids never leave a database: parents and units are referenced by
// uuid so a payload can be applied to any copy.
package snapshot

import (
	"fmt"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// SchemaVersion is the payload layout version written into Meta.
const SchemaVersion = 1

// Payload is one exchange of work snapshots.
type Payload struct {
	Meta  Meta           `json:"meta"`
	Works []WorkSnapshot `json:"works,omitempty"`
}

// Meta contains payload metadata.
type Meta struct {
	SchemaVersion int    `json:"schema_version"`
	SnapshotRev   string `json:"snapshot_rev,omitempty"`
	GeneratedAt   string `json:"generated_at,omitempty"`
	Source        string `json:"source,omitempty"`
}

// WorkSnapshot is the denormalized, uuid-addressed state of one work.
type WorkSnapshot struct {
	UUID              string     `json:"uuid" yaml:"uuid"`
	Name              string     `json:"name" yaml:"name"`
	Code              string     `json:"code,omitempty" yaml:"code,omitempty"`
	UnitUUID          string     `json:"unit_uuid,omitempty" yaml:"unit_uuid,omitempty"`
	UnitName          string     `json:"unit_name,omitempty" yaml:"unit_name,omitempty"`
	LegacyUnit        string     `json:"legacy_unit,omitempty" yaml:"legacy_unit,omitempty"`
	Price             float64    `json:"price" yaml:"price"`
	LaborRate         float64    `json:"labor_rate" yaml:"labor_rate"`
	ParentUUID        string     `json:"parent_uuid,omitempty" yaml:"parent_uuid,omitempty"`
	IsGroup           bool       `json:"is_group,omitempty" yaml:"is_group,omitempty"`
	MarkedForDeletion bool       `json:"marked_for_deletion,omitempty" yaml:"marked_for_deletion,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// FormatTimestamp formats a time.Time as ISO-8601 with Z suffix.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a timestamp written by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: want %s", s, timestampLayout)
	}
	return t, nil
}
