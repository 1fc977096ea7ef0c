package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/lherron/boq/internal/domain"
)

// Event types written by the engines
const (
	WorkCreated        = "work.created"
	WorkSynced         = "work.synced"
	WorkUnitReassigned = "work.unit_reassigned"
	WorkUUIDAssigned   = "work.uuid_assigned"
	UnitUUIDAssigned   = "unit.uuid_assigned"
	WorkSyncConflict   = "work.sync_conflict"
	UnitMigrated       = "work.unit_migrated"
)

// Writer handles writing events to the event log
type Writer struct {
	actor string
}

// NewWriter creates a new event writer attributing events to actor
func NewWriter(actor string) *Writer {
	if actor == "" {
		actor = "system"
	}
	return &Writer{actor: actor}
}

// LogEvent writes an event to the event log inside the caller's transaction
func (w *Writer) LogEvent(ctx context.Context, tx sqlx.ExtContext, event *domain.Event) error {
	query := tx.Rebind(`
		INSERT INTO event_log (timestamp, actor, resource_type, resource_uuid, event_type, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	actor := event.Actor
	if actor == "" {
		actor = w.actor
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = domain.Now()
	}

	if _, err := tx.ExecContext(ctx, query, ts, actor, event.ResourceType, event.ResourceUUID, event.EventType, event.Payload); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// LogWork writes a work event with a JSON payload. Works without a uuid are
// logged with a nil resource uuid and their local id in the payload.
func (w *Writer) LogWork(ctx context.Context, tx sqlx.ExtContext, work *domain.Work, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["work_id"] = work.ID

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	payloadStr := string(data)

	return w.LogEvent(ctx, tx, &domain.Event{
		ResourceType: "work",
		ResourceUUID: work.UUID,
		EventType:    eventType,
		Payload:      &payloadStr,
	})
}

// LogUnit writes a unit event with a JSON payload.
func (w *Writer) LogUnit(ctx context.Context, tx sqlx.ExtContext, unit *domain.Unit, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["unit_id"] = unit.ID

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	payloadStr := string(data)

	return w.LogEvent(ctx, tx, &domain.Event{
		ResourceType: "unit",
		ResourceUUID: unit.UUID,
		EventType:    eventType,
		Payload:      &payloadStr,
	})
}

// List returns the most recent events for a resource uuid, newest first.
func List(ctx context.Context, q sqlx.ExtContext, resourceUUID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := q.Rebind(`
		SELECT id, timestamp, actor, resource_type, resource_uuid, event_type, payload
		FROM event_log WHERE resource_uuid = ? ORDER BY id DESC LIMIT ?
	`)
	var out []domain.Event
	if err := sqlx.SelectContext(ctx, q, &out, query, resourceUUID, limit); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}
