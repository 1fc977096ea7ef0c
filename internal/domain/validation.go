package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// UUIDRegex validates lowercase hyphenated UUIDs of any version
var UUIDRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-8][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidateUUID validates a UUID (lowercase with hyphens)
func ValidateUUID(uuid string) error {
	if !UUIDRegex.MatchString(uuid) {
		return fmt.Errorf("invalid UUID %q: must be lowercase hyphenated format (e.g., 550e8400-e29b-41d4-a716-446655440000)", uuid)
	}
	return nil
}

// ValidateMigrationStatus validates a unit migration status
func ValidateMigrationStatus(status string) error {
	switch MigrationStatus(status) {
	case MigrationPendingManual, MigrationCompleted:
		return nil
	default:
		return fmt.Errorf("invalid migration status: must be one of: pending_manual, completed")
	}
}

// ValidateThreshold validates a confidence threshold
func ValidateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("invalid threshold %.2f: must be between 0 and 1", threshold)
	}
	return nil
}

// ValidateAmount validates a price or labor rate
func ValidateAmount(field string, v float64) error {
	if v < 0 {
		return fmt.Errorf("invalid %s %.2f: must not be negative", field, v)
	}
	return nil
}

// ValidateTimestamp parses an RFC 3339 time and brings it to the UTC,
// whole-second form timestamps are stored and compared in.
func ValidateTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: expected RFC 3339 (e.g., 2024-06-01T12:00:00Z)", s)
	}
	return t.UTC().Truncate(time.Second), nil
}
