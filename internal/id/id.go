package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	workIDPattern = regexp.MustCompile(`^W-\d{5,}$`)
	unitIDPattern = regexp.MustCompile(`^U-\d{5,}$`)
	numericID     = regexp.MustCompile(`^\d+$`)
	uuidPattern   = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// Namespaces for deterministic backfill. These values are part of the
// persisted data contract: changing them breaks backfill idempotence for
// every database that has already been backfilled.
var (
	WorkNamespace = uuid.MustParse("3f0b5c7e-2d4a-5e8f-9b61-7a0c4d2e8f13")
	UnitNamespace = uuid.MustParse("8c1e9d42-6a3b-5f70-8d24-1b5e7c9a0f36")
)

// Type represents the type of resource
type Type string

const (
	TypeWork Type = "work"
	TypeUnit Type = "unit"
)

// ForLegacyWork derives the stable uuid of a work from its legacy integer id.
func ForLegacyWork(legacyID int64) string {
	return uuid.NewSHA1(WorkNamespace, []byte(strconv.FormatInt(legacyID, 10))).String()
}

// ForLegacyUnit derives the stable uuid of a unit from its legacy integer id.
func ForLegacyUnit(legacyID int64) string {
	return uuid.NewSHA1(UnitNamespace, []byte(strconv.FormatInt(legacyID, 10))).String()
}

// Random returns a new random (v4) uuid.
func Random() string {
	return uuid.NewString()
}

// FormatWork formats a work friendly ID
func FormatWork(seq int64) string {
	return fmt.Sprintf("W-%05d", seq)
}

// FormatUnit formats a unit friendly ID
func FormatUnit(seq int64) string {
	return fmt.Sprintf("U-%05d", seq)
}

// Ref is a parsed reference to a record: either a local id or a uuid.
type Ref struct {
	Type Type
	ID   int64
	UUID string
}

// Parse parses a friendly ID ("W-00042"), a bare numeric id ("42", taken as
// a work) or a uuid (type left empty).
func Parse(s string) (Ref, error) {
	s = strings.TrimSpace(s)

	switch {
	case workIDPattern.MatchString(s):
		n, err := strconv.ParseInt(s[2:], 10, 64)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid friendly ID format: %s", s)
		}
		return Ref{Type: TypeWork, ID: n}, nil
	case unitIDPattern.MatchString(s):
		n, err := strconv.ParseInt(s[2:], 10, 64)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid friendly ID format: %s", s)
		}
		return Ref{Type: TypeUnit, ID: n}, nil
	case numericID.MatchString(s):
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return Ref{}, fmt.Errorf("invalid id: %s", s)
		}
		return Ref{Type: TypeWork, ID: n}, nil
	case IsUUID(s):
		return Ref{UUID: strings.ToLower(s)}, nil
	default:
		return Ref{}, fmt.Errorf("invalid ID format: %s", s)
	}
}

// IsUUID checks if a string is a valid UUID
func IsUUID(s string) bool {
	return uuidPattern.MatchString(strings.ToLower(s))
}
