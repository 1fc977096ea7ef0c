package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lherron/boq/internal/domain"
)

// New wraps works in a payload stamped with the current time.
func New(source string, works []WorkSnapshot) *Payload {
	return &Payload{
		Meta: Meta{
			SchemaVersion: SchemaVersion,
			GeneratedAt:   FormatTimestamp(time.Now()),
			Source:        source,
		},
		Works: works,
	}
}

// Encode sets p's snapshot_rev from its canonical form and returns the
// canonical bytes including that rev.
func Encode(p *Payload) ([]byte, error) {
	rev, err := revision(p)
	if err != nil {
		return nil, err
	}
	p.Meta.SnapshotRev = rev
	return CanonicalJSON(p)
}

// revision hashes the canonical form of p with its rev cleared.
func revision(p *Payload) (string, error) {
	unsigned := *p
	unsigned.Meta.SnapshotRev = ""
	data, err := CanonicalJSON(&unsigned)
	if err != nil {
		return "", err
	}
	return ComputeSnapshotRev(data), nil
}

// Verify checks that p's recorded snapshot_rev matches its content. Payloads
// without a rev are accepted.
func Verify(p *Payload) error {
	if p.Meta.SnapshotRev == "" {
		return nil
	}
	rev, err := revision(p)
	if err != nil {
		return err
	}
	if rev != p.Meta.SnapshotRev {
		return fmt.Errorf("snapshot_rev mismatch: payload says %s, content hashes to %s", p.Meta.SnapshotRev, rev)
	}
	return nil
}

// Validate checks payload structure: a known schema version, a parseable
// generated_at and unique, well-formed uuids.
func Validate(p *Payload) error {
	if p.Meta.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %d", p.Meta.SchemaVersion)
	}
	if p.Meta.GeneratedAt != "" {
		if _, err := ParseTimestamp(p.Meta.GeneratedAt); err != nil {
			return fmt.Errorf("meta.generated_at: %w", err)
		}
	}
	seen := make(map[string]bool, len(p.Works))
	for i, w := range p.Works {
		if err := domain.ValidateUUID(w.UUID); err != nil {
			return fmt.Errorf("works[%d]: %w", i, err)
		}
		if seen[w.UUID] {
			return fmt.Errorf("works[%d]: duplicate uuid %s", i, w.UUID)
		}
		seen[w.UUID] = true
		for field, ref := range map[string]string{"parent_uuid": w.ParentUUID, "unit_uuid": w.UnitUUID} {
			if ref == "" {
				continue
			}
			if err := domain.ValidateUUID(ref); err != nil {
				return fmt.Errorf("works[%d].%s: %w", i, field, err)
			}
		}
	}
	return nil
}

// WriteFile encodes p canonically and writes it to path, creating parent
// directories. It returns the snapshot_rev.
func WriteFile(path string, p *Payload) (string, error) {
	data, err := Encode(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	return p.Meta.SnapshotRev, nil
}

// ReadFile reads, validates and verifies a payload written by WriteFile.
func ReadFile(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if err := Validate(&p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if err := Verify(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
