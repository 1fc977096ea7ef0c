package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON produces a deterministic JSON encoding following JCS-like rules:
// - Keys sorted lexicographically
// - Works sorted by uuid
// - No insignificant whitespace
// - Empty optional fields omitted
func CanonicalJSON(p *Payload) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(buildOrderedPayload(p)); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	// Remove trailing newline added by Encode
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// ComputeSnapshotRev computes the sha256 hash of canonical JSON bytes.
// Returns "sha256:<hex>" format.
func ComputeSnapshotRev(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// orderedMap is a slice of key-value pairs that marshals as a JSON object
// with keys in the order they appear in the slice.
type orderedMap []keyValue

type keyValue struct {
	Key   string
	Value any
}

func (om orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, kv := range om {
		if i > 0 {
			buf.WriteByte(',')
		}

		if err := encodeValue(&buf, kv.Key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := encodeValue(&buf, kv.Value); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeValue writes v without HTML escaping and without the encoder's
// trailing newline.
func encodeValue(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

func buildOrderedPayload(p *Payload) orderedMap {
	result := orderedMap{{"meta", buildOrderedMeta(&p.Meta)}}
	if len(p.Works) > 0 {
		result = append(result, keyValue{"works", buildOrderedWorks(p.Works)})
	}
	return result
}

func buildOrderedMeta(m *Meta) orderedMap {
	result := make(orderedMap, 0, 4)

	if m.GeneratedAt != "" {
		result = append(result, keyValue{"generated_at", m.GeneratedAt})
	}
	result = append(result, keyValue{"schema_version", m.SchemaVersion})
	if m.SnapshotRev != "" {
		result = append(result, keyValue{"snapshot_rev", m.SnapshotRev})
	}
	if m.Source != "" {
		result = append(result, keyValue{"source", m.Source})
	}
	return result
}

func buildOrderedWorks(works []WorkSnapshot) []orderedMap {
	sorted := make([]WorkSnapshot, len(works))
	copy(sorted, works)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UUID < sorted[j].UUID })

	result := make([]orderedMap, len(sorted))
	for i := range sorted {
		result[i] = buildOrderedWork(&sorted[i])
	}
	return result
}

func buildOrderedWork(w *WorkSnapshot) orderedMap {
	result := make(orderedMap, 0, 12)

	// Fields in lexicographic order
	if w.Code != "" {
		result = append(result, keyValue{"code", w.Code})
	}
	if w.IsGroup {
		result = append(result, keyValue{"is_group", true})
	}
	result = append(result, keyValue{"labor_rate", w.LaborRate})
	if w.LegacyUnit != "" {
		result = append(result, keyValue{"legacy_unit", w.LegacyUnit})
	}
	if w.MarkedForDeletion {
		result = append(result, keyValue{"marked_for_deletion", true})
	}
	result = append(result, keyValue{"name", w.Name})
	if w.ParentUUID != "" {
		result = append(result, keyValue{"parent_uuid", w.ParentUUID})
	}
	result = append(result, keyValue{"price", w.Price})
	if w.UnitName != "" {
		result = append(result, keyValue{"unit_name", w.UnitName})
	}
	if w.UnitUUID != "" {
		result = append(result, keyValue{"unit_uuid", w.UnitUUID})
	}
	if w.UpdatedAt != nil {
		result = append(result, keyValue{"updated_at", FormatTimestamp(*w.UpdatedAt)})
	}
	result = append(result, keyValue{"uuid", w.UUID})

	return result
}
