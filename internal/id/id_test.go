package id

import (
	"testing"

	"github.com/google/uuid"
)

func TestForLegacyWork_Deterministic(t *testing.T) {
	a := ForLegacyWork(42)
	b := ForLegacyWork(42)
	if a != b {
		t.Fatalf("expected identical uuids for the same legacy id, got %s and %s", a, b)
	}
	if a == ForLegacyWork(43) {
		t.Error("different legacy ids produced the same uuid")
	}

	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
	if parsed.Version() != 5 {
		t.Errorf("expected version 5, got %d", parsed.Version())
	}
}

func TestForLegacyUnit_DistinctNamespace(t *testing.T) {
	if ForLegacyUnit(1) == ForLegacyWork(1) {
		t.Error("unit and work uuids for the same legacy id must differ")
	}
	if ForLegacyUnit(1) != ForLegacyUnit(1) {
		t.Error("unit uuid not deterministic")
	}
}

func TestRandom(t *testing.T) {
	a, b := Random(), Random()
	if a == b {
		t.Error("two random uuids collided")
	}
	if !IsUUID(a) {
		t.Errorf("Random() = %q is not a uuid", a)
	}
}

func TestFormatFunctions(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"work", FormatWork(42), "W-00042"},
		{"work large", FormatWork(1234567), "W-1234567"},
		{"unit", FormatUnit(7), "U-00007"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Ref
		wantErr bool
	}{
		{input: "W-00042", want: Ref{Type: TypeWork, ID: 42}},
		{input: " W-00042 ", want: Ref{Type: TypeWork, ID: 42}},
		{input: "U-00003", want: Ref{Type: TypeUnit, ID: 3}},
		{input: "17", want: Ref{Type: TypeWork, ID: 17}},
		{input: "550E8400-E29B-41D4-A716-446655440000", want: Ref{UUID: "550e8400-e29b-41d4-a716-446655440000"}},
		{input: "0", wantErr: true},
		{input: "W-12", wantErr: true},
		{input: "T-00001", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q) expected error, got %+v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsUUID(t *testing.T) {
	if !IsUUID(ForLegacyWork(1)) {
		t.Error("derived uuid should be valid")
	}
	if IsUUID("not-a-uuid") {
		t.Error("IsUUID accepted garbage")
	}
}
