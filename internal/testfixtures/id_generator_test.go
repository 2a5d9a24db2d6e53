package testfixtures

import "testing"

func TestIDGeneratorProducesSequentialIDs(t *testing.T) {
	gen := NewIDGenerator("entity")

	first := gen.Next()
	second := gen.Next()

	if first != "entity-1" || second != "entity-2" {
		t.Fatalf("unexpected identifiers: %q, %q", first, second)
	}
}

func TestIDGeneratorCanReset(t *testing.T) {
	gen := NewIDGenerator("resource")
	_ = gen.Next()
	gen.SetCounter(0)
	gen.SetPrefix("res")

	if next := gen.Next(); next != "res-1" {
		t.Fatalf("expected res-1 after reset, got %q", next)
	}
}

func TestIDGeneratorUUIDIsDeterministic(t *testing.T) {
	first := NewIDGenerator("sub").UUID()
	second := NewIDGenerator("sub").UUID()

	if first != second {
		t.Fatalf("expected identical UUIDs for identical sequences, got %q and %q", first, second)
	}
	if len(first) != 36 {
		t.Fatalf("expected canonical UUID string, got %q", first)
	}

	gen := NewIDGenerator("sub")
	if gen.UUID() == gen.UUID() {
		t.Fatalf("expected successive UUIDs to differ")
	}
}
