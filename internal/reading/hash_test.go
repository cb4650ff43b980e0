package reading

import "testing"

func TestPayloadHashStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"mac": "AA0000000001", "energy": "11.2", "power": 1.7}
	b := map[string]any{"power": 1.7, "energy": "11.2", "mac": "AA0000000001"}

	if PayloadHash(a) != PayloadHash(b) {
		t.Fatal("expected identical hash regardless of map key order")
	}
}

func TestPayloadHashDiffersOnValueChange(t *testing.T) {
	a := map[string]any{"mac": "AA0000000001", "energy": "11.2"}
	b := map[string]any{"mac": "AA0000000001", "energy": "11.3"}

	if PayloadHash(a) == PayloadHash(b) {
		t.Fatal("expected different hash for different payload")
	}
}

func TestPayloadHashNested(t *testing.T) {
	a := map[string]any{"mac": "AA", "meta": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"meta": map[string]any{"a": 2, "b": 1}, "mac": "AA"}

	if PayloadHash(a) != PayloadHash(b) {
		t.Fatal("expected identical hash for nested maps regardless of order")
	}
}
