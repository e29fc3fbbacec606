package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewID("tsk")
		if !strings.HasPrefix(id, "tsk_") {
			t.Fatalf("NewID(%q) = %q, want tsk_ prefix", "tsk", id)
		}
		if len(id) != len("tsk_")+32 {
			t.Fatalf("unexpected id length %d for %q", len(id), id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	if id := NewID(""); strings.Contains(id, "_") || len(id) != 32 {
		t.Fatalf("NewID(\"\") = %q, want bare 32 char id", id)
	}
}
