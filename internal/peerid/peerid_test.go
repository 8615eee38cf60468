package peerid

import (
	"strings"
	"testing"
)

func TestNew_PrefixAndLength(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s := String(id)
	if len(s) != 20 {
		t.Fatalf("len = %d, want 20", len(s))
	}
	if !strings.HasPrefix(s, prefix) {
		t.Fatalf("id %q missing prefix %q", s, prefix)
	}

	tail := s[len(prefix):]
	for _, r := range tail {
		if !strings.ContainsRune(alphabet, r) {
			t.Fatalf("tail char %q not in alphabet", r)
		}
	}
}

func TestNew_Randomized(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if a == b {
		t.Fatalf("two calls to New produced identical ids: %x", a)
	}
}
