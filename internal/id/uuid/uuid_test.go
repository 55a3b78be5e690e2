// Package uuid includes tests for the UUID generator wrapper.
package uuid

import "testing"

// TestGeneratorNewShortID checks the short form is eight hex characters and
// varies between calls.
func TestGeneratorNewShortID(t *testing.T) {
	t.Parallel()

	gen := New()
	short, err := gen.NewShortID()
	if err != nil {
		t.Fatalf("NewShortID() error = %v", err)
	}
	if len(short) != 8 {
		t.Fatalf("expected 8 characters, got %q", short)
	}
	for _, r := range short {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			t.Fatalf("expected hex characters, got %q", short)
		}
	}

	other, err := gen.NewShortID()
	if err != nil {
		t.Fatalf("NewShortID() error = %v", err)
	}
	if short == other {
		t.Fatalf("expected distinct IDs, got %s twice", short)
	}
}
