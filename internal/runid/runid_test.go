package runid_test

import (
	"errors"
	"testing"

	"qpilot/internal/runid"
)

func TestSanitizeAccepts(t *testing.T) {
	for _, id := range []string{"pilot-001", "run_2", "A", "abc-DEF_123"} {
		got, err := runid.Sanitize(id)
		if err != nil {
			t.Fatalf("Sanitize(%q): %v", id, err)
		}
		if got != id {
			t.Fatalf("Sanitize(%q) = %q", id, got)
		}
	}
}

func TestSanitizeRejects(t *testing.T) {
	for _, id := range []string{"", " ", "a b", "a/b", "../etc", "run;rm", "run.1", "é"} {
		if _, err := runid.Sanitize(id); err == nil {
			t.Fatalf("Sanitize(%q) should fail", id)
		} else if !errors.Is(err, runid.ErrInvalid) {
			t.Fatalf("Sanitize(%q) error should wrap ErrInvalid, got %v", id, err)
		}
	}
}
