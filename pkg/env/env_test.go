package env

import "testing"

func TestGetTrimsAndFallsBack(t *testing.T) {
	t.Setenv("CRUMB_TEST_FORMAT", "  console ")
	if got := Get("CRUMB_TEST_FORMAT", "json"); got != "console" {
		t.Fatalf("expected console, got %q", got)
	}

	t.Setenv("CRUMB_TEST_FORMAT", "   ")
	if got := Get("CRUMB_TEST_FORMAT", "json"); got != "json" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
}

func TestFirstSkipsBlankKeys(t *testing.T) {
	t.Setenv("CRUMB_TEST_A", "")
	t.Setenv("CRUMB_TEST_B", "web.2")
	if got := First("CRUMB_TEST_A", "CRUMB_TEST_B"); got != "web.2" {
		t.Fatalf("expected web.2, got %q", got)
	}
	if got := First("CRUMB_TEST_MISSING"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
