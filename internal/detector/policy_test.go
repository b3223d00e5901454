package detector

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBadDirectionsFallsBackOnMissingFile(t *testing.T) {
	got := LoadBadDirections(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	want := defaultBadDirections()
	if len(got) != len(want) {
		t.Fatalf("expected defaults (%d entries), got %d", len(want), len(got))
	}
	if got["qps"] != DirectionDown {
		t.Fatalf("expected default qps direction down, got %s", got["qps"])
	}
}

func TestLoadBadDirectionsMergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "badDirections:\n  custom_metric: up\n  qps: up\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	got := LoadBadDirections(path, nil)
	if got["custom_metric"] != DirectionUp {
		t.Fatalf("expected custom_metric override to apply, got %s", got["custom_metric"])
	}
	if got["qps"] != DirectionUp {
		t.Fatalf("expected qps override to apply, got %s", got["qps"])
	}
	if got["error_rate"] != DirectionUp {
		t.Fatalf("expected untouched default to remain, got %s", got["error_rate"])
	}
}

func TestLoadBadDirectionsIgnoresInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "badDirections:\n  bogus_metric: sideways\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	got := LoadBadDirections(path, nil)
	if _, ok := got["bogus_metric"]; ok {
		t.Fatal("expected invalid direction entry to be ignored")
	}
}
