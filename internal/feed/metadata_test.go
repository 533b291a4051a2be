package feed

import (
	"testing"
	"time"
)

func TestFlattenMetadata(t *testing.T) {
	t.Parallel()

	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	district := "Galle"
	var nilPtr *string

	flat := FlattenMetadata(map[string]any{
		"district": &district,
		"empty":    nilPtr,
		"count":    3,
		"ok":       true,
		"when":     when,
		"ratio":    1e-7,
		"list":     []int{1},
	})

	want := map[string]string{
		"district": "Galle",
		"count":    "3",
		"ok":       "true",
		"when":     "2026-01-02T03:04:05Z",
		"ratio":    "0.0000001",
	}
	if len(flat) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), flat)
	}
	for key, value := range want {
		if flat[key] != value {
			t.Fatalf("%s: expected %q, got %q", key, value, flat[key])
		}
	}
}
