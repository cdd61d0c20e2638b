package logging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRingKeepsMostRecent(t *testing.T) {
	ring := NewRing(3)
	logger := zerolog.New(ring)

	for i := 0; i < 5; i++ {
		logger.Info().Int("n", i).Msg("entry")
	}

	entries := ring.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, raw := range entries {
		var e struct{ N int }
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatal(err)
		}
		if e.N != i+2 {
			t.Fatalf("entry %d: expected n=%d, got %d", i, i+2, e.N)
		}
	}

	ring.Clear()
	if len(ring.Entries()) != 0 {
		t.Fatal("expected empty ring after clear")
	}
}

func TestModuleField(t *testing.T) {
	ring := NewRing(2)
	logger := Module(zerolog.New(ring), "chat")
	logger.Warn().Msg("hello")

	var e map[string]any
	if err := json.Unmarshal(ring.Entries()[0], &e); err != nil {
		t.Fatal(err)
	}
	if e["module"] != "chat" {
		t.Fatalf("expected module=chat, got %v", e["module"])
	}
}

func TestThrottle(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewThrottle(time.Second)
	th.now = func() time.Time { return now }

	if !th.Allow("draw") {
		t.Fatal("first entry should pass")
	}
	if th.Allow("draw") {
		t.Fatal("repeat inside window should be throttled")
	}
	if !th.Allow("swap") {
		t.Fatal("different key should pass")
	}

	now = now.Add(time.Second)
	if !th.Allow("draw") {
		t.Fatal("entry after window should pass")
	}
}
