package storage

import (
	"testing"
	"time"

	"wavelite/clock"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T, clk clock.Clock) *SQLite {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, clk)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

// backends returns every KV implementation driven by the same fake clock.
func backends(t *testing.T) map[string]func(clk *clock.FakeClock) KV {
	t.Helper()
	return map[string]func(clk *clock.FakeClock) KV{
		"memory": func(clk *clock.FakeClock) KV { return NewMemory(clk) },
		"sqlite": func(clk *clock.FakeClock) KV { return newTestSQLite(t, clk) },
	}
}
