package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.SetClock(func() time.Time { return testEpoch })
	return s
}

func TestOpenMigrates(t *testing.T) {
	s := newTestStore(t)

	if got := s.SchemaVersion(); got != currentSchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", got, currentSchemaVersion)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	for _, table := range []string{"tasks", "workers", "claims", "learnings", "outbox_messages"} {
		if _, ok := stats[table]; !ok {
			t.Errorf("Stats missing table %s", table)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1 := s1.SchemaVersion()
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	if got := s2.SchemaVersion(); got != v1 {
		t.Errorf("schema version changed on reopen: %d -> %d", v1, got)
	}

	// The ledger must hold exactly one row per version.
	var rows int
	if err := s2.DB().QueryRow("SELECT COUNT(*) FROM schema_versions").Scan(&rows); err != nil {
		t.Fatalf("ledger count failed: %v", err)
	}
	if rows != currentSchemaVersion {
		t.Errorf("schema_versions has %d rows, want %d", rows, currentSchemaVersion)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	out, err := parseTime(fmtTime(in))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("round trip changed instant: %v -> %v", in, out)
	}

	// Second-precision values from other tooling still parse.
	if _, err := parseTime("2026-01-02T03:04:05Z"); err != nil {
		t.Errorf("RFC3339 fallback failed: %v", err)
	}
}
