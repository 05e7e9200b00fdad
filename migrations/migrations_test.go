package migrations

import (
	"io"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// TestEmbeddedMigrations verifies the embedded files form a valid
// golang-migrate source starting at version 1.
func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(files, ".")
	if err != nil {
		t.Fatalf("iofs.New() failed: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("First() failed: %v", err)
	}
	if first != 1 {
		t.Errorf("first version = %d, want 1", first)
	}

	r, _, err := src.ReadUp(first)
	if err != nil {
		t.Fatalf("ReadUp(%d) failed: %v", first, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, table := range []string{"rules", "audit_entries"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("initial migration does not create %s", table)
		}
	}

	if _, _, err := src.ReadDown(first); err != nil {
		t.Errorf("ReadDown(%d) failed: %v", first, err)
	}
}
