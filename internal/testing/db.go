// Package testing provides testing utilities and helpers for the rebalancer project.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/aristath/rebalancer/internal/database"
)

// NewTestDB creates a file-backed SQLite database in a per-test temporary
// directory and applies the embedded schema for name. The database is closed
// when the test finishes.
//
// Supported schema names:
//   - "pdt" - applies pdt_schema.sql with the ledger profile
//   - "executions" - applies executions_schema.sql
//   - Unknown names - creates empty database (no schema applied)
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	profile := database.ProfileStandard
	if name == "pdt" {
		profile = database.ProfileLedger
	}
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			// Log error but don't fail test - cleanup should be idempotent
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
	})

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}
	return db
}
