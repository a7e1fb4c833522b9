// Package dbtest provides in-memory databases for tests.
package dbtest

import (
	"testing"

	"github.com/c.mueller/pm-connect/internal/database"
)

// New creates an in-memory database with all migrations applied. It is
// closed when the test completes.
func New(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test database: %v", err)
		}
	})

	return db
}
