package sqlite

import (
	"testing"

	"github.com/phrazzld/synopsis/internal/store"
	"github.com/phrazzld/synopsis/internal/store/storetest"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobStore(t *testing.T) {
	storetest.RunJobStoreTests(t, func(t *testing.T) store.JobStore {
		return NewJobStore(setupTestDB(t).DB)
	})
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := t.TempDir() + "/synopsis.db"

	db, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = db.Close()
}
