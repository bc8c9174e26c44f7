package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/office-agent-chat/backend/internal/db"
	"github.com/office-agent-chat/backend/internal/model"
)

func newTestRepo(t *testing.T) *SessionRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewSessionRepository(testDB)
}

func newRecord(id string) *model.SessionRecord {
	now := time.Now()
	return &model.SessionRecord{
		ID:           id,
		ConnectionID: "conn-1",
		Model:        "m1",
		Host:         "excel",
		Status:       model.SessionStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSessionCreatedAndGetByID(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.SessionCreated(newRecord("sess-1")); err != nil {
		t.Fatalf("SessionCreated failed: %v", err)
	}

	rec, err := repo.GetByID("sess-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rec.ConnectionID != "conn-1" || rec.Model != "m1" || rec.Host != "excel" {
		t.Errorf("record fields mismatch: %+v", rec)
	}
	if rec.Status != model.SessionStatusRunning {
		t.Errorf("expected running status, got %s", rec.Status)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetByID("missing")
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionDestroyed(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.SessionCreated(newRecord("sess-1")); err != nil {
		t.Fatalf("SessionCreated failed: %v", err)
	}
	if err := repo.SessionDestroyed("sess-1"); err != nil {
		t.Fatalf("SessionDestroyed failed: %v", err)
	}

	rec, err := repo.GetByID("sess-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rec.Status != model.SessionStatusDestroyed {
		t.Errorf("expected destroyed status, got %s", rec.Status)
	}

	// Unknown ids are tolerated; the broker retries destroys.
	if err := repo.SessionDestroyed("missing"); err != nil {
		t.Errorf("destroying an unknown id should not error: %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	repo := newTestRepo(t)

	older := newRecord("sess-old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	older.UpdatedAt = older.CreatedAt
	if err := repo.SessionCreated(older); err != nil {
		t.Fatalf("SessionCreated failed: %v", err)
	}
	if err := repo.SessionCreated(newRecord("sess-new")); err != nil {
		t.Fatalf("SessionCreated failed: %v", err)
	}

	records, err := repo.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "sess-new" || records[1].ID != "sess-old" {
		t.Errorf("records not newest first: %s, %s", records[0].ID, records[1].ID)
	}
}

func TestCountActive(t *testing.T) {
	repo := newTestRepo(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := repo.SessionCreated(newRecord(id)); err != nil {
			t.Fatalf("SessionCreated failed: %v", err)
		}
	}
	if err := repo.SessionDestroyed("b"); err != nil {
		t.Fatalf("SessionDestroyed failed: %v", err)
	}

	count, err := repo.CountActive()
	if err != nil {
		t.Fatalf("CountActive failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 active sessions, got %d", count)
	}
}
