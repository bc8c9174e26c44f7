package repository

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/office-agent-chat/backend/internal/db"
	"github.com/office-agent-chat/backend/internal/model"
)

// generateID generates a unique ID for testing.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// For any session record, inserting it and reading it back returns the
// same fields, and marking it destroyed flips only its status.
func TestAuditRoundTripProperty(t *testing.T) {
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	defer testDB.Close()

	repo := NewSessionRepository(testDB)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	nonEmptyString := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 100
	})
	hostString := gen.OneConstOf("", "excel", "word", "powerpoint")

	properties.Property("created records round-trip and destroy flips status", prop.ForAll(
		func(connectionID, modelName, host string) bool {
			sessionID := generateID()
			now := time.Now()

			rec := &model.SessionRecord{
				ID:           sessionID,
				ConnectionID: connectionID,
				Model:        modelName,
				Host:         host,
				Status:       model.SessionStatusRunning,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := repo.SessionCreated(rec); err != nil {
				t.Logf("failed to create record: %v", err)
				return false
			}

			retrieved, err := repo.GetByID(sessionID)
			if err != nil {
				t.Logf("failed to retrieve record: %v", err)
				return false
			}
			if retrieved.ConnectionID != connectionID ||
				retrieved.Model != modelName ||
				retrieved.Host != host ||
				retrieved.Status != model.SessionStatusRunning {
				t.Logf("retrieved record does not match created record")
				return false
			}

			if err := repo.SessionDestroyed(sessionID); err != nil {
				t.Logf("failed to destroy record: %v", err)
				return false
			}
			retrieved, err = repo.GetByID(sessionID)
			if err != nil {
				t.Logf("failed to retrieve destroyed record: %v", err)
				return false
			}
			if retrieved.Status != model.SessionStatusDestroyed {
				t.Logf("destroy did not flip status: %s", retrieved.Status)
				return false
			}
			if retrieved.ConnectionID != connectionID || retrieved.Model != modelName {
				t.Logf("destroy mutated unrelated fields")
				return false
			}

			return true
		},
		nonEmptyString,
		nonEmptyString,
		hostString,
	))

	properties.TestingRun(t)
}
