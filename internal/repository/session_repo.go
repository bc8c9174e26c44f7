package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/office-agent-chat/backend/internal/model"
)

// SessionRepository persists the broker's session audit trail.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SessionCreated inserts a new session record.
func (r *SessionRepository) SessionCreated(rec *model.SessionRecord) error {
	query := `
		INSERT INTO broker_sessions (id, connection_id, model, host, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		rec.ID,
		rec.ConnectionID,
		rec.Model,
		rec.Host,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	return nil
}

// SessionDestroyed marks a session record as destroyed. Marking an
// unknown id is not an error; the broker calls this best-effort from
// cleanup paths.
func (r *SessionRepository) SessionDestroyed(id string) error {
	query := `UPDATE broker_sessions SET status = ?, updated_at = ? WHERE id = ?`

	_, err := r.db.Exec(query, model.SessionStatusDestroyed, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session destroyed: %w", err)
	}

	return nil
}

// GetByID retrieves one session record.
func (r *SessionRepository) GetByID(id string) (*model.SessionRecord, error) {
	query := `
		SELECT id, connection_id, model, host, status, created_at, updated_at
		FROM broker_sessions
		WHERE id = ?
	`

	rec := &model.SessionRecord{}
	var host sql.NullString

	err := r.db.QueryRow(query, id).Scan(
		&rec.ID,
		&rec.ConnectionID,
		&rec.Model,
		&host,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if host.Valid {
		rec.Host = host.String
	}

	return rec, nil
}

// List retrieves all session records, newest first.
func (r *SessionRepository) List() ([]*model.SessionRecord, error) {
	query := `
		SELECT id, connection_id, model, host, status, created_at, updated_at
		FROM broker_sessions
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []*model.SessionRecord
	for rows.Next() {
		rec := &model.SessionRecord{}
		var host sql.NullString

		err := rows.Scan(
			&rec.ID,
			&rec.ConnectionID,
			&rec.Model,
			&host,
			&rec.Status,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		if host.Valid {
			rec.Host = host.String
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return records, nil
}

// CountActive returns the number of records still marked running.
func (r *SessionRepository) CountActive() (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM broker_sessions WHERE status = ?`,
		model.SessionStatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}
