package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelhq/kestrel/internal/coordinator/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type sessionRow struct {
	ID               string    `db:"id"`
	ParentSessionID  string    `db:"parent_session_id"`
	AgentName        string    `db:"agent_name"`
	Status           string    `db:"status"`
	ProjectDir       string    `db:"project_dir"`
	ExecutorIdentity string    `db:"executor_identity"`
	ExecutorProfile  string    `db:"executor_profile"`
	Hostname         string    `db:"hostname"`
	CreatedAt        time.Time `db:"created_at"`
	ModifiedAt       time.Time `db:"modified_at"`
}

func (r sessionRow) toModel() *models.Session {
	return &models.Session{
		ID:               r.ID,
		ParentSessionID:  r.ParentSessionID,
		AgentName:        r.AgentName,
		Status:           models.SessionStatus(r.Status),
		ProjectDir:       r.ProjectDir,
		ExecutorIdentity: r.ExecutorIdentity,
		ExecutorProfile:  r.ExecutorProfile,
		Hostname:         r.Hostname,
		CreatedAt:        r.CreatedAt,
		ModifiedAt:       r.ModifiedAt,
	}
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO sessions (id, parent_session_id, agent_name, status, project_dir,
			executor_identity, executor_profile, hostname, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		session.ID, session.ParentSessionID, session.AgentName, string(session.Status),
		session.ProjectDir, session.ExecutorIdentity, session.ExecutorProfile,
		session.Hostname, session.CreatedAt, session.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r := s.pool.Reader()
	var row sessionRow
	query := r.Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := r.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toModel(), nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	r := s.pool.Reader()
	var rows []sessionRow
	if err := r.SelectContext(ctx, &rows, `SELECT * FROM sessions ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]*models.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toModel())
	}
	return sessions, nil
}

// UpdateSession rewrites the session's mutable fields and bumps modified_at.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	session.ModifiedAt = time.Now().UTC()
	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE sessions
		SET status = ?, project_dir = ?, executor_identity = ?, executor_profile = ?,
			hostname = ?, modified_at = ?
		WHERE id = ?`)
	res, err := w.ExecContext(ctx, query,
		string(session.Status), session.ProjectDir, session.ExecutorIdentity,
		session.ExecutorProfile, session.Hostname, session.ModifiedAt, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session. Events and runs cascade via foreign keys.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	w := s.pool.Writer()
	query := w.Rebind(`DELETE FROM sessions WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return n > 0, nil
}
