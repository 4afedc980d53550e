package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelhq/kestrel/internal/coordinator/models"
)

type runnerRow struct {
	ID                      string    `db:"id"`
	Hostname                string    `db:"hostname"`
	ProjectDir              string    `db:"project_dir"`
	ExecutorProfile         string    `db:"executor_profile"`
	Tags                    string    `db:"tags"`
	RegisteredAt            time.Time `db:"registered_at"`
	LastHeartbeat           time.Time `db:"last_heartbeat"`
	MarkedForDeregistration bool      `db:"marked_for_deregistration"`
}

func (r runnerRow) toModel() (*models.Runner, error) {
	tags, err := unmarshalStrings(r.Tags)
	if err != nil {
		return nil, err
	}
	return &models.Runner{
		ID:                      r.ID,
		Hostname:                r.Hostname,
		ProjectDir:              r.ProjectDir,
		ExecutorProfile:         r.ExecutorProfile,
		Tags:                    tags,
		RegisteredAt:            r.RegisteredAt,
		LastHeartbeat:           r.LastHeartbeat,
		MarkedForDeregistration: r.MarkedForDeregistration,
	}, nil
}

// UpsertRunner inserts or refreshes a runner registration. Re-registration
// with the same identity clears any pending deregistration mark.
func (s *Store) UpsertRunner(ctx context.Context, runner *models.Runner) error {
	tags, err := json.Marshal(runner.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal runner tags: %w", err)
	}
	if runner.Tags == nil {
		tags = []byte("[]")
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO runners (id, hostname, project_dir, executor_profile, tags,
			registered_at, last_heartbeat, marked_for_deregistration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			project_dir = excluded.project_dir,
			executor_profile = excluded.executor_profile,
			tags = excluded.tags,
			registered_at = excluded.registered_at,
			last_heartbeat = excluded.last_heartbeat,
			marked_for_deregistration = excluded.marked_for_deregistration`)
	_, err = w.ExecContext(ctx, query,
		runner.ID, runner.Hostname, runner.ProjectDir, runner.ExecutorProfile,
		string(tags), runner.RegisteredAt, runner.LastHeartbeat,
		runner.MarkedForDeregistration)
	if err != nil {
		return fmt.Errorf("failed to upsert runner: %w", err)
	}
	return nil
}

// GetRunner fetches a runner registration by id.
func (s *Store) GetRunner(ctx context.Context, id string) (*models.Runner, error) {
	r := s.pool.Reader()
	var row runnerRow
	query := r.Rebind(`SELECT * FROM runners WHERE id = ?`)
	if err := r.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}
	return row.toModel()
}

// ListRunners returns all registrations.
func (s *Store) ListRunners(ctx context.Context) ([]*models.Runner, error) {
	r := s.pool.Reader()
	var rows []runnerRow
	if err := r.SelectContext(ctx, &rows, `SELECT * FROM runners ORDER BY registered_at ASC`); err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	runners := make([]*models.Runner, 0, len(rows))
	for _, row := range rows {
		runner, err := row.toModel()
		if err != nil {
			return nil, err
		}
		runners = append(runners, runner)
	}
	return runners, nil
}

// TouchRunner updates a runner's last_heartbeat.
func (s *Store) TouchRunner(ctx context.Context, id string, at time.Time) error {
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE runners SET last_heartbeat = ? WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRunnerForDeregistration flags a runner for external deregistration.
func (s *Store) MarkRunnerForDeregistration(ctx context.Context, id string) error {
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE runners SET marked_for_deregistration = ? WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, true, id)
	if err != nil {
		return fmt.Errorf("failed to mark runner for deregistration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRunner removes a registration.
func (s *Store) DeleteRunner(ctx context.Context, id string) (bool, error) {
	w := s.pool.Writer()
	query := w.Rebind(`DELETE FROM runners WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete runner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete runner: %w", err)
	}
	return n > 0, nil
}
