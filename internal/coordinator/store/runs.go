package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/coordinator/models"
)

type runRow struct {
	ID                string       `db:"id"`
	Type              string       `db:"type"`
	SessionID         string       `db:"session_id"`
	AgentName         string       `db:"agent_name"`
	Parameters        string       `db:"parameters"`
	Scope             string       `db:"scope"`
	ResolvedBlueprint string       `db:"resolved_blueprint"`
	Demands           string       `db:"demands"`
	ExecutionMode     string       `db:"execution_mode"`
	ParentSessionID   string       `db:"parent_session_id"`
	Status            string       `db:"status"`
	RunnerID          string       `db:"runner_id"`
	Error             string       `db:"error"`
	CreatedAt         time.Time    `db:"created_at"`
	ClaimedAt         sql.NullTime `db:"claimed_at"`
	StartedAt         sql.NullTime `db:"started_at"`
	CompletedAt       sql.NullTime `db:"completed_at"`
	TimeoutAt         sql.NullTime `db:"timeout_at"`
}

func (r runRow) toModel() (*models.Run, error) {
	run := &models.Run{
		ID:              r.ID,
		Type:            models.RunType(r.Type),
		SessionID:       r.SessionID,
		AgentName:       r.AgentName,
		ExecutionMode:   models.ExecutionMode(r.ExecutionMode),
		ParentSessionID: r.ParentSessionID,
		Status:          models.RunStatus(r.Status),
		RunnerID:        r.RunnerID,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
	}
	var err error
	if run.Parameters, err = unmarshalMap(r.Parameters); err != nil {
		return nil, err
	}
	if run.Scope, err = unmarshalMap(r.Scope); err != nil {
		return nil, err
	}
	if run.ResolvedBlueprint, err = unmarshalMap(r.ResolvedBlueprint); err != nil {
		return nil, err
	}
	if r.Demands != "" && r.Demands != "{}" {
		if err := json.Unmarshal([]byte(r.Demands), &run.Demands); err != nil {
			return nil, fmt.Errorf("failed to unmarshal demands: %w", err)
		}
	}
	if r.ClaimedAt.Valid {
		t := r.ClaimedAt.Time
		run.ClaimedAt = &t
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		run.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		run.CompletedAt = &t
	}
	if r.TimeoutAt.Valid {
		t := r.TimeoutAt.Time
		run.TimeoutAt = &t
	}
	return run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	params, err := marshalJSON(run.Parameters, "{}")
	if err != nil {
		return err
	}
	scope, err := marshalJSON(run.Scope, "{}")
	if err != nil {
		return err
	}
	blueprint, err := marshalJSON(run.ResolvedBlueprint, "{}")
	if err != nil {
		return err
	}
	demands, err := json.Marshal(run.Demands)
	if err != nil {
		return fmt.Errorf("failed to marshal demands: %w", err)
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO runs (id, type, session_id, agent_name, parameters, scope,
			resolved_blueprint, demands, execution_mode, parent_session_id, status,
			runner_id, error, created_at, claimed_at, started_at, completed_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query,
		run.ID, string(run.Type), run.SessionID, run.AgentName, params, scope,
		blueprint, string(demands), string(run.ExecutionMode), run.ParentSessionID,
		string(run.Status), run.RunnerID, run.Error, run.CreatedAt,
		nullTime(run.ClaimedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		nullTime(run.TimeoutAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	r := s.pool.Reader()
	var row runRow
	query := r.Rebind(`SELECT * FROM runs WHERE id = ?`)
	if err := r.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toModel()
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	SessionID string
	Status    models.RunStatus
}

// ListRuns returns runs matching the filter, oldest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `SELECT * FROM runs WHERE 1=1`
	args := []any{}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

	r := s.pool.Reader()
	var rows []runRow
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runsFromRows(rows)
}

func runsFromRows(rows []runRow) ([]*models.Run, error) {
	runs := make([]*models.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// UpdateRun rewrites a run's mutable fields.
func (s *Store) UpdateRun(ctx context.Context, run *models.Run) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE runs
		SET status = ?, runner_id = ?, error = ?, claimed_at = ?, started_at = ?,
			completed_at = ?, timeout_at = ?
		WHERE id = ?`)
	res, err := w.ExecContext(ctx, query,
		string(run.Status), run.RunnerID, run.Error, nullTime(run.ClaimedAt),
		nullTime(run.StartedAt), nullTime(run.CompletedAt), nullTime(run.TimeoutAt),
		run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionRun updates a run's status only when its current status matches
// one of the expected values. Returns ErrNotFound when the run does not
// exist and false when it exists but is not in an expected state.
func (s *Store) TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, mutate func(*models.Run)) (*models.Run, bool, error) {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row runRow
	query := tx.Rebind(`SELECT * FROM runs WHERE id = ?`)
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("failed to get run: %w", err)
	}
	run, err := row.toModel()
	if err != nil {
		return nil, false, err
	}

	allowed := false
	for _, st := range from {
		if run.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return run, false, nil
	}

	run.Status = to
	if mutate != nil {
		mutate(run)
	}

	update := tx.Rebind(`
		UPDATE runs
		SET status = ?, runner_id = ?, error = ?, claimed_at = ?, started_at = ?,
			completed_at = ?, timeout_at = ?
		WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, update,
		string(run.Status), run.RunnerID, run.Error, nullTime(run.ClaimedAt),
		nullTime(run.StartedAt), nullTime(run.CompletedAt), nullTime(run.TimeoutAt),
		run.ID); err != nil {
		return nil, false, fmt.Errorf("failed to update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, true, nil
}

// ClaimFirstMatching selects, in one transaction, the oldest pending run
// whose demands the given capabilities satisfy, flips it to claimed and
// assigns it to the runner. Concurrent claims never return the same run:
// the UPDATE carries a status guard, and SQLite serializes through the
// single writer connection while Postgres resolves conflicts on the row.
func (s *Store) ClaimFirstMatching(ctx context.Context, runnerID string, caps models.Capabilities) (*models.Run, error) {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rows []runRow
	query := tx.Rebind(`SELECT * FROM runs WHERE status = ? ORDER BY created_at ASC`)
	if err := tx.SelectContext(ctx, &rows, query, string(models.RunPending)); err != nil {
		return nil, fmt.Errorf("failed to scan pending runs: %w", err)
	}

	now := time.Now().UTC()
	for _, row := range rows {
		run, err := row.toModel()
		if err != nil {
			s.log.Error("skipping undecodable pending run", zap.Error(err), zap.String("run_id", row.ID))
			continue
		}
		if !caps.Satisfies(run.Demands) {
			continue
		}

		// A session's runs execute one at a time: a queued resume stays
		// behind its session's in-flight run.
		var active int
		activeQuery := tx.Rebind(`
			SELECT COUNT(*) FROM runs
			WHERE session_id = ? AND id <> ? AND status IN (?, ?, ?)`)
		if err := tx.GetContext(ctx, &active, activeQuery, run.SessionID, run.ID,
			string(models.RunClaimed), string(models.RunRunning), string(models.RunStopping)); err != nil {
			return nil, fmt.Errorf("failed to check session runs: %w", err)
		}
		if active > 0 {
			continue
		}

		update := tx.Rebind(`
			UPDATE runs SET status = ?, runner_id = ?, claimed_at = ?
			WHERE id = ? AND status = ?`)
		res, err := tx.ExecContext(ctx, update,
			string(models.RunClaimed), runnerID, now, run.ID, string(models.RunPending))
		if err != nil {
			return nil, fmt.Errorf("failed to claim run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to claim run: %w", err)
		}
		if n == 0 {
			// Lost the race on this row; try the next pending run.
			continue
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit claim: %w", err)
		}
		run.Status = models.RunClaimed
		run.RunnerID = runnerID
		run.ClaimedAt = &now
		return run, nil
	}
	return nil, nil
}

// ListExpiredPending returns pending runs whose timeout_at has passed.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]*models.Run, error) {
	r := s.pool.Reader()
	var rows []runRow
	query := r.Rebind(`
		SELECT * FROM runs
		WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at < ?
		ORDER BY created_at ASC`)
	if err := r.SelectContext(ctx, &rows, query, string(models.RunPending), now); err != nil {
		return nil, fmt.Errorf("failed to list expired runs: %w", err)
	}
	return runsFromRows(rows)
}

// ListRunsOwnedBy returns a runner's in-flight runs (claimed, running or
// stopping), oldest first.
func (s *Store) ListRunsOwnedBy(ctx context.Context, runnerID string) ([]*models.Run, error) {
	r := s.pool.Reader()
	var rows []runRow
	query := r.Rebind(`
		SELECT * FROM runs
		WHERE runner_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at ASC`)
	if err := r.SelectContext(ctx, &rows, query, runnerID,
		string(models.RunClaimed), string(models.RunRunning), string(models.RunStopping)); err != nil {
		return nil, fmt.Errorf("failed to list runs owned by runner: %w", err)
	}
	return runsFromRows(rows)
}

// ListRecoveryRuns returns all runs left in a transient state, used by the
// startup sweep.
func (s *Store) ListRecoveryRuns(ctx context.Context) ([]*models.Run, error) {
	r := s.pool.Reader()
	var rows []runRow
	query := r.Rebind(`SELECT * FROM runs WHERE status IN (?, ?, ?) ORDER BY created_at ASC`)
	if err := r.SelectContext(ctx, &rows, query,
		string(models.RunClaimed), string(models.RunRunning), string(models.RunStopping)); err != nil {
		return nil, fmt.Errorf("failed to list recovery runs: %w", err)
	}
	return runsFromRows(rows)
}

// ActiveRunForSession returns the session's current non-terminal run, if any.
func (s *Store) ActiveRunForSession(ctx context.Context, sessionID string) (*models.Run, error) {
	r := s.pool.Reader()
	var rows []runRow
	query := r.Rebind(`
		SELECT * FROM runs
		WHERE session_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at ASC LIMIT 1`)
	if err := r.SelectContext(ctx, &rows, query, sessionID,
		string(models.RunPending), string(models.RunClaimed),
		string(models.RunRunning), string(models.RunStopping)); err != nil {
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toModel()
}
