package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelhq/kestrel/internal/coordinator/models"
)

type eventRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	Kind      string    `db:"kind"`
	Timestamp time.Time `db:"timestamp"`
	Payload   string    `db:"payload"`
}

func (r eventRow) toModel() (*models.Event, error) {
	payload, err := unmarshalMap(r.Payload)
	if err != nil {
		return nil, err
	}
	return &models.Event{
		ID:        r.ID,
		SessionID: r.SessionID,
		Seq:       r.Seq,
		Kind:      models.EventKind(r.Kind),
		Timestamp: r.Timestamp,
		Payload:   payload,
	}, nil
}

// AppendEvent inserts an event with the next per-session sequence number and
// returns the stored event. The sequence assignment and the insert share one
// transaction, so per-session order is the insertion order.
func (s *Store) AppendEvent(ctx context.Context, event *models.Event) (*models.Event, error) {
	payload, err := marshalJSON(event.Payload, "{}")
	if err != nil {
		return nil, err
	}
	if event.ID == "" {
		event.ID = models.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	seqQuery := tx.Rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`)
	if err := tx.GetContext(ctx, &seq, seqQuery, event.SessionID); err != nil {
		return nil, fmt.Errorf("failed to compute event sequence: %w", err)
	}

	insert := tx.Rebind(`
		INSERT INTO events (id, session_id, seq, kind, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		event.ID, event.SessionID, seq, string(event.Kind), event.Timestamp, payload); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}

	event.Seq = seq
	return event, nil
}

// ListEvents returns a session's events in sequence order. When afterSeq is
// positive, only events with a greater sequence number are returned.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]*models.Event, error) {
	query := `SELECT * FROM events WHERE session_id = ?`
	args := []any{sessionID}
	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, afterSeq)
	}
	query += ` ORDER BY seq ASC`

	r := s.pool.Reader()
	var rows []eventRow
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]*models.Event, 0, len(rows))
	for _, row := range rows {
		event, err := row.toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// LatestResultEvent returns the most recent result event of a session, or
// nil when none exists.
func (s *Store) LatestResultEvent(ctx context.Context, sessionID string) (*models.Event, error) {
	r := s.pool.Reader()
	var rows []eventRow
	query := r.Rebind(`
		SELECT * FROM events
		WHERE session_id = ? AND kind = ?
		ORDER BY seq DESC LIMIT 1`)
	if err := r.SelectContext(ctx, &rows, query, sessionID, string(models.EventResult)); err != nil {
		return nil, fmt.Errorf("failed to get result event: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toModel()
}
