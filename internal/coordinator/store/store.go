// Package store is the durable boundary of the coordinator. It persists
// sessions, runs, events, runner registrations and blueprints, and owns the
// atomic run claim. Higher-level invariants are enforced by the components
// that call it.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/db"
)

// Store wraps the database pool with typed operations per entity.
type Store struct {
	pool *db.Pool
	log  *logger.Logger
}

// New creates a Store over the given pool.
func New(pool *db.Pool, log *logger.Logger) *Store {
	return &Store{
		pool: pool,
		log:  log.WithFields(zap.String("component", "store")),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	parent_session_id TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL,
	status TEXT NOT NULL,
	project_dir TEXT NOT NULL DEFAULT '',
	executor_identity TEXT NOT NULL DEFAULT '',
	executor_profile TEXT NOT NULL DEFAULT '',
	hostname TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	modified_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	agent_name TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '{}',
	scope TEXT NOT NULL DEFAULT '{}',
	resolved_blueprint TEXT NOT NULL DEFAULT '{}',
	demands TEXT NOT NULL DEFAULT '{}',
	execution_mode TEXT NOT NULL,
	parent_session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	runner_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	claimed_at TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	timeout_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS runners (
	id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL,
	project_dir TEXT NOT NULL,
	executor_profile TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	registered_at TIMESTAMP NOT NULL,
	last_heartbeat TIMESTAMP NOT NULL,
	marked_for_deregistration BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS blueprints (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	parameters_schema TEXT NOT NULL DEFAULT '{}',
	output_schema TEXT NOT NULL DEFAULT '{}',
	mcp_servers TEXT NOT NULL DEFAULT '{}',
	capabilities_required TEXT NOT NULL DEFAULT '[]',
	demands TEXT NOT NULL DEFAULT '{}',
	hooks TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'active',
	command TEXT NOT NULL DEFAULT '',
	runner_owned BOOLEAN NOT NULL DEFAULT FALSE,
	owner_runner_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// InitSchema creates all tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// marshalJSON serializes a JSON column value, treating nil as the zero value.
func marshalJSON(v any, zero string) (string, error) {
	if v == nil {
		return zero, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(data string) (map[string]any, error) {
	if data == "" || data == "{}" || data == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return m, nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" || data == "[]" || data == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return out, nil
}
