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

type blueprintRow struct {
	Name                 string    `db:"name"`
	Description          string    `db:"description"`
	Type                 string    `db:"type"`
	SystemPrompt         string    `db:"system_prompt"`
	ParametersSchema     string    `db:"parameters_schema"`
	OutputSchema         string    `db:"output_schema"`
	MCPServers           string    `db:"mcp_servers"`
	CapabilitiesRequired string    `db:"capabilities_required"`
	Demands              string    `db:"demands"`
	Hooks                string    `db:"hooks"`
	Status               string    `db:"status"`
	Command              string    `db:"command"`
	RunnerOwned          bool      `db:"runner_owned"`
	OwnerRunnerID        string    `db:"owner_runner_id"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r blueprintRow) toModel() (*models.Blueprint, error) {
	bp := &models.Blueprint{
		Name:          r.Name,
		Description:   r.Description,
		Type:          models.BlueprintType(r.Type),
		SystemPrompt:  r.SystemPrompt,
		Status:        models.BlueprintStatus(r.Status),
		Command:       r.Command,
		RunnerOwned:   r.RunnerOwned,
		OwnerRunnerID: r.OwnerRunnerID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	var err error
	if bp.ParametersSchema, err = unmarshalMap(r.ParametersSchema); err != nil {
		return nil, err
	}
	if bp.OutputSchema, err = unmarshalMap(r.OutputSchema); err != nil {
		return nil, err
	}
	if bp.MCPServers, err = unmarshalMap(r.MCPServers); err != nil {
		return nil, err
	}
	if bp.CapabilitiesRequired, err = unmarshalStrings(r.CapabilitiesRequired); err != nil {
		return nil, err
	}
	if r.Demands != "" && r.Demands != "{}" {
		if err := json.Unmarshal([]byte(r.Demands), &bp.Demands); err != nil {
			return nil, fmt.Errorf("failed to unmarshal blueprint demands: %w", err)
		}
	}
	if r.Hooks != "" && r.Hooks != "{}" {
		if err := json.Unmarshal([]byte(r.Hooks), &bp.Hooks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal blueprint hooks: %w", err)
		}
	}
	return bp, nil
}

func blueprintArgs(bp *models.Blueprint) ([]any, error) {
	params, err := marshalJSON(bp.ParametersSchema, "{}")
	if err != nil {
		return nil, err
	}
	output, err := marshalJSON(bp.OutputSchema, "{}")
	if err != nil {
		return nil, err
	}
	mcp, err := marshalJSON(bp.MCPServers, "{}")
	if err != nil {
		return nil, err
	}
	caps, err := marshalJSON(bp.CapabilitiesRequired, "[]")
	if err != nil {
		return nil, err
	}
	demands, err := json.Marshal(bp.Demands)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blueprint demands: %w", err)
	}
	hooks, err := json.Marshal(bp.Hooks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blueprint hooks: %w", err)
	}
	return []any{
		bp.Name, bp.Description, string(bp.Type), bp.SystemPrompt, params, output,
		mcp, caps, string(demands), string(hooks), string(bp.Status), bp.Command,
		bp.RunnerOwned, bp.OwnerRunnerID, bp.CreatedAt, bp.UpdatedAt,
	}, nil
}

// CreateBlueprint inserts a blueprint. A duplicate name fails on the
// primary key.
func (s *Store) CreateBlueprint(ctx context.Context, bp *models.Blueprint) error {
	args, err := blueprintArgs(bp)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO blueprints (name, description, type, system_prompt,
			parameters_schema, output_schema, mcp_servers, capabilities_required,
			demands, hooks, status, command, runner_owned, owner_runner_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := w.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create blueprint: %w", err)
	}
	return nil
}

// UpsertBlueprint inserts or replaces a blueprint by name.
func (s *Store) UpsertBlueprint(ctx context.Context, bp *models.Blueprint) error {
	args, err := blueprintArgs(bp)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO blueprints (name, description, type, system_prompt,
			parameters_schema, output_schema, mcp_servers, capabilities_required,
			demands, hooks, status, command, runner_owned, owner_runner_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			type = excluded.type,
			system_prompt = excluded.system_prompt,
			parameters_schema = excluded.parameters_schema,
			output_schema = excluded.output_schema,
			mcp_servers = excluded.mcp_servers,
			capabilities_required = excluded.capabilities_required,
			demands = excluded.demands,
			hooks = excluded.hooks,
			status = excluded.status,
			command = excluded.command,
			runner_owned = excluded.runner_owned,
			owner_runner_id = excluded.owner_runner_id,
			updated_at = excluded.updated_at`)
	if _, err := w.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert blueprint: %w", err)
	}
	return nil
}

// GetBlueprint fetches a blueprint by name.
func (s *Store) GetBlueprint(ctx context.Context, name string) (*models.Blueprint, error) {
	r := s.pool.Reader()
	var row blueprintRow
	query := r.Rebind(`SELECT * FROM blueprints WHERE name = ?`)
	if err := r.GetContext(ctx, &row, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	}
	return row.toModel()
}

// ListBlueprints returns all blueprints, sorted by name.
func (s *Store) ListBlueprints(ctx context.Context) ([]*models.Blueprint, error) {
	r := s.pool.Reader()
	var rows []blueprintRow
	if err := r.SelectContext(ctx, &rows, `SELECT * FROM blueprints ORDER BY name ASC`); err != nil {
		return nil, fmt.Errorf("failed to list blueprints: %w", err)
	}
	blueprints := make([]*models.Blueprint, 0, len(rows))
	for _, row := range rows {
		bp, err := row.toModel()
		if err != nil {
			return nil, err
		}
		blueprints = append(blueprints, bp)
	}
	return blueprints, nil
}

// DeleteBlueprint removes a blueprint by name.
func (s *Store) DeleteBlueprint(ctx context.Context, name string) (bool, error) {
	w := s.pool.Writer()
	query := w.Rebind(`DELETE FROM blueprints WHERE name = ?`)
	res, err := w.ExecContext(ctx, query, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete blueprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete blueprint: %w", err)
	}
	return n > 0, nil
}
