// Package blueprint owns agent templates: loading them from disk, validating
// run parameters against their schemas, and serving CRUD over the catalog.
package blueprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/kestrel/internal/coordinator/models"
)

// agentManifest is the on-disk metadata file of one blueprint directory.
type agentManifest struct {
	Name                 string         `yaml:"name"`
	Description          string         `yaml:"description"`
	Type                 string         `yaml:"type"`
	ParametersSchema     map[string]any `yaml:"parameters_schema"`
	OutputSchema         map[string]any `yaml:"output_schema"`
	CapabilitiesRequired []string       `yaml:"capabilities_required"`
	Demands              models.Demands `yaml:"demands"`
	Hooks                models.Hooks   `yaml:"hooks"`
	Command              string         `yaml:"command"`
	Status               string         `yaml:"status"`
}

const (
	manifestFile = "agent.yaml"
	promptFile   = "prompt.md"
	mcpFile      = "mcp_servers.json"
)

// LoadDir reads every blueprint sub-folder under dir. A folder must contain
// agent.yaml; prompt.md and mcp_servers.json are optional. A missing dir is
// not an error, it just yields no blueprints.
func LoadDir(dir string) ([]*models.Blueprint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agents dir: %w", err)
	}

	var blueprints []*models.Blueprint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bp, err := loadOne(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("blueprint %q: %w", entry.Name(), err)
		}
		blueprints = append(blueprints, bp)
	}
	return blueprints, nil
}

func loadOne(dir string) (*models.Blueprint, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", manifestFile, err)
	}
	var manifest agentManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", manifestFile, err)
	}
	if manifest.Name == "" {
		manifest.Name = filepath.Base(dir)
	}

	bpType := models.BlueprintType(manifest.Type)
	if bpType == "" {
		bpType = models.BlueprintAutonomous
	}
	if bpType != models.BlueprintAutonomous && bpType != models.BlueprintProcedural {
		return nil, fmt.Errorf("unknown blueprint type %q", manifest.Type)
	}
	status := models.BlueprintStatus(manifest.Status)
	if status == "" {
		status = models.BlueprintActive
	}

	now := time.Now().UTC()
	bp := &models.Blueprint{
		Name:                 manifest.Name,
		Description:          manifest.Description,
		Type:                 bpType,
		ParametersSchema:     normalizeYAMLMap(manifest.ParametersSchema),
		OutputSchema:         normalizeYAMLMap(manifest.OutputSchema),
		CapabilitiesRequired: manifest.CapabilitiesRequired,
		Demands:              manifest.Demands,
		Hooks:                manifest.Hooks,
		Command:              manifest.Command,
		Status:               status,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if prompt, err := os.ReadFile(filepath.Join(dir, promptFile)); err == nil {
		bp.SystemPrompt = string(prompt)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", promptFile, err)
	}

	if raw, err := os.ReadFile(filepath.Join(dir, mcpFile)); err == nil {
		var servers map[string]any
		if err := json.Unmarshal(raw, &servers); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", mcpFile, err)
		}
		bp.MCPServers = servers
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", mcpFile, err)
	}

	return bp, nil
}

// normalizeYAMLMap converts yaml.v3's map[string]any values that may contain
// map[any]any nodes into pure JSON-compatible maps.
func normalizeYAMLMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeYAMLMap(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAMLValue(item)
		}
		return out
	default:
		return v
	}
}
