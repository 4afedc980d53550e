// Package dto defines the request and response bodies of the coordinator's
// HTTP API.
package dto

import (
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/registry"
)

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Type            string         `json:"type"`
	AgentName       string         `json:"agent_name" binding:"required"`
	SessionID       string         `json:"session_id"`
	ParentSessionID string         `json:"parent_session_id"`
	Parameters      map[string]any `json:"parameters"`
	Scope           map[string]any `json:"scope"`
	ExecutionMode   string         `json:"execution_mode"`
	Demands         models.Demands `json:"demands"`
}

// CreateRunResponse acknowledges an enqueued run.
type CreateRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionListResponse wraps GET /sessions.
type SessionListResponse struct {
	Sessions []*models.Session `json:"sessions"`
}

// EventListResponse wraps GET /sessions/{id}/events.
type EventListResponse struct {
	Events []*models.Event `json:"events"`
}

// ResultResponse wraps GET /sessions/{id}/result.
type ResultResponse struct {
	Result     string         `json:"result"`
	ResultData map[string]any `json:"result_data,omitempty"`
}

// DeleteResponse acknowledges an idempotent delete.
type DeleteResponse struct {
	Deleted       bool `json:"deleted"`
	AlreadyAbsent bool `json:"already_absent,omitempty"`
}

// RunListResponse wraps GET /runs.
type RunListResponse struct {
	Runs []*models.Run `json:"runs"`
}

// RegisterRequest is the body of POST /runner/register.
type RegisterRequest struct {
	Hostname        string              `json:"hostname" binding:"required"`
	ProjectDir      string              `json:"project_dir" binding:"required"`
	ExecutorProfile string              `json:"executor_profile" binding:"required"`
	Capabilities    []string            `json:"capabilities"`
	Blueprints      []*models.Blueprint `json:"blueprints"`
}

// RegisterResponse returns the runner's identity and polling parameters.
type RegisterResponse struct {
	RunnerID                 string `json:"runner_id"`
	PollTimeoutSeconds       int    `json:"poll_timeout_seconds"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// HeartbeatRequest is the body of POST /runner/heartbeat.
type HeartbeatRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
}

// WorkResponse is the non-empty outcome of the runner long-poll.
type WorkResponse struct {
	Run          *models.Run `json:"run,omitempty"`
	StopRuns     []string    `json:"stop_runs,omitempty"`
	Deregistered bool        `json:"deregistered,omitempty"`
}

// CompletedRequest is the body of POST /runner/runs/{id}/completed.
type CompletedRequest struct {
	ResultText       string         `json:"result_text"`
	ResultData       map[string]any `json:"result_data"`
	ExecutorIdentity string         `json:"executor_identity"`
}

// FailedRequest is the body of POST /runner/runs/{id}/failed.
type FailedRequest struct {
	Error string `json:"error" binding:"required"`
}

// StoppedRequest is the body of POST /runner/runs/{id}/stopped.
type StoppedRequest struct {
	Signal string `json:"signal"`
}

// RunnerListResponse wraps GET /runners.
type RunnerListResponse struct {
	Runners []registry.RunnerInfo `json:"runners"`
}

// CreateBlueprintRequest is the body of POST /agents.
type CreateBlueprintRequest struct {
	Name                 string         `json:"name" binding:"required"`
	Description          string         `json:"description"`
	Type                 string         `json:"type"`
	SystemPrompt         string         `json:"system_prompt"`
	ParametersSchema     map[string]any `json:"parameters_schema"`
	OutputSchema         map[string]any `json:"output_schema"`
	MCPServers           map[string]any `json:"mcp_servers"`
	CapabilitiesRequired []string       `json:"capabilities_required"`
	Demands              models.Demands `json:"demands"`
	Hooks                models.Hooks   `json:"hooks"`
	Command              string         `json:"command"`
}

// UpdateBlueprintRequest is the body of PATCH /agents/{name}; nil fields are
// left unchanged.
type UpdateBlueprintRequest struct {
	Description          *string        `json:"description"`
	SystemPrompt         *string        `json:"system_prompt"`
	ParametersSchema     map[string]any `json:"parameters_schema"`
	OutputSchema         map[string]any `json:"output_schema"`
	MCPServers           map[string]any `json:"mcp_servers"`
	CapabilitiesRequired []string       `json:"capabilities_required"`
	Demands              *models.Demands `json:"demands"`
	Hooks                *models.Hooks   `json:"hooks"`
	Status               *string        `json:"status"`
	Command              *string        `json:"command"`
}

// BlueprintListResponse wraps GET /agents.
type BlueprintListResponse struct {
	Agents []*models.Blueprint `json:"agents"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Sessions    int `json:"sessions"`
	PendingRuns int `json:"pending_runs"`
	Runners     int `json:"runners"`
	Subscribers int `json:"stream_subscribers"`
}
