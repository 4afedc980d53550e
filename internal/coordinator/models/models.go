// Package models defines the coordinator's persistent entities: sessions,
// runs, events, runner registrations and blueprints.
package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionFinished SessionStatus = "finished"
	SessionStopped  SessionStatus = "stopped"
	SessionFailed   SessionStatus = "failed"
)

// Terminal reports whether the session reached a terminal state. A finished
// session can still re-enter running when a resume run begins.
func (s SessionStatus) Terminal() bool {
	return s == SessionFinished || s == SessionStopped || s == SessionFailed
}

// Session is a persistent, named conversational context.
type Session struct {
	ID              string        `json:"session_id" db:"id"`
	ParentSessionID string        `json:"parent_session_id,omitempty" db:"parent_session_id"`
	AgentName       string        `json:"agent_name" db:"agent_name"`
	Status          SessionStatus `json:"status" db:"status"`
	ProjectDir      string        `json:"project_dir,omitempty" db:"project_dir"`
	// ExecutorIdentity is the opaque handle the executor uses to rehydrate
	// its own state on resume. Set when the first run completes.
	ExecutorIdentity string    `json:"executor_identity,omitempty" db:"executor_identity"`
	ExecutorProfile  string    `json:"executor_profile,omitempty" db:"executor_profile"`
	Hostname         string    `json:"hostname,omitempty" db:"hostname"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	ModifiedAt       time.Time `json:"modified_at" db:"modified_at"`
}

// RunType distinguishes the first run of a session from follow-ups.
type RunType string

const (
	RunTypeStart  RunType = "start"
	RunTypeResume RunType = "resume"
)

// ExecutionMode selects how the caller consumes the run's outcome.
type ExecutionMode string

const (
	ExecSync          ExecutionMode = "sync"
	ExecAsyncPoll     ExecutionMode = "async_poll"
	ExecAsyncCallback ExecutionMode = "async_callback"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunStopping  RunStatus = "stopping"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the run reached a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// Demands are a run's matching criteria. Tags are set-membership; scalar
// fields, when non-empty, must equal the runner's corresponding property.
type Demands struct {
	Tags            []string `json:"tags,omitempty"`
	Hostname        string   `json:"hostname,omitempty"`
	ProjectDir      string   `json:"project_dir,omitempty"`
	ExecutorProfile string   `json:"executor_profile,omitempty"`
}

// Empty reports whether the demands constrain nothing.
func (d Demands) Empty() bool {
	return len(d.Tags) == 0 && d.Hostname == "" && d.ProjectDir == "" && d.ExecutorProfile == ""
}

// Capabilities describe what a runner offers: a tag set plus its scalar
// identity properties.
type Capabilities struct {
	Tags            []string `json:"tags,omitempty"`
	Hostname        string   `json:"hostname"`
	ProjectDir      string   `json:"project_dir"`
	ExecutorProfile string   `json:"executor_profile"`
}

// Satisfies reports whether the capabilities meet every demand. Capability
// tags are compared verbatim; there is no hierarchy.
func (c Capabilities) Satisfies(d Demands) bool {
	if d.Hostname != "" && d.Hostname != c.Hostname {
		return false
	}
	if d.ProjectDir != "" && d.ProjectDir != c.ProjectDir {
		return false
	}
	if d.ExecutorProfile != "" && d.ExecutorProfile != c.ExecutorProfile {
		return false
	}
	if len(d.Tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(c.Tags))
	for _, t := range c.Tags {
		have[t] = true
	}
	for _, t := range d.Tags {
		if !have[t] {
			return false
		}
	}
	return true
}

// Run is one execution attempt of a session.
type Run struct {
	ID        string  `json:"run_id" db:"id"`
	Type      RunType `json:"type" db:"type"`
	SessionID string  `json:"session_id" db:"session_id"`
	AgentName string  `json:"agent_name" db:"agent_name"`
	// Parameters are the caller's validated inputs; Scope is caller-supplied
	// context that is never shown to the model.
	Parameters map[string]any `json:"parameters,omitempty" db:"-"`
	Scope      map[string]any `json:"scope,omitempty" db:"-"`
	// ResolvedBlueprint is the blueprint frozen at enqueue time, after
	// placeholder resolution.
	ResolvedBlueprint map[string]any `json:"resolved_blueprint,omitempty" db:"-"`
	Demands           Demands        `json:"demands" db:"-"`
	ExecutionMode     ExecutionMode  `json:"execution_mode" db:"execution_mode"`
	ParentSessionID   string         `json:"parent_session_id,omitempty" db:"parent_session_id"`
	Status            RunStatus      `json:"status" db:"status"`
	RunnerID          string         `json:"runner_id,omitempty" db:"runner_id"`
	Error             string         `json:"error,omitempty" db:"error"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	ClaimedAt         *time.Time     `json:"claimed_at,omitempty" db:"claimed_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	TimeoutAt         *time.Time     `json:"timeout_at,omitempty" db:"timeout_at"`
}

// EventKind classifies a session event.
type EventKind string

const (
	EventSessionStart EventKind = "session_start"
	EventSessionStop  EventKind = "session_stop"
	EventMessage      EventKind = "message"
	EventPreTool      EventKind = "pre_tool"
	EventPostTool     EventKind = "post_tool"
	EventResult       EventKind = "result"
)

// Event is an ordered, immutable record attached to a session. Seq is the
// per-session insertion order, assigned by the store.
type Event struct {
	ID        string         `json:"event_id" db:"id"`
	SessionID string         `json:"session_id" db:"session_id"`
	Seq       int64          `json:"seq" db:"seq"`
	Kind      EventKind      `json:"kind" db:"kind"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty" db:"-"`
}

// RunnerLiveness is derived from heartbeat age.
type RunnerLiveness string

const (
	RunnerOnline  RunnerLiveness = "online"
	RunnerStale   RunnerLiveness = "stale"
	RunnerOffline RunnerLiveness = "offline"
)

// Runner is a currently-known worker registration.
type Runner struct {
	ID                      string    `json:"runner_id" db:"id"`
	Hostname                string    `json:"hostname" db:"hostname"`
	ProjectDir              string    `json:"project_dir" db:"project_dir"`
	ExecutorProfile         string    `json:"executor_profile" db:"executor_profile"`
	Tags                    []string  `json:"capabilities" db:"-"`
	RegisteredAt            time.Time `json:"registered_at" db:"registered_at"`
	LastHeartbeat           time.Time `json:"last_heartbeat" db:"last_heartbeat"`
	MarkedForDeregistration bool      `json:"marked_for_deregistration" db:"marked_for_deregistration"`
}

// Capabilities returns the runner's matching surface.
func (r *Runner) Capabilities() Capabilities {
	return Capabilities{
		Tags:            r.Tags,
		Hostname:        r.Hostname,
		ProjectDir:      r.ProjectDir,
		ExecutorProfile: r.ExecutorProfile,
	}
}

// Liveness derives the runner's liveness from a heartbeat age.
func Liveness(heartbeatAge, staleAfter, offlineAfter time.Duration) RunnerLiveness {
	switch {
	case heartbeatAge >= offlineAfter:
		return RunnerOffline
	case heartbeatAge >= staleAfter:
		return RunnerStale
	default:
		return RunnerOnline
	}
}

// BlueprintType distinguishes conversational agents from one-shot commands.
type BlueprintType string

const (
	BlueprintAutonomous BlueprintType = "autonomous"
	BlueprintProcedural BlueprintType = "procedural"
)

// BlueprintStatus controls whether new runs may target a blueprint.
type BlueprintStatus string

const (
	BlueprintActive   BlueprintStatus = "active"
	BlueprintInactive BlueprintStatus = "inactive"
)

// HookSpec names a command executed by the runner around a run.
type HookSpec struct {
	Name    string `json:"name" yaml:"name"`
	Command string `json:"command" yaml:"command"`
}

// Hooks are the pre/post run hook specs of a blueprint.
type Hooks struct {
	Pre  []HookSpec `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post []HookSpec `json:"post,omitempty" yaml:"post,omitempty"`
}

// Blueprint is a reusable agent template.
type Blueprint struct {
	Name                 string          `json:"name" db:"name"`
	Description          string          `json:"description,omitempty" db:"description"`
	Type                 BlueprintType   `json:"type" db:"type"`
	SystemPrompt         string          `json:"system_prompt,omitempty" db:"system_prompt"`
	ParametersSchema     map[string]any  `json:"parameters_schema,omitempty" db:"-"`
	OutputSchema         map[string]any  `json:"output_schema,omitempty" db:"-"`
	MCPServers           map[string]any  `json:"mcp_servers,omitempty" db:"-"`
	CapabilitiesRequired []string        `json:"capabilities_required,omitempty" db:"-"`
	Demands              Demands         `json:"demands" db:"-"`
	Hooks                Hooks           `json:"hooks" db:"-"`
	Status               BlueprintStatus `json:"status" db:"status"`
	Command              string          `json:"command,omitempty" db:"command"`
	// RunnerOwned blueprints are contributed at registration and are
	// read-only through the API.
	RunnerOwned   bool      `json:"runner_owned" db:"runner_owned"`
	OwnerRunnerID string    `json:"owner_runner_id,omitempty" db:"owner_runner_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
