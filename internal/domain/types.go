// Package domain holds the records and statuses shared by the monitoring
// pipeline.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// OrchestratorAgent is the agent name recorded for supervised orchestrator runs.
const OrchestratorAgent = "orchestration-agent"

// ExecutionStatus is the lifecycle state of an execution or task.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is a final status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseExecutionStatus normalizes a status string. ok is false for unknown values.
func ParseExecutionStatus(raw string) (ExecutionStatus, bool) {
	s := ExecutionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return s, true
	}
	return "", false
}

// AgentStatus is the computed, observer-facing state of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// AgentDefinition is a registry entry. Immutable after load.
type AgentDefinition struct {
	Name         string   `json:"name"`
	Category     string   `json:"category,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Project is the read-only project view consumed at launch.
type Project struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// DisplayName returns config.name when set, otherwise the project name.
func (p Project) DisplayName() string {
	if len(p.Config) > 0 {
		var cfg struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(p.Config, &cfg); err == nil && strings.TrimSpace(cfg.Name) != "" {
			return cfg.Name
		}
	}
	return p.Name
}

// ExecutionRecord is one orchestrator run.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"projectId"`
	AgentName   string          `json:"agentName"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Metrics     json.RawMessage `json:"metrics,omitempty"`
}

// AgentTask is one unit of work an agent performed within an execution.
type AgentTask struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"executionId"`
	TaskID      string          `json:"taskId"`
	AgentName   string          `json:"agentName"`
	Status      ExecutionStatus `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// LogEntry is an append-only log record.
type LogEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"executionId,omitempty"`
	AgentName   string          `json:"agentName,omitempty"`
	Level       string          `json:"level"`
	Message     string          `json:"message"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// MetricSample is an append-only metric observation.
type MetricSample struct {
	ExecutionID string    `json:"executionId"`
	Name        string    `json:"metricName"`
	Value       float64   `json:"metricValue"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// ExecutionPlan is an opaque plan document persisted for an execution.
type ExecutionPlan struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Plan      json.RawMessage `json:"plan"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ExecutionCompletion describes a terminal transition. Nil Metrics leaves the
// stored metrics untouched.
type ExecutionCompletion struct {
	Status      ExecutionStatus
	CompletedAt time.Time
	Metrics     json.RawMessage
}

// TaskCompletion describes a task's terminal transition.
type TaskCompletion struct {
	Status      ExecutionStatus
	Output      json.RawMessage
	CompletedAt time.Time
}

// WorkKind distinguishes the record kind behind RunningWork.
type WorkKind string

const (
	WorkExecution WorkKind = "execution"
	WorkTask      WorkKind = "task"
)

// RunningWork is the most recent running execution or task scoped to an agent.
type RunningWork struct {
	Kind        WorkKind
	ExecutionID string
	TaskID      string
	StartedAt   time.Time
}

// AgentAggregate summarizes an agent's history.
type AgentAggregate struct {
	Total              int
	Success            int
	AvgDurationSeconds float64
}

// AgentMetrics is the aggregate view published with a computed status.
type AgentMetrics struct {
	TotalExecutions  int     `json:"totalExecutions"`
	SuccessRate      float64 `json:"successRate"`
	AvgExecutionTime float64 `json:"avgExecutionTime"`
}

// MetricsFromAggregate converts an aggregate into observer metrics. Success
// rate is a percentage and is 0 when there is no history.
func MetricsFromAggregate(a AgentAggregate) AgentMetrics {
	m := AgentMetrics{TotalExecutions: a.Total, AvgExecutionTime: a.AvgDurationSeconds}
	if a.Total > 0 {
		m.SuccessRate = float64(a.Success) / float64(a.Total) * 100
	}
	return m
}

// ComputedAgentStatus is the derived status published for one agent.
type ComputedAgentStatus struct {
	Name             string       `json:"name"`
	Category         string       `json:"category"`
	Status           AgentStatus  `json:"status"`
	LastSeen         time.Time    `json:"lastSeen"`
	CurrentExecution string       `json:"currentExecution,omitempty"`
	Metrics          AgentMetrics `json:"metrics"`
}

// WorkspaceSnapshot is the last structured state read from an agent's status
// document. Held in memory only.
type WorkspaceSnapshot struct {
	Agent      string          `json:"agent"`
	TaskID     string          `json:"taskId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Outputs    json.RawMessage `json:"outputs,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	ModifiedAt time.Time       `json:"modifiedAt"`
}
