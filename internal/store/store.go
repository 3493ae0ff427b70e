// Package store persists execution history for the monitoring pipeline.
//
// Three backends implement Store: an in-memory map store, SQLite (the default,
// single host) and Postgres. All of them enforce at most one running execution
// per project inside CreateRunningExecution.
package store

import (
	"context"
	"time"

	"agentdash/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Store is the persistent record of projects, executions, tasks, logs and metrics.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	GetProject(ctx context.Context, id string) (domain.Project, error)
	PutProject(ctx context.Context, project domain.Project) error

	CreateExecutionPlan(ctx context.Context, plan domain.ExecutionPlan) error
	ListExecutionPlans(ctx context.Context, projectID string) ([]domain.ExecutionPlan, error)

	// CreateRunningExecution inserts rec with status running unless the project
	// already has a running execution, in which case it returns
	// domain.ErrAlreadyRunning and writes nothing.
	CreateRunningExecution(ctx context.Context, rec domain.ExecutionRecord) error
	// EnsureExecution inserts rec when no execution with its id exists and
	// the insert keeps at most one running execution per project. created
	// reports whether a row was written.
	EnsureExecution(ctx context.Context, rec domain.ExecutionRecord) (created bool, err error)
	GetExecution(ctx context.Context, id string) (domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ExecutionRecord, error)
	ListRunningExecutions(ctx context.Context, projectID string) ([]domain.ExecutionRecord, error)
	// CompleteExecution sets the status, keeps the first completion time and
	// replaces metrics when c.Metrics is non-nil. Unknown ids return
	// domain.ErrNotFound.
	CompleteExecution(ctx context.Context, id string, c domain.ExecutionCompletion) error

	CreateTask(ctx context.Context, task domain.AgentTask) error
	// CompleteTask updates every task row matching (executionID, taskID).
	CompleteTask(ctx context.Context, executionID, taskID string, c domain.TaskCompletion) error
	ListTasks(ctx context.Context, executionID string) ([]domain.AgentTask, error)

	// RunningWorkForAgent returns the most recently started running execution
	// or task recorded under agent.
	RunningWorkForAgent(ctx context.Context, agent string) (domain.RunningWork, bool, error)
	// AgentAggregate summarizes every execution and task recorded under agent.
	AgentAggregate(ctx context.Context, agent string) (domain.AgentAggregate, error)

	AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
	ListLogs(ctx context.Context, filter LogFilter) ([]domain.LogEntry, error)

	AppendMetric(ctx context.Context, sample domain.MetricSample) error
	ListMetrics(ctx context.Context, executionID string) ([]domain.MetricSample, error)
}

// ExecutionFilter narrows ListExecutions. Results are newest first.
type ExecutionFilter struct {
	Status    domain.ExecutionStatus
	ProjectID string
	AgentName string
	Limit     int
	Offset    int
}

// LogFilter narrows ListLogs. Results are newest first.
type LogFilter struct {
	ExecutionID string
	AgentName   string
	Level       string
	Limit       int
	Offset      int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func durationSeconds(start time.Time, end *time.Time) (float64, bool) {
	if end == nil {
		return 0, false
	}
	return end.Sub(start).Seconds(), true
}
