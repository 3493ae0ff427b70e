package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentdash/internal/domain"
	"agentdash/internal/hub"
	"agentdash/internal/utils/id"
)

// notification is one decoded event. The set of implementations is closed:
// every kind listed in newNotification must provide apply.
type notification interface {
	inherit(executionID, projectID string)
	apply(ctx context.Context, i *Ingestor) error
}

func newNotification(event string) (notification, bool) {
	switch event {
	case EventExecutionStarted:
		return &ExecutionStarted{}, true
	case EventExecutionProgress:
		return &ExecutionProgress{}, true
	case EventExecutionCompleted:
		return &ExecutionCompleted{}, true
	case EventAgentStarted:
		return &AgentStarted{}, true
	case EventAgentCompleted:
		return &AgentCompleted{}, true
	case EventAgentLog:
		return &AgentLog{}, true
	case EventMetricUpdate:
		return &MetricUpdate{}, true
	default:
		return nil, false
	}
}

// scope carries the identifiers every notification may reference.
type scope struct {
	ExecutionID string `json:"executionId"`
	ProjectID   string `json:"projectId"`
}

func (s *scope) inherit(executionID, projectID string) {
	if s.ExecutionID == "" {
		s.ExecutionID = executionID
	}
	if s.ProjectID == "" {
		s.ProjectID = projectID
	}
}

// ExecutionStarted announces an execution, optionally with its plan.
type ExecutionStarted struct {
	scope
	Plan json.RawMessage `json:"plan"`
}

func (n *ExecutionStarted) apply(ctx context.Context, i *Ingestor) error {
	if n.ExecutionID == "" {
		return invalid("executionId is required")
	}
	now := i.stamp()
	if present(n.Plan) {
		if n.ProjectID == "" {
			return invalid("projectId is required with a plan")
		}
		if err := i.store.CreateExecutionPlan(ctx, domain.ExecutionPlan{
			ID:        id.NewPlanID(),
			ProjectID: n.ProjectID,
			Plan:      n.Plan,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("persist plan: %w", err)
		}
	}
	if n.ProjectID != "" {
		created, err := i.store.EnsureExecution(ctx, domain.ExecutionRecord{
			ID:        n.ExecutionID,
			ProjectID: n.ProjectID,
			AgentName: domain.OrchestratorAgent,
			Status:    domain.StatusRunning,
			StartedAt: now,
		})
		if err != nil {
			return fmt.Errorf("ensure execution: %w", err)
		}
		if created {
			i.logger.Info("Recorded externally started execution %s for project %s", n.ExecutionID, n.ProjectID)
		}
	}
	i.publisher.EmitExecutionUpdate(n.ExecutionID, map[string]any{
		"status": "started",
		"plan":   passthrough(n.Plan),
	})
	return nil
}

// ExecutionProgress is published as is and never persisted.
type ExecutionProgress struct {
	scope
	Progress        json.RawMessage `json:"progress"`
	CurrentAgent    json.RawMessage `json:"currentAgent"`
	CompletedAgents json.RawMessage `json:"completedAgents"`
}

func (n *ExecutionProgress) apply(_ context.Context, i *Ingestor) error {
	if n.ExecutionID == "" {
		return invalid("executionId is required")
	}
	i.publisher.EmitExecutionUpdate(n.ExecutionID, map[string]any{
		"status":          "progress",
		"progress":        passthrough(n.Progress),
		"currentAgent":    passthrough(n.CurrentAgent),
		"completedAgents": passthrough(n.CompletedAgents),
	})
	return nil
}

// ExecutionCompleted closes an execution. The summary becomes its metrics.
type ExecutionCompleted struct {
	scope
	Status  string          `json:"status"`
	Summary json.RawMessage `json:"summary"`
}

func (n *ExecutionCompleted) apply(ctx context.Context, i *Ingestor) error {
	if n.ExecutionID == "" {
		return invalid("executionId is required")
	}
	status, err := terminalStatus(n.Status)
	if err != nil {
		return err
	}
	err = i.store.CompleteExecution(ctx, n.ExecutionID, domain.ExecutionCompletion{
		Status:      status,
		CompletedAt: i.stamp(),
		Metrics:     orEmptyObject(n.Summary),
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		i.logger.Warn("Completion for unknown execution %s", n.ExecutionID)
	case err != nil:
		return fmt.Errorf("complete execution: %w", err)
	}
	i.publisher.EmitExecutionUpdate(n.ExecutionID, map[string]any{
		"status":  string(status),
		"summary": passthrough(n.Summary),
	})
	return nil
}

// AgentStarted opens a task for an agent within an execution.
type AgentStarted struct {
	scope
	AgentName string          `json:"agentName"`
	TaskID    string          `json:"taskId"`
	Input     json.RawMessage `json:"input"`
}

func (n *AgentStarted) apply(ctx context.Context, i *Ingestor) error {
	if n.ExecutionID == "" || n.AgentName == "" {
		return invalid("executionId and agentName are required")
	}
	if err := i.store.CreateTask(ctx, domain.AgentTask{
		ID:          id.NewTaskRowID(),
		ExecutionID: n.ExecutionID,
		TaskID:      n.TaskID,
		AgentName:   n.AgentName,
		Status:      domain.StatusRunning,
		Input:       orEmptyObject(n.Input),
		StartedAt:   i.stamp(),
	}); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	i.publisher.EmitAgentStatus(n.AgentName, map[string]any{
		"status":      string(domain.StatusRunning),
		"currentTask": n.TaskID,
		"executionId": n.ExecutionID,
	})
	return nil
}

// AgentCompleted closes the task matched by execution and task id.
type AgentCompleted struct {
	scope
	AgentName string          `json:"agentName"`
	TaskID    string          `json:"taskId"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output"`
}

func (n *AgentCompleted) apply(ctx context.Context, i *Ingestor) error {
	if n.ExecutionID == "" || n.TaskID == "" {
		return invalid("executionId and taskId are required")
	}
	status, err := terminalStatus(n.Status)
	if err != nil {
		return err
	}
	err = i.store.CompleteTask(ctx, n.ExecutionID, n.TaskID, domain.TaskCompletion{
		Status:      status,
		Output:      orEmptyObject(n.Output),
		CompletedAt: i.stamp(),
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		i.logger.Warn("Completion for unknown task %s in %s", n.TaskID, n.ExecutionID)
	case err != nil:
		return fmt.Errorf("complete task: %w", err)
	}
	if n.AgentName != "" {
		i.publisher.EmitAgentStatus(n.AgentName, map[string]any{
			"status":     string(domain.AgentIdle),
			"lastTask":   n.TaskID,
			"lastStatus": string(status),
		})
	}
	return nil
}

// AgentLog appends one log entry.
type AgentLog struct {
	scope
	AgentName string          `json:"agentName"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (n *AgentLog) apply(ctx context.Context, i *Ingestor) error {
	if strings.TrimSpace(n.Message) == "" {
		return invalid("message is required")
	}
	level := strings.ToLower(strings.TrimSpace(n.Level))
	if level == "" {
		level = "info"
	}
	entry, err := i.store.AppendLog(ctx, domain.LogEntry{
		ExecutionID: n.ExecutionID,
		AgentName:   n.AgentName,
		Level:       level,
		Message:     n.Message,
		Metadata:    orEmptyObject(n.Metadata),
		CreatedAt:   i.stamp(),
	})
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	i.publisher.EmitLogEntry(hub.LogPayload{
		ExecutionID: entry.ExecutionID,
		AgentName:   entry.AgentName,
		Level:       entry.Level,
		Message:     entry.Message,
		Metadata:    passthrough(n.Metadata),
		Timestamp:   entry.CreatedAt.Format(time.RFC3339Nano),
	})
	return nil
}

// MetricUpdate appends one metric sample.
type MetricUpdate struct {
	scope
	MetricName  string   `json:"metricName"`
	MetricValue *float64 `json:"metricValue"`
}

func (n *MetricUpdate) apply(ctx context.Context, i *Ingestor) error {
	if n.ExecutionID == "" || n.MetricName == "" || n.MetricValue == nil {
		return invalid("executionId, metricName and metricValue are required")
	}
	now := i.stamp()
	if err := i.store.AppendMetric(ctx, domain.MetricSample{
		ExecutionID: n.ExecutionID,
		Name:        n.MetricName,
		Value:       *n.MetricValue,
		RecordedAt:  now,
	}); err != nil {
		return fmt.Errorf("append metric: %w", err)
	}
	i.publisher.EmitMetricUpdate(hub.MetricPayload{
		ExecutionID: n.ExecutionID,
		ProjectID:   n.ProjectID,
		MetricName:  n.MetricName,
		MetricValue: *n.MetricValue,
		Timestamp:   now.Format(time.RFC3339Nano),
	})
	return nil
}

// terminalStatus parses a reported status, defaulting to completed.
func terminalStatus(raw string) (domain.ExecutionStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.StatusCompleted, nil
	}
	status, ok := domain.ParseExecutionStatus(raw)
	if !ok || !status.Terminal() {
		return "", invalid("status %q is not terminal", raw)
	}
	return status, nil
}
