package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentdash/internal/domain"
	"agentdash/internal/logging"
	"agentdash/internal/registry"
	"agentdash/internal/store"
	"agentdash/internal/supervisor"
)

const (
	executionDetailLogLimit = 100
	defaultLogPageLimit     = 100
	agentRecentLogLimit     = 20
)

// Launcher starts and stops orchestrator runs.
type Launcher interface {
	Launch(ctx context.Context, projectID string, opts supervisor.Options) (supervisor.ExecutionHandle, error)
	Stop(ctx context.Context, projectID string) (supervisor.StopResult, error)
	IsActive(executionID string) bool
	ActiveExecutions() []string
}

// StatusSource computes agent statuses on demand.
type StatusSource interface {
	Status(ctx context.Context, name string) (domain.ComputedAgentStatus, error)
	Statuses(ctx context.Context) []domain.ComputedAgentStatus
}

// SnapshotSource exposes the last parsed status document per agent.
type SnapshotSource interface {
	Snapshot(agent string) (domain.WorkspaceSnapshot, bool)
}

// HistoryReader is the read side of the store used by the API.
type HistoryReader interface {
	GetExecution(ctx context.Context, id string) (domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]domain.ExecutionRecord, error)
	ListTasks(ctx context.Context, executionID string) ([]domain.AgentTask, error)
	ListLogs(ctx context.Context, filter store.LogFilter) ([]domain.LogEntry, error)
}

// APIHandler serves the project, agent and execution endpoints.
type APIHandler struct {
	launcher  Launcher
	statuses  StatusSource
	snapshots SnapshotSource
	history   HistoryReader
	registry  *registry.Registry
	logger    logging.Logger
}

func NewAPIHandler(launcher Launcher, statuses StatusSource, snapshots SnapshotSource, history HistoryReader, reg *registry.Registry, logger logging.Logger) *APIHandler {
	return &APIHandler{
		launcher:  launcher,
		statuses:  statuses,
		snapshots: snapshots,
		history:   history,
		registry:  reg,
		logger:    logging.OrNop(logger),
	}
}

func (h *APIHandler) writeError(c *gin.Context, status int, message string, err error) {
	if status >= http.StatusInternalServerError && err != nil {
		h.logger.Error("%s: %v", message, err)
	}
	c.JSON(status, gin.H{"error": message})
}

// HandleExecute launches the orchestrator for a project.
func (h *APIHandler) HandleExecute(c *gin.Context) {
	var opts supervisor.Options
	if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(c, http.StatusBadRequest, "invalid execution options", err)
		return
	}

	handle, err := h.launcher.Launch(c.Request.Context(), c.Param("id"), opts)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, handle)
	case errors.Is(err, domain.ErrProjectNotFound):
		h.writeError(c, http.StatusNotFound, "Project not found", err)
	case errors.Is(err, domain.ErrAlreadyRunning):
		h.writeError(c, http.StatusConflict, "Project already has a running execution", err)
	default:
		h.writeError(c, http.StatusInternalServerError, "Failed to start project execution", err)
	}
}

// HandleStop terminates a project's live executions.
func (h *APIHandler) HandleStop(c *gin.Context) {
	result, err := h.launcher.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to stop project execution", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type agentView struct {
	domain.ComputedAgentStatus
	Capabilities []string                  `json:"capabilities,omitempty"`
	Workspace    *domain.WorkspaceSnapshot `json:"workspace,omitempty"`
	RecentLogs   []domain.LogEntry         `json:"recentLogs,omitempty"`
}

func (h *APIHandler) view(status domain.ComputedAgentStatus) agentView {
	v := agentView{ComputedAgentStatus: status}
	if def, ok := h.registry.Lookup(status.Name); ok {
		v.Capabilities = def.Capabilities
	}
	if h.snapshots != nil {
		if snap, ok := h.snapshots.Snapshot(status.Name); ok {
			v.Workspace = &snap
		}
	}
	return v
}

// HandleListAgents returns every registered agent with its computed status.
func (h *APIHandler) HandleListAgents(c *gin.Context) {
	statuses := h.statuses.Statuses(c.Request.Context())
	views := make([]agentView, 0, len(statuses))
	for _, s := range statuses {
		views = append(views, h.view(s))
	}
	c.JSON(http.StatusOK, views)
}

// HandleGetAgent returns one agent with its workspace snapshot and recent logs.
func (h *APIHandler) HandleGetAgent(c *gin.Context) {
	status, ok := h.agentStatus(c)
	if !ok {
		return
	}
	v := h.view(status)
	logs, err := h.history.ListLogs(c.Request.Context(), store.LogFilter{AgentName: status.Name, Limit: agentRecentLogLimit})
	if err != nil {
		h.logger.Warn("Recent logs for %s unavailable: %v", status.Name, err)
	} else {
		v.RecentLogs = logs
	}
	c.JSON(http.StatusOK, v)
}

// HandleGetAgentStatus returns the compact status of one agent.
func (h *APIHandler) HandleGetAgentStatus(c *gin.Context) {
	status, ok := h.agentStatus(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":             status.Name,
		"status":           status.Status,
		"lastSeen":         status.LastSeen,
		"currentExecution": status.CurrentExecution,
	})
}

func (h *APIHandler) agentStatus(c *gin.Context) (domain.ComputedAgentStatus, bool) {
	status, err := h.statuses.Status(c.Request.Context(), c.Param("name"))
	switch {
	case err == nil:
		return status, true
	case errors.Is(err, domain.ErrAgentNotFound):
		h.writeError(c, http.StatusNotFound, "Agent not found", err)
	default:
		h.writeError(c, http.StatusInternalServerError, "Failed to fetch agent", err)
	}
	return domain.ComputedAgentStatus{}, false
}

// HandleListExecutions lists executions newest first.
func (h *APIHandler) HandleListExecutions(c *gin.Context) {
	limit, offset, ok := h.paging(c, 0)
	if !ok {
		return
	}
	filter := store.ExecutionFilter{
		ProjectID: strings.TrimSpace(c.Query("projectId")),
		AgentName: strings.TrimSpace(c.Query("agent")),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, valid := domain.ParseExecutionStatus(raw)
		if !valid {
			h.writeError(c, http.StatusBadRequest, "invalid status", nil)
			return
		}
		filter.Status = status
	}

	executions, err := h.history.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to fetch executions", err)
		return
	}
	if executions == nil {
		executions = []domain.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, executions)
}

type executionDetail struct {
	domain.ExecutionRecord
	Active bool               `json:"active"`
	Tasks  []domain.AgentTask `json:"tasks"`
	Logs   []domain.LogEntry  `json:"logs"`
}

// HandleGetExecution returns one execution with its tasks and latest logs.
func (h *APIHandler) HandleGetExecution(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	rec, err := h.history.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(c, http.StatusNotFound, "Execution not found", err)
			return
		}
		h.writeError(c, http.StatusInternalServerError, "Failed to fetch execution", err)
		return
	}
	tasks, err := h.history.ListTasks(ctx, id)
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to fetch execution", err)
		return
	}
	logs, err := h.history.ListLogs(ctx, store.LogFilter{ExecutionID: id, Limit: executionDetailLogLimit})
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to fetch execution", err)
		return
	}
	if tasks == nil {
		tasks = []domain.AgentTask{}
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	c.JSON(http.StatusOK, executionDetail{
		ExecutionRecord: rec,
		Active:          h.launcher != nil && h.launcher.IsActive(id),
		Tasks:           tasks,
		Logs:            logs,
	})
}

// HandleExecutionLogs pages through one execution's logs, newest first.
func (h *APIHandler) HandleExecutionLogs(c *gin.Context) {
	limit, offset, ok := h.paging(c, defaultLogPageLimit)
	if !ok {
		return
	}
	logs, err := h.history.ListLogs(c.Request.Context(), store.LogFilter{
		ExecutionID: c.Param("id"),
		AgentName:   strings.TrimSpace(c.Query("agent")),
		Level:       strings.ToLower(strings.TrimSpace(c.Query("level"))),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.writeError(c, http.StatusInternalServerError, "Failed to fetch logs", err)
		return
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandler) paging(c *gin.Context, defaultLimit int) (limit, offset int, ok bool) {
	limit, ok = queryInt(c, "limit", defaultLimit)
	if !ok {
		h.writeError(c, http.StatusBadRequest, "invalid limit", nil)
		return 0, 0, false
	}
	offset, ok = queryInt(c, "offset", 0)
	if !ok {
		h.writeError(c, http.StatusBadRequest, "invalid offset", nil)
		return 0, 0, false
	}
	return limit, offset, true
}

func queryInt(c *gin.Context, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// HandleHealth reports liveness and a few gauges.
func (h *APIHandler) HandleHealth(hubStats func() any) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if h.launcher != nil {
			body["activeExecutions"] = len(h.launcher.ActiveExecutions())
		}
		if hubStats != nil {
			body["hub"] = hubStats()
		}
		c.JSON(http.StatusOK, body)
	}
}
