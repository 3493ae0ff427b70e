// Package supervisor launches and stops the orchestration process for a
// project and keeps its execution record in step with the process lifecycle.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"agentdash/internal/domain"
	"agentdash/internal/hub"
	"agentdash/internal/logging"
	"agentdash/internal/observability"
	"agentdash/internal/utils/id"
)

const (
	DefaultLevel                = 2
	DefaultTimeoutMinutes       = 30
	DefaultMaxParallelTerminals = 4
	DefaultStopGrace            = 5 * time.Second
	DefaultInterpreter          = "bash"
)

// Store is the slice of the persistent store the supervisor needs.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	CreateExecutionPlan(ctx context.Context, plan domain.ExecutionPlan) error
	CreateRunningExecution(ctx context.Context, rec domain.ExecutionRecord) error
	ListRunningExecutions(ctx context.Context, projectID string) ([]domain.ExecutionRecord, error)
	CompleteExecution(ctx context.Context, id string, c domain.ExecutionCompletion) error
}

// Publisher receives execution updates and process output.
type Publisher interface {
	EmitExecutionUpdate(executionID string, update map[string]any) int
	EmitLogEntry(entry hub.LogPayload) int
}

// Config describes how the orchestrator is invoked.
type Config struct {
	Interpreter                 string
	Script                      string
	WorkingDir                  string
	WebhookURL                  string
	DefaultTimeoutMinutes       int
	DefaultMaxParallelTerminals int
	StopGrace                   time.Duration
}

// Options are the per-launch knobs accepted from callers.
type Options struct {
	Level                int  `json:"level"`
	Interactive          bool `json:"interactive"`
	TimeoutMinutes       int  `json:"timeout"`
	MaxParallelTerminals int  `json:"maxParallelTerminals"`
}

// ExecutionHandle is returned by a successful Launch.
type ExecutionHandle struct {
	ExecutionID string    `json:"executionId"`
	ProjectID   string    `json:"projectId"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
}

// StopResult reports how many live executions Stop terminated.
type StopResult struct {
	StoppedCount int    `json:"stoppedCount"`
	Message      string `json:"message"`
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

func WithLogger(logger logging.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// Supervisor owns the orchestrator processes started by this host.
type Supervisor struct {
	cfg       Config
	store     Store
	publisher Publisher
	registry  *Registry
	locks     *keyedMutex
	logger    logging.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// New returns a supervisor with an empty registry.
func New(cfg Config, st Store, pub Publisher, opts ...Option) (*Supervisor, error) {
	if st == nil || pub == nil {
		return nil, errors.New("supervisor: store and publisher are required")
	}
	if cfg.Script == "" {
		return nil, errors.New("supervisor: orchestrator script is required")
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.DefaultTimeoutMinutes <= 0 {
		cfg.DefaultTimeoutMinutes = DefaultTimeoutMinutes
	}
	if cfg.DefaultMaxParallelTerminals <= 0 {
		cfg.DefaultMaxParallelTerminals = DefaultMaxParallelTerminals
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	s := &Supervisor{
		cfg:       cfg,
		store:     st,
		publisher: pub,
		registry:  NewRegistry(),
		locks:     newKeyedMutex(),
		logger:    logging.NewComponentLogger("supervisor"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Registry exposes the live process table.
func (s *Supervisor) Registry() *Registry { return s.registry }

// ActiveExecutions returns the ids of executions with a live process.
func (s *Supervisor) ActiveExecutions() []string { return s.registry.IDs() }

// IsActive reports whether executionID has a live process on this host.
func (s *Supervisor) IsActive(executionID string) bool {
	_, ok := s.registry.Lookup(executionID)
	return ok
}

func (s *Supervisor) withDefaults(opts Options) Options {
	if opts.Level <= 0 {
		opts.Level = DefaultLevel
	}
	if opts.TimeoutMinutes <= 0 {
		opts.TimeoutMinutes = s.cfg.DefaultTimeoutMinutes
	}
	if opts.MaxParallelTerminals <= 0 {
		opts.MaxParallelTerminals = s.cfg.DefaultMaxParallelTerminals
	}
	return opts
}

// Launch starts the orchestrator for projectID. It fails with
// domain.ErrProjectNotFound for unknown projects and domain.ErrAlreadyRunning
// while the project has a running execution. Spawn failures leave the record
// failed rather than running.
func (s *Supervisor) Launch(ctx context.Context, projectID string, opts Options) (handle ExecutionHandle, err error) {
	ctx, span := observability.StartSpan(ctx, "supervisor", observability.SpanLaunch,
		attribute.String(observability.AttrProjectID, projectID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(projectID)
	defer unlock()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.metrics.RecordLaunch("not_found")
			return ExecutionHandle{}, &domain.LaunchError{Op: "lookup project", Err: domain.ErrProjectNotFound}
		}
		s.metrics.RecordLaunch("error")
		return ExecutionHandle{}, &domain.LaunchError{Op: "lookup project", Err: err}
	}

	running, err := s.store.ListRunningExecutions(ctx, projectID)
	if err != nil {
		s.metrics.RecordLaunch("error")
		return ExecutionHandle{}, fmt.Errorf("list running executions: %w", err)
	}
	if len(running) > 0 {
		s.metrics.RecordLaunch("already_running")
		return ExecutionHandle{}, domain.ErrAlreadyRunning
	}

	if _, err := os.Stat(s.cfg.Script); err != nil {
		s.metrics.RecordLaunch("spawn_error")
		return ExecutionHandle{}, &domain.LaunchError{Op: "locate script", Err: err}
	}

	opts = s.withDefaults(opts)
	startedAt := s.now().UTC()
	executionID := id.NewExecutionID()
	span.SetAttributes(attribute.String(observability.AttrExecutionID, executionID))

	plan, err := json.Marshal(map[string]int{
		"level":                opts.Level,
		"maxParallelTerminals": opts.MaxParallelTerminals,
	})
	if err != nil {
		return ExecutionHandle{}, fmt.Errorf("encode plan: %w", err)
	}
	if err := s.store.CreateExecutionPlan(ctx, domain.ExecutionPlan{
		ID:        id.NewPlanID(),
		ProjectID: projectID,
		Plan:      plan,
		CreatedAt: startedAt,
	}); err != nil {
		s.metrics.RecordLaunch("error")
		return ExecutionHandle{}, fmt.Errorf("persist plan: %w", err)
	}

	if err := s.store.CreateRunningExecution(ctx, domain.ExecutionRecord{
		ID:        executionID,
		ProjectID: projectID,
		AgentName: domain.OrchestratorAgent,
		Status:    domain.StatusRunning,
		StartedAt: startedAt,
	}); err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			s.metrics.RecordLaunch("already_running")
			return ExecutionHandle{}, err
		}
		s.metrics.RecordLaunch("error")
		return ExecutionHandle{}, fmt.Errorf("persist execution: %w", err)
	}

	proc, err := startProcess(s.commandFor(project, executionID, opts),
		s.outputSink(executionID, "info"),
		s.outputSink(executionID, "error"),
	)
	if err != nil {
		s.metrics.RecordLaunch("spawn_error")
		if cerr := s.store.CompleteExecution(ctx, executionID, domain.ExecutionCompletion{
			Status:      domain.StatusFailed,
			CompletedAt: s.now(),
		}); cerr != nil {
			s.logger.Error("Failed to mark execution %s failed: %v", executionID, cerr)
		}
		s.publisher.EmitExecutionUpdate(executionID, map[string]any{
			"status": string(domain.StatusFailed),
			"error":  err.Error(),
		})
		return ExecutionHandle{}, &domain.LaunchError{Op: "spawn", Err: err}
	}

	s.registry.Insert(Entry{ExecutionID: executionID, ProjectID: projectID, StartedAt: startedAt, proc: proc})
	s.metrics.RecordLaunch("started")
	s.metrics.SetActiveExecutions(s.registry.Len())
	go s.awaitExit(executionID, proc)

	s.logger.Info("Launched orchestrator for project %s as %s (pid %d)", projectID, executionID, proc.PID())
	s.publisher.EmitExecutionUpdate(executionID, map[string]any{
		"status":    "started",
		"projectId": projectID,
		"startedAt": startedAt.Format(time.RFC3339Nano),
	})

	return ExecutionHandle{
		ExecutionID: executionID,
		ProjectID:   projectID,
		Status:      string(domain.StatusRunning),
		StartedAt:   startedAt,
	}, nil
}

func (s *Supervisor) commandFor(project domain.Project, executionID string, opts Options) processSpec {
	return processSpec{
		Command: s.cfg.Interpreter,
		Args: []string{
			s.cfg.Script,
			project.DisplayName(),
			strconv.Itoa(opts.Level),
			strconv.FormatBool(opts.Interactive),
			strconv.Itoa(opts.TimeoutMinutes),
		},
		Env: map[string]string{
			"WEBHOOK_URL":  s.cfg.WebhookURL,
			"EXECUTION_ID": executionID,
			"PROJECT_ID":   project.ID,
		},
		Dir:    s.cfg.WorkingDir,
		Logger: s.logger,
	}
}

func (s *Supervisor) outputSink(executionID, level string) func(string) {
	return func(line string) {
		if level == "error" {
			s.logger.Error("[orchestrator %s] %s", executionID, line)
		} else {
			s.logger.Info("[orchestrator %s] %s", executionID, line)
		}
		s.publisher.EmitLogEntry(hub.LogPayload{
			ExecutionID: executionID,
			AgentName:   domain.OrchestratorAgent,
			Level:       level,
			Message:     line,
		})
	}
}

func (s *Supervisor) awaitExit(executionID string, proc *process) {
	<-proc.Done()
	code := proc.ExitCode()
	s.logger.Info("Orchestrator %s exited with code %d", executionID, code)

	if _, ok := s.registry.Remove(executionID); !ok {
		// Stop already recorded the cancellation.
		return
	}
	s.metrics.SetActiveExecutions(s.registry.Len())

	status := domain.StatusCompleted
	if code != 0 {
		status = domain.StatusFailed
	}
	if err := s.store.CompleteExecution(context.Background(), executionID, domain.ExecutionCompletion{
		Status:      status,
		CompletedAt: s.now(),
	}); err != nil {
		s.logger.Error("Failed to record exit of %s: %v", executionID, err)
	}
	s.metrics.RecordExecutionFinished(string(status))
	s.publisher.EmitExecutionUpdate(executionID, map[string]any{
		"status":   string(status),
		"exitCode": code,
	})
}

// Stop terminates every running execution of projectID that has a live
// process on this host and marks it cancelled. Records without a live process
// are left alone and not counted.
func (s *Supervisor) Stop(ctx context.Context, projectID string) (result StopResult, err error) {
	ctx, span := observability.StartSpan(ctx, "supervisor", observability.SpanStop,
		attribute.String(observability.AttrProjectID, projectID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(projectID)
	defer unlock()

	running, err := s.store.ListRunningExecutions(ctx, projectID)
	if err != nil {
		return StopResult{}, fmt.Errorf("list running executions: %w", err)
	}

	stopped := 0
	for _, rec := range running {
		entry, ok := s.registry.Remove(rec.ID)
		if !ok {
			continue
		}
		entry.proc.terminate(s.cfg.StopGrace)
		stopped++
		if err := s.store.CompleteExecution(ctx, rec.ID, domain.ExecutionCompletion{
			Status:      domain.StatusCancelled,
			CompletedAt: s.now(),
		}); err != nil {
			s.logger.Error("Failed to mark %s cancelled: %v", rec.ID, err)
		}
		s.metrics.RecordExecutionFinished(string(domain.StatusCancelled))
		s.publisher.EmitExecutionUpdate(rec.ID, map[string]any{"status": string(domain.StatusCancelled)})
	}
	s.metrics.SetActiveExecutions(s.registry.Len())
	if stopped > 0 {
		s.logger.Info("Stopped %d execution(s) for project %s", stopped, projectID)
	}

	return StopResult{
		StoppedCount: stopped,
		Message:      fmt.Sprintf("Stopped %d execution(s)", stopped),
	}, nil
}

// Shutdown terminates every live process and marks its execution cancelled.
// Used when the server exits.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, executionID := range s.registry.IDs() {
		entry, ok := s.registry.Remove(executionID)
		if !ok {
			continue
		}
		entry.proc.terminate(s.cfg.StopGrace)
		if err := s.store.CompleteExecution(ctx, executionID, domain.ExecutionCompletion{
			Status:      domain.StatusCancelled,
			CompletedAt: s.now(),
		}); err != nil {
			s.logger.Error("Failed to mark %s cancelled on shutdown: %v", executionID, err)
		}
		s.publisher.EmitExecutionUpdate(executionID, map[string]any{"status": string(domain.StatusCancelled)})
	}
	s.metrics.SetActiveExecutions(0)
}
