package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentdash/internal/domain"
	"agentdash/internal/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore persists records in Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects a pool to url.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("postgres store: url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logging.NewComponentLogger("PostgresStore")}
}

// EnsureSchema creates the tables if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    config JSONB
);`,
		`CREATE TABLE IF NOT EXISTS execution_plans (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    plan JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_plans_project ON execution_plans (project_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS agent_executions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    metrics JSONB
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_executions_one_running ON agent_executions (project_id) WHERE status = 'running';`,
		`CREATE INDEX IF NOT EXISTS idx_agent_executions_agent ON agent_executions (agent_name, status, started_at);`,
		`CREATE TABLE IF NOT EXISTS agent_tasks (
    id TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    status TEXT NOT NULL,
    input JSONB,
    output JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_execution ON agent_tasks (execution_id, task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent ON agent_tasks (agent_name, status, started_at);`,
		`CREATE TABLE IF NOT EXISTS agent_logs (
    id BIGSERIAL PRIMARY KEY,
    execution_id TEXT,
    agent_name TEXT,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_logs_execution ON agent_logs (execution_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS metrics (
    id BIGSERIAL PRIMARY KEY,
    execution_id TEXT NOT NULL,
    metric_name TEXT NOT NULL,
    metric_value DOUBLE PRECISION NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_execution ON metrics (execution_id, recorded_at);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: ensure schema: %w", err)
		}
	}
	s.logger.Info("postgres schema ensured (%d statements)", len(statements))
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var config []byte
	err := s.pool.QueryRow(ctx, `SELECT id, name, config FROM projects WHERE id = $1`, id).Scan(&p.ID, &p.Name, &config)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Project{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Project{}, fmt.Errorf("postgres store: get project: %w", err)
	}
	p.Config = rawOrNil(config)
	return p, nil
}

func (s *PostgresStore) PutProject(ctx context.Context, project domain.Project) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO projects (id, name, config) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, config = EXCLUDED.config`,
		project.ID, project.Name, jsonParam(project.Config))
	if err != nil {
		return fmt.Errorf("postgres store: put project: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateExecutionPlan(ctx context.Context, plan domain.ExecutionPlan) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO execution_plans (id, project_id, plan, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
		plan.ID, plan.ProjectID, string(plan.Plan), plan.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres store: create plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutionPlans(ctx context.Context, projectID string) ([]domain.ExecutionPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, project_id, plan, created_at FROM execution_plans WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list plans: %w", err)
	}
	defer rows.Close()
	var out []domain.ExecutionPlan
	for rows.Next() {
		var p domain.ExecutionPlan
		var plan []byte
		if err := rows.Scan(&p.ID, &p.ProjectID, &plan, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan plan: %w", err)
		}
		p.Plan = rawOrNil(plan)
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRunningExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO agent_executions (id, project_id, agent_name, status, started_at, metrics)
SELECT $1, $2, $3, 'running', $4, $5::jsonb
WHERE NOT EXISTS (SELECT 1 FROM agent_executions WHERE project_id = $2 AND status = 'running')`,
		rec.ID, rec.ProjectID, rec.AgentName, rec.StartedAt.UTC(), jsonParam(rec.Metrics))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.ErrAlreadyRunning
		}
		return fmt.Errorf("postgres store: create execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyRunning
	}
	return nil
}

func (s *PostgresStore) EnsureExecution(ctx context.Context, rec domain.ExecutionRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO agent_executions (id, project_id, agent_name, status, started_at, completed_at, metrics)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
ON CONFLICT DO NOTHING`,
		rec.ID, rec.ProjectID, rec.AgentName, string(rec.Status), rec.StartedAt.UTC(), rec.CompletedAt, jsonParam(rec.Metrics))
	if err != nil {
		return false, fmt.Errorf("postgres store: ensure execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const pgExecutionColumns = `id, project_id, agent_name, status, started_at, completed_at, metrics`

func scanPGExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var status string
	var completed *time.Time
	var metrics []byte
	if err := row.Scan(&rec.ID, &rec.ProjectID, &rec.AgentName, &status, &rec.StartedAt, &completed, &metrics); err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.Status = domain.ExecutionStatus(status)
	rec.StartedAt = rec.StartedAt.UTC()
	rec.CompletedAt = utcPtr(completed)
	rec.Metrics = rawOrNil(metrics)
	return rec, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	rec, err := scanPGExecution(s.pool.QueryRow(ctx, `SELECT `+pgExecutionColumns+` FROM agent_executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres store: get execution: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ExecutionRecord, error) {
	var conditions []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}
	if filter.AgentName != "" {
		add("agent_name = $%d", filter.AgentName)
	}
	query := `SELECT ` + pgExecutionColumns + ` FROM agent_executions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit), normalizeOffset(filter.Offset))
	query += fmt.Sprintf(" ORDER BY started_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list executions: %w", err)
	}
	defer rows.Close()
	var out []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanPGExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRunningExecutions(ctx context.Context, projectID string) ([]domain.ExecutionRecord, error) {
	return s.ListExecutions(ctx, ExecutionFilter{Status: domain.StatusRunning, ProjectID: projectID, Limit: maxListLimit})
}

func (s *PostgresStore) CompleteExecution(ctx context.Context, id string, c domain.ExecutionCompletion) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE agent_executions
SET status = $1, completed_at = COALESCE(completed_at, $2), metrics = COALESCE($3::jsonb, metrics)
WHERE id = $4`,
		string(c.Status), c.CompletedAt.UTC(), jsonParam(c.Metrics), id)
	if err != nil {
		return fmt.Errorf("postgres store: complete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task domain.AgentTask) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO agent_tasks (id, execution_id, task_id, agent_name, status, input, started_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		task.ID, task.ExecutionID, task.TaskID, task.AgentName, string(task.Status), jsonParam(task.Input), task.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres store: create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, executionID, taskID string, c domain.TaskCompletion) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE agent_tasks
SET status = $1, output = $2::jsonb, completed_at = COALESCE(completed_at, $3)
WHERE execution_id = $4 AND task_id = $5`,
		string(c.Status), jsonParam(c.Output), c.CompletedAt.UTC(), executionID, taskID)
	if err != nil {
		return fmt.Errorf("postgres store: complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, executionID string) ([]domain.AgentTask, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, execution_id, task_id, agent_name, status, input, output, started_at, completed_at
FROM agent_tasks WHERE execution_id = $1 ORDER BY started_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list tasks: %w", err)
	}
	defer rows.Close()
	var out []domain.AgentTask
	for rows.Next() {
		var t domain.AgentTask
		var status string
		var input, output []byte
		var completed *time.Time
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.TaskID, &t.AgentName, &status, &input, &output, &t.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("postgres store: scan task: %w", err)
		}
		t.Status = domain.ExecutionStatus(status)
		t.Input = rawOrNil(input)
		t.Output = rawOrNil(output)
		t.StartedAt = t.StartedAt.UTC()
		t.CompletedAt = utcPtr(completed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RunningWorkForAgent(ctx context.Context, agent string) (domain.RunningWork, bool, error) {
	var w domain.RunningWork
	var kind string
	err := s.pool.QueryRow(ctx, `
SELECT kind, execution_id, task_id, started_at FROM (
    SELECT 'execution' AS kind, id AS execution_id, '' AS task_id, started_at
    FROM agent_executions WHERE agent_name = $1 AND status = 'running'
    UNION ALL
    SELECT 'task' AS kind, execution_id, task_id, started_at
    FROM agent_tasks WHERE agent_name = $1 AND status = 'running'
) work ORDER BY started_at DESC, kind ASC LIMIT 1`, agent).Scan(&kind, &w.ExecutionID, &w.TaskID, &w.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RunningWork{}, false, nil
	}
	if err != nil {
		return domain.RunningWork{}, false, fmt.Errorf("postgres store: running work: %w", err)
	}
	w.Kind = domain.WorkKind(kind)
	w.StartedAt = w.StartedAt.UTC()
	return w, true, nil
}

func (s *PostgresStore) AgentAggregate(ctx context.Context, agent string) (domain.AgentAggregate, error) {
	var total, success int64
	var avg *float64
	err := s.pool.QueryRow(ctx, `
SELECT
    COUNT(*),
    COUNT(*) FILTER (WHERE status = 'completed'),
    AVG(EXTRACT(EPOCH FROM (completed_at - started_at))::double precision) FILTER (WHERE completed_at IS NOT NULL)
FROM (
    SELECT status, started_at, completed_at FROM agent_executions WHERE agent_name = $1
    UNION ALL
    SELECT status, started_at, completed_at FROM agent_tasks WHERE agent_name = $1
) history`, agent).Scan(&total, &success, &avg)
	if err != nil {
		return domain.AgentAggregate{}, fmt.Errorf("postgres store: agent aggregate: %w", err)
	}
	agg := domain.AgentAggregate{Total: int(total), Success: int(success)}
	if avg != nil {
		agg.AvgDurationSeconds = *avg
	}
	return agg, nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	err := s.pool.QueryRow(ctx, `
INSERT INTO agent_logs (execution_id, agent_name, level, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6) RETURNING id`,
		nullableText(entry.ExecutionID), nullableText(entry.AgentName), entry.Level, entry.Message, jsonParam(entry.Metadata), entry.CreatedAt.UTC(),
	).Scan(&entry.ID)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("postgres store: append log: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, filter LogFilter) ([]domain.LogEntry, error) {
	var conditions []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.ExecutionID != "" {
		add("execution_id = $%d", filter.ExecutionID)
	}
	if filter.AgentName != "" {
		add("agent_name = $%d", filter.AgentName)
	}
	if filter.Level != "" {
		add("level = $%d", filter.Level)
	}
	query := `SELECT id, COALESCE(execution_id, ''), COALESCE(agent_name, ''), level, message, metadata, created_at FROM agent_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit), normalizeOffset(filter.Offset))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list logs: %w", err)
	}
	defer rows.Close()
	var out []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.AgentName, &e.Level, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan log: %w", err)
		}
		e.Metadata = rawOrNil(metadata)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMetric(ctx context.Context, sample domain.MetricSample) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO metrics (execution_id, metric_name, metric_value, recorded_at) VALUES ($1, $2, $3, $4)`,
		sample.ExecutionID, sample.Name, sample.Value, sample.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres store: append metric: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMetrics(ctx context.Context, executionID string) ([]domain.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `SELECT execution_id, metric_name, metric_value, recorded_at FROM metrics WHERE execution_id = $1 ORDER BY recorded_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list metrics: %w", err)
	}
	defer rows.Close()
	var out []domain.MetricSample
	for rows.Next() {
		var m domain.MetricSample
		if err := rows.Scan(&m.ExecutionID, &m.Name, &m.Value, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan metric: %w", err)
		}
		m.RecordedAt = m.RecordedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// jsonParam passes NULL for empty documents and text otherwise so the
// ::jsonb cast applies.
func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
