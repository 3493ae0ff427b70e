package store

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"agentdash/internal/domain"
	"agentdash/internal/logging"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
}

// SQLiteStore persists records in a WAL-mode SQLite database.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger logging.Logger
}

var _ Store = (*SQLiteStore)(nil)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

// OpenSQLite opens a connection pool on cfg.Path. Connections are prepared
// lazily on first use.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range sqlitePragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %s: %w", cfg.Path, err)
	}
	logger := logging.NewComponentLogger("SQLiteStore")
	logger.Info("sqlite pool opened: path=%s pool_size=%d", cfg.Path, poolSize)
	return &SQLiteStore{pool: pool, path: cfg.Path, logger: logger}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    config TEXT
);
CREATE TABLE IF NOT EXISTS execution_plans (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    plan TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_plans_project ON execution_plans (project_id, created_at);
CREATE TABLE IF NOT EXISTS agent_executions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    completed_at INTEGER,
    metrics TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_executions_one_running ON agent_executions (project_id) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_agent_executions_agent ON agent_executions (agent_name, status, started_at);
CREATE INDEX IF NOT EXISTS idx_agent_executions_started ON agent_executions (started_at);
CREATE TABLE IF NOT EXISTS agent_tasks (
    id TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    status TEXT NOT NULL,
    input TEXT,
    output TEXT,
    started_at INTEGER NOT NULL,
    completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_execution ON agent_tasks (execution_id, task_id);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent ON agent_tasks (agent_name, status, started_at);
CREATE TABLE IF NOT EXISTS agent_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT,
    agent_name TEXT,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    metadata TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_logs_execution ON agent_logs (execution_id, created_at);
CREATE TABLE IF NOT EXISTS metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL,
    metric_name TEXT NOT NULL,
    metric_value REAL NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_execution ON metrics (execution_id, recorded_at);
`

// EnsureSchema creates the tables if needed.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
			return fmt.Errorf("sqlite store: ensure schema: %w", err)
		}
		return nil
	})
}

// Close closes every pooled connection.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite store: close %s: %w", s.path, err)
	}
	return nil
}

func (s *SQLiteStore) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: take connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var project domain.Project
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, name, config FROM projects WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				project = domain.Project{
					ID:     stmt.ColumnText(0),
					Name:   stmt.ColumnText(1),
					Config: columnJSON(stmt, 2),
				}
				return nil
			},
		})
	})
	if err != nil {
		return domain.Project{}, fmt.Errorf("sqlite store: get project: %w", err)
	}
	if !found {
		return domain.Project{}, domain.ErrNotFound
	}
	return project, nil
}

func (s *SQLiteStore) PutProject(ctx context.Context, project domain.Project) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
INSERT INTO projects (id, name, config) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, config = excluded.config`, &sqlitex.ExecOptions{
			Args: []any{project.ID, project.Name, nullableJSON(project.Config)},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: put project: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) CreateExecutionPlan(ctx context.Context, plan domain.ExecutionPlan) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO execution_plans (id, project_id, plan, created_at) VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{plan.ID, plan.ProjectID, string(plan.Plan), toMillis(plan.CreatedAt)},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: create plan: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListExecutionPlans(ctx context.Context, projectID string) ([]domain.ExecutionPlan, error) {
	var plans []domain.ExecutionPlan
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, project_id, plan, created_at FROM execution_plans WHERE project_id = ? ORDER BY created_at`, &sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				plans = append(plans, domain.ExecutionPlan{
					ID:        stmt.ColumnText(0),
					ProjectID: stmt.ColumnText(1),
					Plan:      columnJSON(stmt, 2),
					CreatedAt: fromMillis(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list plans: %w", err)
	}
	return plans, nil
}

func (s *SQLiteStore) CreateRunningExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
INSERT INTO agent_executions (id, project_id, agent_name, status, started_at, metrics)
SELECT ?, ?, ?, 'running', ?, ?
WHERE NOT EXISTS (SELECT 1 FROM agent_executions WHERE project_id = ? AND status = 'running')`, &sqlitex.ExecOptions{
			Args: []any{rec.ID, rec.ProjectID, rec.AgentName, toMillis(rec.StartedAt), nullableJSON(rec.Metrics), rec.ProjectID},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: create execution: %w", err)
		}
		if conn.Changes() == 0 {
			return domain.ErrAlreadyRunning
		}
		return nil
	})
}

func (s *SQLiteStore) EnsureExecution(ctx context.Context, rec domain.ExecutionRecord) (bool, error) {
	created := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
INSERT OR IGNORE INTO agent_executions (id, project_id, agent_name, status, started_at, completed_at, metrics)
VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{rec.ID, rec.ProjectID, rec.AgentName, string(rec.Status), toMillis(rec.StartedAt), nullableMillis(rec.CompletedAt), nullableJSON(rec.Metrics)},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: ensure execution: %w", err)
		}
		created = conn.Changes() > 0
		return nil
	})
	return created, err
}

const sqliteExecutionColumns = `id, project_id, agent_name, status, started_at, completed_at, metrics`

func scanSQLiteExecution(stmt *sqlite.Stmt) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		ID:          stmt.ColumnText(0),
		ProjectID:   stmt.ColumnText(1),
		AgentName:   stmt.ColumnText(2),
		Status:      domain.ExecutionStatus(stmt.ColumnText(3)),
		StartedAt:   fromMillis(stmt.ColumnInt64(4)),
		CompletedAt: columnMillis(stmt, 5),
		Metrics:     columnJSON(stmt, 6),
	}
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+sqliteExecutionColumns+` FROM agent_executions WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = scanSQLiteExecution(stmt)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("sqlite store: get execution: %w", err)
	}
	if !found {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ExecutionRecord, error) {
	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.AgentName != "" {
		conditions = append(conditions, "agent_name = ?")
		args = append(args, filter.AgentName)
	}
	query := `SELECT ` + sqliteExecutionColumns + ` FROM agent_executions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(filter.Limit), normalizeOffset(filter.Offset))

	var out []domain.ExecutionRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanSQLiteExecution(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list executions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListRunningExecutions(ctx context.Context, projectID string) ([]domain.ExecutionRecord, error) {
	return s.ListExecutions(ctx, ExecutionFilter{Status: domain.StatusRunning, ProjectID: projectID, Limit: maxListLimit})
}

func (s *SQLiteStore) CompleteExecution(ctx context.Context, id string, c domain.ExecutionCompletion) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
UPDATE agent_executions
SET status = ?, completed_at = COALESCE(completed_at, ?), metrics = COALESCE(?, metrics)
WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(c.Status), toMillis(c.CompletedAt), nullableJSON(c.Metrics), id},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: complete execution: %w", err)
		}
		if conn.Changes() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task domain.AgentTask) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
INSERT INTO agent_tasks (id, execution_id, task_id, agent_name, status, input, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{task.ID, task.ExecutionID, task.TaskID, task.AgentName, string(task.Status), nullableJSON(task.Input), toMillis(task.StartedAt)},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: create task: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, executionID, taskID string, c domain.TaskCompletion) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
UPDATE agent_tasks
SET status = ?, output = ?, completed_at = COALESCE(completed_at, ?)
WHERE execution_id = ? AND task_id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(c.Status), nullableJSON(c.Output), toMillis(c.CompletedAt), executionID, taskID},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: complete task: %w", err)
		}
		if conn.Changes() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) ListTasks(ctx context.Context, executionID string) ([]domain.AgentTask, error) {
	var out []domain.AgentTask
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
SELECT id, execution_id, task_id, agent_name, status, input, output, started_at, completed_at
FROM agent_tasks WHERE execution_id = ? ORDER BY started_at, id`, &sqlitex.ExecOptions{
			Args: []any{executionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, domain.AgentTask{
					ID:          stmt.ColumnText(0),
					ExecutionID: stmt.ColumnText(1),
					TaskID:      stmt.ColumnText(2),
					AgentName:   stmt.ColumnText(3),
					Status:      domain.ExecutionStatus(stmt.ColumnText(4)),
					Input:       columnJSON(stmt, 5),
					Output:      columnJSON(stmt, 6),
					StartedAt:   fromMillis(stmt.ColumnInt64(7)),
					CompletedAt: columnMillis(stmt, 8),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list tasks: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) RunningWorkForAgent(ctx context.Context, agent string) (domain.RunningWork, bool, error) {
	var work domain.RunningWork
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
SELECT kind, execution_id, task_id, started_at FROM (
    SELECT 'execution' AS kind, id AS execution_id, '' AS task_id, started_at
    FROM agent_executions WHERE agent_name = ? AND status = 'running'
    UNION ALL
    SELECT 'task' AS kind, execution_id, task_id, started_at
    FROM agent_tasks WHERE agent_name = ? AND status = 'running'
) ORDER BY started_at DESC, kind ASC LIMIT 1`, &sqlitex.ExecOptions{
			Args: []any{agent, agent},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				work = domain.RunningWork{
					Kind:        domain.WorkKind(stmt.ColumnText(0)),
					ExecutionID: stmt.ColumnText(1),
					TaskID:      stmt.ColumnText(2),
					StartedAt:   fromMillis(stmt.ColumnInt64(3)),
				}
				return nil
			},
		})
	})
	if err != nil {
		return domain.RunningWork{}, false, fmt.Errorf("sqlite store: running work: %w", err)
	}
	return work, found, nil
}

func (s *SQLiteStore) AgentAggregate(ctx context.Context, agent string) (domain.AgentAggregate, error) {
	var agg domain.AgentAggregate
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
SELECT
    COUNT(*),
    COUNT(CASE WHEN status = 'completed' THEN 1 END),
    AVG(CASE WHEN completed_at IS NOT NULL THEN (completed_at - started_at) / 1000.0 END)
FROM (
    SELECT status, started_at, completed_at FROM agent_executions WHERE agent_name = ?
    UNION ALL
    SELECT status, started_at, completed_at FROM agent_tasks WHERE agent_name = ?
)`, &sqlitex.ExecOptions{
			Args: []any{agent, agent},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				agg.Total = int(stmt.ColumnInt64(0))
				agg.Success = int(stmt.ColumnInt64(1))
				if !stmt.ColumnIsNull(2) {
					agg.AvgDurationSeconds = stmt.ColumnFloat(2)
				}
				return nil
			},
		})
	})
	if err != nil {
		return domain.AgentAggregate{}, fmt.Errorf("sqlite store: agent aggregate: %w", err)
	}
	return agg, nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
INSERT INTO agent_logs (execution_id, agent_name, level, message, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{nullableText(entry.ExecutionID), nullableText(entry.AgentName), entry.Level, entry.Message, nullableJSON(entry.Metadata), toMillis(entry.CreatedAt)},
		})
		if err != nil {
			return err
		}
		entry.ID = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("sqlite store: append log: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, filter LogFilter) ([]domain.LogEntry, error) {
	var conditions []string
	var args []any
	if filter.ExecutionID != "" {
		conditions = append(conditions, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.AgentName != "" {
		conditions = append(conditions, "agent_name = ?")
		args = append(args, filter.AgentName)
	}
	if filter.Level != "" {
		conditions = append(conditions, "level = ?")
		args = append(args, filter.Level)
	}
	query := `SELECT id, execution_id, agent_name, level, message, metadata, created_at FROM agent_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(filter.Limit), normalizeOffset(filter.Offset))

	var out []domain.LogEntry
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, domain.LogEntry{
					ID:          stmt.ColumnInt64(0),
					ExecutionID: stmt.ColumnText(1),
					AgentName:   stmt.ColumnText(2),
					Level:       stmt.ColumnText(3),
					Message:     stmt.ColumnText(4),
					Metadata:    columnJSON(stmt, 5),
					CreatedAt:   fromMillis(stmt.ColumnInt64(6)),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list logs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendMetric(ctx context.Context, sample domain.MetricSample) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO metrics (execution_id, metric_name, metric_value, recorded_at) VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{sample.ExecutionID, sample.Name, sample.Value, toMillis(sample.RecordedAt)},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: append metric: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListMetrics(ctx context.Context, executionID string) ([]domain.MetricSample, error) {
	var out []domain.MetricSample
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT execution_id, metric_name, metric_value, recorded_at FROM metrics WHERE execution_id = ? ORDER BY recorded_at, id`, &sqlitex.ExecOptions{
			Args: []any{executionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, domain.MetricSample{
					ExecutionID: stmt.ColumnText(0),
					Name:        stmt.ColumnText(1),
					Value:       stmt.ColumnFloat(2),
					RecordedAt:  fromMillis(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list metrics: %w", err)
	}
	return out, nil
}

func columnJSON(stmt *sqlite.Stmt, col int) json.RawMessage {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	return json.RawMessage(stmt.ColumnText(col))
}

func columnMillis(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	t := fromMillis(stmt.ColumnInt64(col))
	return &t
}

// nullableJSON binds NULL for empty documents.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableText(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
