package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentdash/internal/domain"
	"agentdash/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "agentdash.db"), PoolSize: 4})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.EnsureSchema(context.Background()))
			return s
		},
		"postgres": func(t *testing.T) Store {
			s := NewPostgresStore(testutil.NewPostgresTestPool(t))
			require.NoError(t, s.EnsureSchema(context.Background()))
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func running(id, project, agent string, started time.Time) domain.ExecutionRecord {
	return domain.ExecutionRecord{ID: id, ProjectID: project, AgentName: agent, Status: domain.StatusRunning, StartedAt: started}
}

func TestProjects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetProject(ctx, "missing")
		require.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, s.PutProject(ctx, domain.Project{ID: "p1", Name: "apollo", Config: json.RawMessage(`{"name":"Apollo"}`)}))
		p, err := s.GetProject(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, "Apollo", p.DisplayName())
	})
}

func TestCreateRunningExecutionRejectsSecondRun(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRunningExecution(ctx, running("e1", "p1", domain.OrchestratorAgent, base)))
		require.ErrorIs(t, s.CreateRunningExecution(ctx, running("e2", "p1", domain.OrchestratorAgent, base)), domain.ErrAlreadyRunning)

		_, err := s.GetExecution(ctx, "e2")
		require.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, s.CreateRunningExecution(ctx, running("e3", "p2", domain.OrchestratorAgent, base)))

		require.NoError(t, s.CompleteExecution(ctx, "e1", domain.ExecutionCompletion{Status: domain.StatusCompleted, CompletedAt: base.Add(time.Minute)}))
		require.NoError(t, s.CreateRunningExecution(ctx, running("e4", "p1", domain.OrchestratorAgent, base.Add(2*time.Minute))))
	})
}

func TestCreateRunningExecutionConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const attempts = 8
		var wg sync.WaitGroup
		results := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results <- s.CreateRunningExecution(ctx, running(string(rune('a'+i)), "p1", domain.OrchestratorAgent, base))
			}(i)
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, domain.ErrAlreadyRunning)
		}
		require.Equal(t, 1, succeeded)

		recs, err := s.ListRunningExecutions(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
	})
}

func TestCompleteExecutionKeepsFirstCompletion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRunningExecution(ctx, running("e1", "p1", domain.OrchestratorAgent, base)))

		first := base.Add(time.Minute)
		require.NoError(t, s.CompleteExecution(ctx, "e1", domain.ExecutionCompletion{
			Status: domain.StatusCompleted, CompletedAt: first, Metrics: json.RawMessage(`{"tasks":3}`),
		}))
		require.NoError(t, s.CompleteExecution(ctx, "e1", domain.ExecutionCompletion{
			Status: domain.StatusFailed, CompletedAt: first.Add(time.Hour),
		}))

		rec, err := s.GetExecution(ctx, "e1")
		require.NoError(t, err)
		require.Equal(t, domain.StatusFailed, rec.Status)
		require.NotNil(t, rec.CompletedAt)
		require.True(t, first.Equal(*rec.CompletedAt))
		require.JSONEq(t, `{"tasks":3}`, string(rec.Metrics))

		err = s.CompleteExecution(ctx, "nope", domain.ExecutionCompletion{Status: domain.StatusCancelled, CompletedAt: base})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestEnsureExecution(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created, err := s.EnsureExecution(ctx, running("e1", "p1", domain.OrchestratorAgent, base))
		require.NoError(t, err)
		require.True(t, created)

		created, err = s.EnsureExecution(ctx, running("e1", "p1", domain.OrchestratorAgent, base))
		require.NoError(t, err)
		require.False(t, created)

		created, err = s.EnsureExecution(ctx, running("e2", "p1", domain.OrchestratorAgent, base))
		require.NoError(t, err)
		require.False(t, created)
	})
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, domain.AgentTask{
			ID: "row1", ExecutionID: "e1", TaskID: "t1", AgentName: "backend-expert",
			Status: domain.StatusRunning, Input: json.RawMessage(`{"goal":"api"}`), StartedAt: base,
		}))

		completion := domain.TaskCompletion{Status: domain.StatusCompleted, Output: json.RawMessage(`{"ok":true}`), CompletedAt: base.Add(30 * time.Second)}
		require.NoError(t, s.CompleteTask(ctx, "e1", "t1", completion))
		once, err := s.ListTasks(ctx, "e1")
		require.NoError(t, err)

		completion.CompletedAt = base.Add(time.Hour)
		require.NoError(t, s.CompleteTask(ctx, "e1", "t1", completion))
		twice, err := s.ListTasks(ctx, "e1")
		require.NoError(t, err)
		require.Equal(t, once, twice)

		require.ErrorIs(t, s.CompleteTask(ctx, "e1", "missing", completion), domain.ErrNotFound)
	})
}

func TestRunningWorkForAgentPicksLatest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.RunningWorkForAgent(ctx, "backend-expert")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.CreateRunningExecution(ctx, running("e1", "p1", "backend-expert", base)))
		require.NoError(t, s.CreateTask(ctx, domain.AgentTask{
			ID: "row1", ExecutionID: "e2", TaskID: "t1", AgentName: "backend-expert",
			Status: domain.StatusRunning, StartedAt: base.Add(time.Minute),
		}))

		work, ok, err := s.RunningWorkForAgent(ctx, "backend-expert")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.WorkTask, work.Kind)
		assert.Equal(t, "e2", work.ExecutionID)
		assert.Equal(t, "t1", work.TaskID)

		require.NoError(t, s.CompleteTask(ctx, "e2", "t1", domain.TaskCompletion{Status: domain.StatusCompleted, CompletedAt: base.Add(2 * time.Minute)}))
		work, ok, err = s.RunningWorkForAgent(ctx, "backend-expert")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.WorkExecution, work.Kind)
		assert.Equal(t, "e1", work.ExecutionID)
	})
}

func TestAgentAggregate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		agg, err := s.AgentAggregate(ctx, "qa")
		require.NoError(t, err)
		require.Equal(t, domain.AgentAggregate{}, agg)

		_, err = s.EnsureExecution(ctx, domain.ExecutionRecord{ID: "e1", ProjectID: "p1", AgentName: "qa", Status: domain.StatusCompleted, StartedAt: base, CompletedAt: ptr(base.Add(10 * time.Second))})
		require.NoError(t, err)
		_, err = s.EnsureExecution(ctx, domain.ExecutionRecord{ID: "e2", ProjectID: "p2", AgentName: "qa", Status: domain.StatusFailed, StartedAt: base, CompletedAt: ptr(base.Add(30 * time.Second))})
		require.NoError(t, err)
		require.NoError(t, s.CreateTask(ctx, domain.AgentTask{ID: "row1", ExecutionID: "e9", TaskID: "t", AgentName: "qa", Status: domain.StatusRunning, StartedAt: base}))

		agg, err = s.AgentAggregate(ctx, "qa")
		require.NoError(t, err)
		require.Equal(t, 3, agg.Total)
		require.Equal(t, 1, agg.Success)
		require.InDelta(t, 20.0, agg.AvgDurationSeconds, 0.01)
	})
}

func TestLogsNewestFirstWithFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, lvl := range []string{"info", "error", "info"} {
			entry, err := s.AppendLog(ctx, domain.LogEntry{
				ExecutionID: "e1", AgentName: domain.OrchestratorAgent, Level: lvl,
				Message: lvl, CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
			require.NotZero(t, entry.ID)
		}
		_, err := s.AppendLog(ctx, domain.LogEntry{AgentName: "qa", Level: "info", Message: "no execution", Metadata: json.RawMessage(`{"k":1}`), CreatedAt: base})
		require.NoError(t, err)

		logs, err := s.ListLogs(ctx, LogFilter{ExecutionID: "e1"})
		require.NoError(t, err)
		require.Len(t, logs, 3)
		require.True(t, logs[0].CreatedAt.After(logs[1].CreatedAt))

		logs, err = s.ListLogs(ctx, LogFilter{ExecutionID: "e1", Level: "error"})
		require.NoError(t, err)
		require.Len(t, logs, 1)

		logs, err = s.ListLogs(ctx, LogFilter{AgentName: "qa"})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		require.Empty(t, logs[0].ExecutionID)
		require.JSONEq(t, `{"k":1}`, string(logs[0].Metadata))

		logs, err = s.ListLogs(ctx, LogFilter{Limit: 2, Offset: 3})
		require.NoError(t, err)
		require.Len(t, logs, 1)
	})
}

func TestPlansAndMetrics(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateExecutionPlan(ctx, domain.ExecutionPlan{ID: "plan1", ProjectID: "p1", Plan: json.RawMessage(`{"level":2}`), CreatedAt: base}))
		plans, err := s.ListExecutionPlans(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, plans, 1)
		require.JSONEq(t, `{"level":2}`, string(plans[0].Plan))

		require.NoError(t, s.AppendMetric(ctx, domain.MetricSample{ExecutionID: "e1", Name: "tokens", Value: 42.5, RecordedAt: base}))
		samples, err := s.ListMetrics(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, samples, 1)
		require.Equal(t, 42.5, samples[0].Value)
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"})
	require.Error(t, err)
}

func ptr(t time.Time) *time.Time { return &t }
