package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"agentdash/internal/domain"
)

// MemoryStore keeps every record in process memory. It suits tests and
// single-run deployments where history need not survive a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	projects   map[string]domain.Project
	plans      []domain.ExecutionPlan
	executions map[string]domain.ExecutionRecord
	tasks      []domain.AgentTask
	logs       []domain.LogEntry
	metrics    []domain.MetricSample
	nextLogID  int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:   make(map[string]domain.Project),
		executions: make(map[string]domain.ExecutionRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }
func (s *MemoryStore) Close() error                       { return nil }

func (s *MemoryStore) GetProject(_ context.Context, id string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) PutProject(_ context.Context, project domain.Project) error {
	s.mu.Lock()
	s.projects[project.ID] = project
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateExecutionPlan(_ context.Context, plan domain.ExecutionPlan) error {
	s.mu.Lock()
	s.plans = append(s.plans, plan)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListExecutionPlans(_ context.Context, projectID string) ([]domain.ExecutionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ExecutionPlan
	for _, p := range s.plans {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateRunningExecution(_ context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions {
		if existing.ProjectID == rec.ProjectID && existing.Status == domain.StatusRunning {
			return domain.ErrAlreadyRunning
		}
	}
	rec.Status = domain.StatusRunning
	s.executions[rec.ID] = rec
	return nil
}

func (s *MemoryStore) EnsureExecution(_ context.Context, rec domain.ExecutionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[rec.ID]; ok {
		return false, nil
	}
	if rec.Status == domain.StatusRunning {
		for _, existing := range s.executions {
			if existing.ProjectID == rec.ProjectID && existing.Status == domain.StatusRunning {
				return false, nil
			}
		}
	}
	s.executions[rec.ID] = rec
	return true, nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	var all []domain.ExecutionRecord
	for _, rec := range s.executions {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.ProjectID != "" && rec.ProjectID != filter.ProjectID {
			continue
		}
		if filter.AgentName != "" && rec.AgentName != filter.AgentName {
			continue
		}
		all = append(all, rec)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	return page(all, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) ListRunningExecutions(ctx context.Context, projectID string) ([]domain.ExecutionRecord, error) {
	return s.ListExecutions(ctx, ExecutionFilter{Status: domain.StatusRunning, ProjectID: projectID, Limit: maxListLimit})
}

func (s *MemoryStore) CompleteExecution(_ context.Context, id string, c domain.ExecutionCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = c.Status
	if rec.CompletedAt == nil {
		at := c.CompletedAt.UTC()
		rec.CompletedAt = &at
	}
	if c.Metrics != nil {
		rec.Metrics = append(json.RawMessage(nil), c.Metrics...)
	}
	s.executions[id] = rec
	return nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task domain.AgentTask) error {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, executionID, taskID string, c domain.TaskCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := false
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.ExecutionID != executionID || t.TaskID != taskID {
			continue
		}
		matched = true
		t.Status = c.Status
		t.Output = append(json.RawMessage(nil), c.Output...)
		if t.CompletedAt == nil {
			at := c.CompletedAt.UTC()
			t.CompletedAt = &at
		}
	}
	if !matched {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, executionID string) ([]domain.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AgentTask
	for _, t := range s.tasks {
		if t.ExecutionID == executionID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) RunningWorkForAgent(_ context.Context, agent string) (domain.RunningWork, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best domain.RunningWork
	found := false
	for _, rec := range s.executions {
		if rec.AgentName != agent || rec.Status != domain.StatusRunning {
			continue
		}
		if !found || rec.StartedAt.After(best.StartedAt) {
			best = domain.RunningWork{Kind: domain.WorkExecution, ExecutionID: rec.ID, StartedAt: rec.StartedAt}
			found = true
		}
	}
	for _, t := range s.tasks {
		if t.AgentName != agent || t.Status != domain.StatusRunning {
			continue
		}
		if !found || t.StartedAt.After(best.StartedAt) {
			best = domain.RunningWork{Kind: domain.WorkTask, ExecutionID: t.ExecutionID, TaskID: t.TaskID, StartedAt: t.StartedAt}
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) AgentAggregate(_ context.Context, agent string) (domain.AgentAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agg domain.AgentAggregate
	var totalSeconds float64
	var timed int
	add := func(status domain.ExecutionStatus, secs float64, ok bool) {
		agg.Total++
		if status == domain.StatusCompleted {
			agg.Success++
		}
		if ok {
			totalSeconds += secs
			timed++
		}
	}
	for _, rec := range s.executions {
		if rec.AgentName == agent {
			secs, ok := durationSeconds(rec.StartedAt, rec.CompletedAt)
			add(rec.Status, secs, ok)
		}
	}
	for _, t := range s.tasks {
		if t.AgentName == agent {
			secs, ok := durationSeconds(t.StartedAt, t.CompletedAt)
			add(t.Status, secs, ok)
		}
	}
	if timed > 0 {
		agg.AvgDurationSeconds = totalSeconds / float64(timed)
	}
	return agg, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	entry.ID = s.nextLogID
	s.logs = append(s.logs, entry)
	return entry, nil
}

func (s *MemoryStore) ListLogs(_ context.Context, filter LogFilter) ([]domain.LogEntry, error) {
	s.mu.RLock()
	var out []domain.LogEntry
	for i := len(s.logs) - 1; i >= 0; i-- {
		e := s.logs[i]
		if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.AgentName != "" && e.AgentName != filter.AgentName {
			continue
		}
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) AppendMetric(_ context.Context, sample domain.MetricSample) error {
	s.mu.Lock()
	s.metrics = append(s.metrics, sample)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListMetrics(_ context.Context, executionID string) ([]domain.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MetricSample
	for _, m := range s.metrics {
		if m.ExecutionID == executionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	limit = normalizeLimit(limit)
	offset = normalizeOffset(offset)
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
