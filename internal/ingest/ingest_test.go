package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdash/internal/domain"
	"agentdash/internal/hub"
	"agentdash/internal/store"
)

type recordingPublisher struct {
	mu         sync.Mutex
	executions []map[string]any
	agents     map[string][]map[string]any
	logs       []hub.LogPayload
	metrics    []hub.MetricPayload
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{agents: make(map[string][]map[string]any)}
}

func (p *recordingPublisher) EmitExecutionUpdate(executionID string, update map[string]any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := map[string]any{"executionId": executionID}
	for k, v := range update {
		copied[k] = v
	}
	p.executions = append(p.executions, copied)
	return 1
}

func (p *recordingPublisher) EmitAgentStatus(agentName string, status any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, _ := status.(map[string]any)
	p.agents[agentName] = append(p.agents[agentName], m)
	return 1
}

func (p *recordingPublisher) EmitLogEntry(entry hub.LogPayload) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, entry)
	return 1
}

func (p *recordingPublisher) EmitMetricUpdate(metric hub.MetricPayload) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = append(p.metrics, metric)
	return 1
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) AppendLog(context.Context, domain.LogEntry) (domain.LogEntry, error) {
	return domain.LogEntry{}, errors.New("disk full")
}

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestIngestor(t *testing.T) (*Ingestor, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	st := store.NewMemoryStore()
	pub := newRecordingPublisher()
	return New(st, pub, WithClock(func() time.Time { return now })), st, pub
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestExecutionStartedPersistsPlanAndRecord(t *testing.T) {
	ctx := context.Background()
	in, st, pub := newTestIngestor(t)

	err := in.Ingest(ctx, EventExecutionStarted, raw(`{"executionId":"exec-9","projectId":"p1","plan":{"steps":3}}`))
	require.NoError(t, err)

	plans, err := st.ListExecutionPlans(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.JSONEq(t, `{"steps":3}`, string(plans[0].Plan))

	rec, err := st.GetExecution(ctx, "exec-9")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, rec.Status)

	// Redelivery does not duplicate the record.
	require.NoError(t, in.Ingest(ctx, EventExecutionStarted, raw(`{"executionId":"exec-9","projectId":"p1"}`)))
	running, err := st.ListRunningExecutions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.Len(t, pub.executions, 2)
	require.Equal(t, "started", pub.executions[0]["status"])
}

func TestExecutionStartedWithoutPlanSkipsPlan(t *testing.T) {
	ctx := context.Background()
	in, st, _ := newTestIngestor(t)

	require.NoError(t, in.Ingest(ctx, EventExecutionStarted, raw(`{"executionId":"exec-1","projectId":"p1"}`)))
	plans, err := st.ListExecutionPlans(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, plans)
}

func TestExecutionProgressIsPassThrough(t *testing.T) {
	in, st, pub := newTestIngestor(t)

	require.NoError(t, in.Ingest(context.Background(), EventExecutionProgress,
		raw(`{"executionId":"exec-1","progress":40,"currentAgent":"backend-expert","completedAgents":["qa"]}`)))

	require.Len(t, pub.executions, 1)
	update := pub.executions[0]
	require.Equal(t, "progress", update["status"])
	encoded, err := json.Marshal(update)
	require.NoError(t, err)
	require.JSONEq(t, `{"executionId":"exec-1","status":"progress","progress":40,"currentAgent":"backend-expert","completedAgents":["qa"]}`, string(encoded))

	_, err = st.GetExecution(context.Background(), "exec-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecutionCompletedUpdatesRecord(t *testing.T) {
	ctx := context.Background()
	in, st, pub := newTestIngestor(t)
	require.NoError(t, st.CreateRunningExecution(ctx, domain.ExecutionRecord{
		ID: "exec-1", ProjectID: "p1", AgentName: domain.OrchestratorAgent,
		Status: domain.StatusRunning, StartedAt: now.Add(-time.Hour),
	}))

	require.NoError(t, in.Ingest(ctx, EventExecutionCompleted, raw(`{"executionId":"exec-1","status":"failed","summary":{"errors":2}}`)))

	rec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec.Status)
	require.JSONEq(t, `{"errors":2}`, string(rec.Metrics))
	require.True(t, now.Equal(*rec.CompletedAt))

	// A repeated completion keeps the first completion time.
	in.now = func() time.Time { return now.Add(time.Minute) }
	require.NoError(t, in.Ingest(ctx, EventExecutionCompleted, raw(`{"executionId":"exec-1","status":"failed"}`)))
	rec, err = st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, now.Equal(*rec.CompletedAt))
	require.JSONEq(t, `{}`, string(rec.Metrics))

	require.Equal(t, "failed", pub.executions[0]["status"])
}

func TestExecutionCompletedDefaultsAndUnknownID(t *testing.T) {
	in, _, pub := newTestIngestor(t)

	require.NoError(t, in.Ingest(context.Background(), EventExecutionCompleted, raw(`{"executionId":"exec-unknown"}`)))
	require.Len(t, pub.executions, 1)
	require.Equal(t, "completed", pub.executions[0]["status"])
}

func TestEnvelopeFillsScope(t *testing.T) {
	ctx := context.Background()
	in, st, pub := newTestIngestor(t)

	require.NoError(t, in.IngestEnvelope(ctx, Envelope{
		Event:       EventMetricUpdate,
		ExecutionID: "exec-7",
		ProjectID:   "p7",
		Data:        raw(`{"metricName":"tokens","metricValue":12.5}`),
	}))

	samples, err := st.ListMetrics(ctx, "exec-7")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, 12.5, samples[0].Value)

	require.Len(t, pub.metrics, 1)
	require.Equal(t, "p7", pub.metrics[0].ProjectID)
	require.Equal(t, "exec-7", pub.metrics[0].ExecutionID)
}

func TestAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	in, st, pub := newTestIngestor(t)

	require.NoError(t, in.Ingest(ctx, EventAgentStarted,
		raw(`{"executionId":"exec-1","agentName":"backend-expert","taskId":"T-1","input":{"goal":"api"}}`)))
	tasks, err := st.ListTasks(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, domain.StatusRunning, tasks[0].Status)
	require.JSONEq(t, `{"goal":"api"}`, string(tasks[0].Input))

	require.NoError(t, in.Ingest(ctx, EventAgentCompleted,
		raw(`{"executionId":"exec-1","agentName":"backend-expert","taskId":"T-1","status":"completed","output":{"files":2}}`)))
	tasks, err = st.ListTasks(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tasks[0].Status)
	require.JSONEq(t, `{"files":2}`, string(tasks[0].Output))
	require.NotNil(t, tasks[0].CompletedAt)

	events := pub.agents["backend-expert"]
	require.Len(t, events, 2)
	assert.Equal(t, "running", events[0]["status"])
	assert.Equal(t, "T-1", events[0]["currentTask"])
	assert.Equal(t, "idle", events[1]["status"])
	assert.Equal(t, "T-1", events[1]["lastTask"])
	assert.Equal(t, "completed", events[1]["lastStatus"])
}

func TestAgentLogDefaultsLevel(t *testing.T) {
	ctx := context.Background()
	in, st, pub := newTestIngestor(t)

	require.NoError(t, in.Ingest(ctx, EventAgentLog,
		raw(`{"executionId":"exec-1","agentName":"qa","message":"tests green","metadata":{"passed":12}}`)))

	logs, err := st.ListLogs(ctx, store.LogFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "info", logs[0].Level)
	require.JSONEq(t, `{"passed":12}`, string(logs[0].Metadata))

	require.Len(t, pub.logs, 1)
	require.Equal(t, "tests green", pub.logs[0].Message)
	require.Equal(t, "qa", pub.logs[0].AgentName)
}

func TestInvalidPayloads(t *testing.T) {
	cases := []struct {
		event string
		data  string
	}{
		{EventAgentStarted, `{"agentName":"x"}`},
		{EventAgentCompleted, `{"executionId":"e"}`},
		{EventAgentCompleted, `{"executionId":"e","taskId":"t","status":"running"}`},
		{EventExecutionCompleted, `{"executionId":"e","status":"bogus"}`},
		{EventAgentLog, `{"executionId":"e"}`},
		{EventMetricUpdate, `{"executionId":"e","metricName":"m"}`},
		{EventMetricUpdate, `{"executionId":"e","metricName":"m","metricValue":"high"}`},
		{EventExecutionProgress, `[1,2]`},
		{EventExecutionStarted, `{"executionId":"e","plan":{"a":1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.event+" "+tc.data, func(t *testing.T) {
			in, _, _ := newTestIngestor(t)
			err := in.Ingest(context.Background(), tc.event, raw(tc.data))
			require.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	in, _, pub := newTestIngestor(t)
	require.NoError(t, in.Ingest(context.Background(), "agent:teleported", raw(`{"executionId":"e"}`)))
	require.Empty(t, pub.executions)
	require.Empty(t, pub.agents)
}

func TestStoreFailureIsReturned(t *testing.T) {
	pub := newRecordingPublisher()
	in := New(brokenStore{store.NewMemoryStore()}, pub)

	err := in.Ingest(context.Background(), EventAgentLog, raw(`{"message":"hello"}`))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInvalidPayload))
	require.Empty(t, pub.logs)
}
