package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentdash/internal/domain"
	"agentdash/internal/hub"
	"agentdash/internal/registry"
	"agentdash/internal/store"
)

type statusEvent struct {
	agent  string
	status map[string]any
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []statusEvent
	logs     []hub.LogPayload
}

func (p *recordingPublisher) EmitAgentStatus(agentName string, status any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, _ := status.(map[string]any)
	p.statuses = append(p.statuses, statusEvent{agent: agentName, status: m})
	return 1
}

func (p *recordingPublisher) EmitLogEntry(entry hub.LogPayload) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, entry)
	return 1
}

func (p *recordingPublisher) statusEvents() []statusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]statusEvent(nil), p.statuses...)
}

func (p *recordingPublisher) logEvents() []hub.LogPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hub.LogPayload(nil), p.logs...)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestWatcher(t *testing.T, st Store, opts ...Option) (*Watcher, *recordingPublisher, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		WorkspaceDir: filepath.Join(root, "workspace"),
		LogsDir:      filepath.Join(root, "logs"),
	}
	require.NoError(t, os.MkdirAll(cfg.WorkspaceDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.LogsDir, 0o755))

	reg := registry.New(
		domain.AgentDefinition{Name: "backend-expert", Category: "development"},
		domain.AgentDefinition{Name: "qa-engineer", Category: "testing"},
	)
	pub := &recordingPublisher{}
	opts = append([]Option{WithNow(func() time.Time { return fixedNow })}, opts...)
	w, err := New(cfg, reg, st, pub, opts...)
	require.NoError(t, err)
	return w, pub, cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProcessWorkspaceDocCompletesRunningExecution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateRunningExecution(ctx, domain.ExecutionRecord{
		ID: "exec-1", ProjectID: "p1", AgentName: "backend-expert",
		Status: domain.StatusRunning, StartedAt: fixedNow.Add(-time.Minute),
	}))
	w, pub, cfg := newTestWatcher(t, st)

	path := filepath.Join(cfg.WorkspaceDir, "Agent-BackendExpert.md")
	writeFile(t, path, "# Status\n\n```json\n"+
		`{"taskId":"T-9","status":"completed","outputs":{"metrics":{"files":3},"deliverables":["api.go"]}}`+
		"\n```\n")

	w.ProcessWorkspaceDoc(ctx, path)

	rec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.JSONEq(t, `{"files":3}`, string(rec.Metrics))

	logs, err := st.ListLogs(ctx, store.LogFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "Agent delivered outputs", logs[0].Message)
	require.Equal(t, "backend-expert", logs[0].AgentName)

	events := pub.statusEvents()
	require.Len(t, events, 1)
	require.Equal(t, "backend-expert", events[0].agent)
	require.Equal(t, "completed", events[0].status["status"])
	require.Equal(t, "T-9", events[0].status["currentTask"])
	require.Len(t, pub.logEvents(), 1)

	snap, ok := w.Snapshot("backend-expert")
	require.True(t, ok)
	require.Equal(t, "T-9", snap.TaskID)
	require.False(t, snap.ModifiedAt.IsZero())
}

func TestProcessWorkspaceDocCompletesRunningTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateTask(ctx, domain.AgentTask{
		ID: "row-1", ExecutionID: "exec-2", TaskID: "T-1", AgentName: "qa-engineer",
		Status: domain.StatusRunning, StartedAt: fixedNow.Add(-time.Minute),
	}))
	w, pub, cfg := newTestWatcher(t, st)

	path := filepath.Join(cfg.WorkspaceDir, "Agent-QAEngineer.md")
	writeFile(t, path, "Task ID: T-1\nStatus: failed\n")
	w.ProcessWorkspaceDoc(ctx, path)

	tasks, err := st.ListTasks(ctx, "exec-2")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, domain.StatusFailed, tasks[0].Status)
	require.NotNil(t, tasks[0].CompletedAt)

	events := pub.statusEvents()
	require.Len(t, events, 1)
	require.Equal(t, "qa-engineer", events[0].agent)
	require.Equal(t, "failed", events[0].status["status"])
}

func TestProcessWorkspaceDocNoMatchPublishesNothing(t *testing.T) {
	w, pub, cfg := newTestWatcher(t, store.NewMemoryStore())
	path := filepath.Join(cfg.WorkspaceDir, "Agent-BackendExpert.md")
	writeFile(t, path, "just some notes\n")

	w.ProcessWorkspaceDoc(context.Background(), path)

	require.Empty(t, pub.statusEvents())
	_, ok := w.Snapshot("backend-expert")
	require.False(t, ok)
}

func TestProcessWorkspaceDocDefaultsStatusToActive(t *testing.T) {
	w, pub, cfg := newTestWatcher(t, store.NewMemoryStore())
	path := filepath.Join(cfg.WorkspaceDir, "Agent-BackendExpert.md")
	writeFile(t, path, "```json\n{\"taskId\":\"T-3\"}\n```\n")

	w.ProcessWorkspaceDoc(context.Background(), path)

	events := pub.statusEvents()
	require.Len(t, events, 1)
	require.Equal(t, "active", events[0].status["status"])
	require.Equal(t, fixedNow.Format(time.RFC3339Nano), events[0].status["lastUpdate"])
}

func TestProcessWorkspaceDocMissingFileIsContained(t *testing.T) {
	w, pub, cfg := newTestWatcher(t, store.NewMemoryStore())
	w.ProcessWorkspaceDoc(context.Background(), filepath.Join(cfg.WorkspaceDir, "Agent-Gone.md"))
	require.Empty(t, pub.statusEvents())
}

func TestProcessWorkspaceDocWithoutRunningWorkOnlyPublishes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	w, pub, cfg := newTestWatcher(t, st)
	path := filepath.Join(cfg.WorkspaceDir, "Agent-BackendExpert.md")
	writeFile(t, path, "Status: completed\n")

	w.ProcessWorkspaceDoc(ctx, path)

	require.Len(t, pub.statusEvents(), 1)
	logs, err := st.ListLogs(ctx, store.LogFilter{AgentName: "backend-expert"})
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestProcessLogFilePublishesTail(t *testing.T) {
	w, pub, cfg := newTestWatcher(t, store.NewMemoryStore())
	var b strings.Builder
	for i := 0; i < 15; i++ {
		b.WriteString("[INFO][backend-expert] line\n")
	}
	b.WriteString("[2024-01-01T00:00:00Z][ERROR][backend-expert] disk full\n")
	path := filepath.Join(cfg.LogsDir, "backend.log")
	writeFile(t, path, b.String())

	w.ProcessLogFile(context.Background(), path)

	logs := pub.logEvents()
	require.Len(t, logs, 10)
	last := logs[len(logs)-1]
	require.Equal(t, "error", last.Level)
	require.Equal(t, "backend-expert", last.AgentName)
	require.Equal(t, "disk full", last.Message)
	require.Equal(t, "2024-01-01T00:00:00Z", last.Timestamp)
}

func TestReadTailStartsAtLineBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	writeFile(t, path, "aaaaaaaaaa\nbbbb\ncccc\n")

	content, err := readTail(path, 8)
	require.NoError(t, err)
	require.Equal(t, "cccc\n", content)

	content, err = readTail(path, 1024)
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaa\nbbbb\ncccc\n", content)
}

func TestNotifyRoutesByPattern(t *testing.T) {
	clock := newFakeClock()
	w, _, cfg := newTestWatcher(t, store.NewMemoryStore(), WithClock(clock))

	doc := filepath.Join(cfg.WorkspaceDir, "Agent-BackendExpert.md")
	logFile := filepath.Join(cfg.LogsDir, "run.log")
	w.Notify(doc)
	w.Notify(logFile)
	w.Notify(filepath.Join(cfg.WorkspaceDir, "README.md"))
	w.Notify(filepath.Join(cfg.LogsDir, "run.txt"))

	require.Equal(t, StatePendingSettle, w.docs.State(doc))
	require.Equal(t, StatePendingSettle, w.logs.State(logFile))
	require.Equal(t, 1, w.docs.Pending())
	require.Equal(t, 1, w.logs.Pending())

	clock.Advance(DefaultLogSettle)
	require.Equal(t, StateIdle, w.logs.State(logFile))
	require.Equal(t, StatePendingSettle, w.docs.State(doc))

	clock.Advance(DefaultWorkspaceSettle)
	require.Equal(t, StateIdle, w.docs.State(doc))
}

func TestWatcherPicksUpFileChanges(t *testing.T) {
	st := store.NewMemoryStore()
	root := t.TempDir()
	cfg := Config{
		WorkspaceDir:    filepath.Join(root, "workspace"),
		LogsDir:         filepath.Join(root, "logs"),
		WorkspaceSettle: 20 * time.Millisecond,
		LogSettle:       20 * time.Millisecond,
	}
	require.NoError(t, os.MkdirAll(cfg.WorkspaceDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.LogsDir, 0o755))
	pub := &recordingPublisher{}
	w, err := New(cfg, registry.New(), st, pub)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, filepath.Join(cfg.WorkspaceDir, "Agent-Scout.md"), "Status: busy\n")
	writeFile(t, filepath.Join(cfg.LogsDir, "scout.log"), `{"level":"warn","message":"slow","agentName":"scout"}`+"\n")

	require.Eventually(t, func() bool {
		return len(pub.statusEvents()) > 0 && len(pub.logEvents()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	status := pub.statusEvents()[0]
	require.Equal(t, "scout", status.agent)
	require.Equal(t, "busy", status.status["status"])
	require.Equal(t, "warn", pub.logEvents()[0].Level)
}

func TestStartFailsWithoutDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := New(Config{
		WorkspaceDir: filepath.Join(root, "missing-a"),
		LogsDir:      filepath.Join(root, "missing-b"),
	}, registry.New(), store.NewMemoryStore(), &recordingPublisher{})
	require.NoError(t, err)
	require.Error(t, w.Start(context.Background()))
}

func TestOutputHelpers(t *testing.T) {
	require.True(t, hasDeliverables(json.RawMessage(`{"deliverables":["a"]}`)))
	require.False(t, hasDeliverables(json.RawMessage(`{"deliverables":null}`)))
	require.False(t, hasDeliverables(json.RawMessage(`[1,2]`)))
	require.JSONEq(t, `{}`, string(outputMetrics(nil)))
	require.JSONEq(t, `{"n":1}`, string(outputMetrics(json.RawMessage(`{"metrics":{"n":1}}`))))
}
