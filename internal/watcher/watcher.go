// Package watcher turns changes to agent status documents and log files into
// store updates and hub events.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"

	"agentdash/internal/async"
	"agentdash/internal/domain"
	"agentdash/internal/hub"
	"agentdash/internal/logging"
	"agentdash/internal/observability"
	"agentdash/internal/parser"
	"agentdash/internal/registry"
)

const (
	DefaultWorkspaceSettle   = 1000 * time.Millisecond
	DefaultLogSettle         = 500 * time.Millisecond
	DefaultSnapshotCacheSize = 256
	// maxLogTailBytes bounds how much of a log file is read per change.
	maxLogTailBytes = 64 << 10

	deliveredOutputsMessage = "Agent delivered outputs"
)

// Store is the slice of the persistent store the watcher writes to.
type Store interface {
	RunningWorkForAgent(ctx context.Context, agent string) (domain.RunningWork, bool, error)
	CompleteExecution(ctx context.Context, id string, c domain.ExecutionCompletion) error
	CompleteTask(ctx context.Context, executionID, taskID string, c domain.TaskCompletion) error
	AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
}

// Publisher receives the events produced from file changes.
type Publisher interface {
	EmitAgentStatus(agentName string, status any) int
	EmitLogEntry(entry hub.LogPayload) int
}

// Config locates the watched directories.
type Config struct {
	WorkspaceDir      string
	LogsDir           string
	WorkspaceSettle   time.Duration
	LogSettle         time.Duration
	TailLines         int
	SnapshotCacheSize int
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(w *Watcher) {
		w.logger = logging.OrNop(logger)
	}
}

// WithMetrics records parse outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) {
		w.metrics = m
	}
}

// WithClock replaces the settle timer source.
func WithClock(clock Clock) Option {
	return func(w *Watcher) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithNow replaces the wall clock used for default timestamps.
func WithNow(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// Watcher observes the workspace and logs directories.
type Watcher struct {
	cfg       Config
	registry  *registry.Registry
	store     Store
	publisher Publisher
	logger    logging.Logger
	metrics   *observability.Metrics
	clock     Clock
	now       func() time.Time

	snapshots *lru.Cache[string, domain.WorkspaceSnapshot]
	docs      *Debouncer
	logs      *Debouncer

	mu       sync.Mutex
	ctx      context.Context
	fs       *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a watcher. Start begins observing the directories.
func New(cfg Config, reg *registry.Registry, st Store, pub Publisher, opts ...Option) (*Watcher, error) {
	if st == nil || pub == nil {
		return nil, errors.New("watcher: store and publisher are required")
	}
	if cfg.WorkspaceSettle <= 0 {
		cfg.WorkspaceSettle = DefaultWorkspaceSettle
	}
	if cfg.LogSettle <= 0 {
		cfg.LogSettle = DefaultLogSettle
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = parser.DefaultTailLines
	}
	if cfg.SnapshotCacheSize <= 0 {
		cfg.SnapshotCacheSize = DefaultSnapshotCacheSize
	}
	cache, err := lru.New[string, domain.WorkspaceSnapshot](cfg.SnapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("watcher: snapshot cache: %w", err)
	}

	w := &Watcher{
		cfg:       cfg,
		registry:  reg,
		store:     st,
		publisher: pub,
		logger:    logging.NewComponentLogger("watcher"),
		clock:     RealClock(),
		now:       time.Now,
		snapshots: cache,
		ctx:       context.Background(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.docs = NewDebouncer(cfg.WorkspaceSettle, w.clock, w.onWorkspaceSettled)
	w.logs = NewDebouncer(cfg.LogSettle, w.clock, w.onLogSettled)
	return w, nil
}

// Start registers the directories with fsnotify and processes events until
// ctx is done or Stop is called. A missing directory is logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}

	added := 0
	for _, dir := range w.dirs() {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("Not watching %s: %v", dir, err)
			continue
		}
		added++
	}
	if added == 0 {
		_ = fsw.Close()
		return fmt.Errorf("watcher: no watchable directory among %v", w.dirs())
	}

	w.mu.Lock()
	w.ctx = ctx
	w.fs = fsw
	w.mu.Unlock()

	async.Go(w.logger, "watcher.loop", func() { w.loop(fsw) })
	async.Go(w.logger, "watcher.stop", func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	})
	w.logger.Info("Watching workspace=%s logs=%s", w.cfg.WorkspaceDir, w.cfg.LogsDir)
	return nil
}

// Stop halts event processing and cancels pending settle timers.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.docs.Stop()
		w.logs.Stop()
		w.mu.Lock()
		fsw := w.fs
		w.fs = nil
		w.mu.Unlock()
		if fsw != nil {
			_ = fsw.Close()
		}
	})
}

// Snapshot returns the last structured state read for agent.
func (w *Watcher) Snapshot(agent string) (domain.WorkspaceSnapshot, bool) {
	return w.snapshots.Get(agent)
}

func (w *Watcher) dirs() []string {
	var dirs []string
	for _, dir := range []string{w.cfg.WorkspaceDir, w.cfg.LogsDir} {
		if dir == "" {
			continue
		}
		dup := false
		for _, existing := range dirs {
			if filepath.Clean(existing) == filepath.Clean(dir) {
				dup = true
			}
		}
		if !dup {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	w.Notify(event.Name)
}

// Notify routes a changed path to the matching settle timer. Paths that are
// neither status documents nor log files are ignored.
func (w *Watcher) Notify(path string) {
	switch {
	case w.isWorkspaceDoc(path):
		w.docs.Touch(path)
	case w.isLogFile(path):
		w.logs.Touch(path)
	}
}

func (w *Watcher) isWorkspaceDoc(path string) bool {
	if !sameDir(path, w.cfg.WorkspaceDir) {
		return false
	}
	ok, _ := filepath.Match("Agent-*.md", filepath.Base(path))
	return ok
}

func (w *Watcher) isLogFile(path string) bool {
	if !sameDir(path, w.cfg.LogsDir) {
		return false
	}
	ok, _ := filepath.Match("*.log", filepath.Base(path))
	return ok
}

func sameDir(path, dir string) bool {
	if dir == "" {
		return false
	}
	return filepath.Clean(filepath.Dir(path)) == filepath.Clean(dir)
}

func (w *Watcher) baseContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx
}

func (w *Watcher) onWorkspaceSettled(path string) {
	defer async.Recover(w.logger, "watcher.workspace")
	w.ProcessWorkspaceDoc(w.baseContext(), path)
}

func (w *Watcher) onLogSettled(path string) {
	defer async.Recover(w.logger, "watcher.logs")
	w.ProcessLogFile(w.baseContext(), path)
}

// ProcessWorkspaceDoc reads and applies one status document. Failures are
// logged and never returned.
func (w *Watcher) ProcessWorkspaceDoc(ctx context.Context, path string) {
	agent, ok := w.registry.AgentFromWorkspaceFile(path)
	if !ok {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error("Failed to read status document %s: %v", path, err)
		w.metrics.RecordWatcherEvent("workspace", "read_error")
		return
	}
	modified := w.now()
	if info, err := os.Stat(path); err == nil {
		modified = info.ModTime()
	}

	result := parser.ParseWorkspace(agent, string(content), w.now())
	w.metrics.RecordWatcherEvent("workspace", result.Kind.String())
	if result.Kind == parser.NoMatch {
		w.logger.Debug("No status found in %s", filepath.Base(path))
		return
	}
	if result.Err != nil {
		w.logger.Debug("Structured block in %s rejected: %v", filepath.Base(path), result.Err)
	}

	update := result.Update
	w.snapshots.Add(agent, domain.WorkspaceSnapshot{
		Agent:      agent,
		TaskID:     update.TaskID,
		Status:     update.Status,
		Outputs:    update.Outputs,
		Timestamp:  update.Timestamp,
		ModifiedAt: modified,
	})

	w.applyUpdate(ctx, agent, update)

	status := update.Status
	if status == "" {
		status = "active"
	}
	w.publisher.EmitAgentStatus(agent, map[string]any{
		"status":      status,
		"lastUpdate":  update.Timestamp,
		"currentTask": update.TaskID,
		"outputs":     outputsValue(update.Outputs),
	})
}

func (w *Watcher) applyUpdate(ctx context.Context, agent string, update parser.WorkspaceUpdate) {
	status, known := domain.ParseExecutionStatus(update.Status)
	terminal := known && (status == domain.StatusCompleted || status == domain.StatusFailed)
	deliverables := hasDeliverables(update.Outputs)
	if !terminal && !deliverables {
		return
	}

	work, ok, err := w.store.RunningWorkForAgent(ctx, agent)
	if err != nil {
		w.logger.Error("Running work lookup for %s failed: %v", agent, err)
		return
	}
	if !ok {
		return
	}
	now := w.now()

	if terminal {
		switch work.Kind {
		case domain.WorkTask:
			err = w.store.CompleteTask(ctx, work.ExecutionID, work.TaskID, domain.TaskCompletion{
				Status:      status,
				Output:      update.Outputs,
				CompletedAt: now,
			})
		default:
			err = w.store.CompleteExecution(ctx, work.ExecutionID, domain.ExecutionCompletion{
				Status:      status,
				CompletedAt: now,
				Metrics:     outputMetrics(update.Outputs),
			})
		}
		if err != nil {
			w.logger.Error("Failed to record %s for %s (%s): %v", status, agent, work.ExecutionID, err)
		}
	}

	if !deliverables {
		return
	}
	entry, err := w.store.AppendLog(ctx, domain.LogEntry{
		ExecutionID: work.ExecutionID,
		AgentName:   agent,
		Level:       "info",
		Message:     deliveredOutputsMessage,
		Metadata:    update.Outputs,
		CreatedAt:   now,
	})
	if err != nil {
		w.logger.Error("Failed to append delivery log for %s: %v", agent, err)
		return
	}
	w.publisher.EmitLogEntry(hub.LogPayload{
		ExecutionID: entry.ExecutionID,
		AgentName:   entry.AgentName,
		Level:       entry.Level,
		Message:     entry.Message,
		Metadata:    outputsValue(entry.Metadata),
		Timestamp:   entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ProcessLogFile publishes the trailing lines of one log file. Failures are
// logged and never returned.
func (w *Watcher) ProcessLogFile(_ context.Context, path string) {
	content, err := readTail(path, maxLogTailBytes)
	if err != nil {
		w.logger.Error("Failed to read log file %s: %v", path, err)
		w.metrics.RecordWatcherEvent("log", "read_error")
		return
	}
	lines := parser.ParseLogTail(content, w.cfg.TailLines, w.now())
	w.metrics.RecordWatcherEvent("log", "parsed")
	for _, line := range lines {
		payload := hub.LogPayload{
			ExecutionID: line.ExecutionID,
			AgentName:   line.AgentName,
			Level:       line.Level,
			Message:     line.Message,
			Timestamp:   line.Timestamp,
		}
		if len(line.Fields) > 0 {
			payload.Metadata = line.Fields
		}
		w.publisher.EmitLogEntry(payload)
	}
}

// readTail returns at most limit trailing bytes of path, starting at a line
// boundary when the file was truncated.
func readTail(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := int64(0)
	if info.Size() > limit {
		offset = info.Size() - limit
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	content := string(data)
	if offset > 0 {
		if idx := strings.IndexByte(content, '\n'); idx >= 0 {
			content = content[idx+1:]
		}
	}
	return content, nil
}

func outputsValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func outputFields(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields
}

func hasDeliverables(raw json.RawMessage) bool {
	v, ok := outputFields(raw)["deliverables"]
	if !ok {
		return false
	}
	trimmed := strings.TrimSpace(string(v))
	return trimmed != "" && trimmed != "null" && trimmed != "false"
}

// outputMetrics returns outputs.metrics, or an empty object when absent.
func outputMetrics(raw json.RawMessage) json.RawMessage {
	if m, ok := outputFields(raw)["metrics"]; ok && strings.TrimSpace(string(m)) != "null" {
		return m
	}
	return json.RawMessage(`{}`)
}
