// Package reconciler periodically derives one status per registered agent
// from its status document and execution history, and publishes it.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"agentdash/internal/async"
	"agentdash/internal/domain"
	"agentdash/internal/logging"
	"agentdash/internal/observability"
	"agentdash/internal/registry"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultRecencyWindow = 60 * time.Second
	DefaultParallelism   = 8
)

// Store is the history the reconciler reads.
type Store interface {
	RunningWorkForAgent(ctx context.Context, agent string) (domain.RunningWork, bool, error)
	AgentAggregate(ctx context.Context, agent string) (domain.AgentAggregate, error)
}

// Publisher receives computed statuses.
type Publisher interface {
	EmitAgentStatus(agentName string, status any) int
}

type Config struct {
	WorkspaceDir  string
	Interval      time.Duration
	RecencyWindow time.Duration
	Parallelism   int
}

type Option func(*Reconciler)

func WithLogger(logger logging.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithCategories replaces the built-in category table.
func WithCategories(c registry.Categories) Option {
	return func(r *Reconciler) {
		r.categories = c
	}
}

// Reconciler computes and publishes agent statuses.
type Reconciler struct {
	cfg        Config
	registry   *registry.Registry
	categories registry.Categories
	store      Store
	publisher  Publisher
	logger     logging.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	tickMu   sync.Mutex
	cron     *cron.Cron
	stopOnce sync.Once
}

func New(cfg Config, reg *registry.Registry, st Store, pub Publisher, opts ...Option) (*Reconciler, error) {
	if reg == nil || st == nil || pub == nil {
		return nil, errors.New("reconciler: registry, store and publisher are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = DefaultRecencyWindow
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	r := &Reconciler{
		cfg:        cfg,
		registry:   reg,
		categories: registry.NewCategories(registry.DefaultCategoryTable()),
		store:      st,
		publisher:  pub,
		logger:     logging.NewComponentLogger("reconciler"),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	adapter := cronLogger{logger: r.logger}
	r.cron = cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	return r, nil
}

// Derive maps the observed facts about one agent to a status. A recent
// status document with running work means running; any status document means
// idle; no document means offline unless work is still recorded as running.
func Derive(docExists bool, docModified time.Time, hasRunning bool, now time.Time, window time.Duration) domain.AgentStatus {
	switch {
	case docExists && hasRunning && now.Sub(docModified) < window:
		return domain.AgentRunning
	case docExists:
		return domain.AgentIdle
	case hasRunning:
		return domain.AgentIdle
	default:
		return domain.AgentOffline
	}
}

// Start runs one tick immediately, then one per interval until ctx is done or
// Stop is called. Ticks never overlap.
func (r *Reconciler) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.cfg.Interval), func() {
		_ = r.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("reconciler: schedule: %w", err)
	}
	async.Go(r.logger, "reconciler.initial", func() { _ = r.Tick(ctx) })
	r.cron.Start()
	r.logger.Info("Reconciler started for %d agents every %s", r.registry.Len(), r.cfg.Interval)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running tick to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
	})
}

// Tick computes and publishes the status of every registered agent. A
// failure for one agent is logged and does not affect the others. The
// returned error reports how many agents failed.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	ctx, span := observability.StartSpan(ctx, "reconciler", observability.SpanReconcile)
	defer span.End()
	started := time.Now()

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures int
	)
	g.SetLimit(r.cfg.Parallelism)
	for _, name := range r.registry.Names() {
		name := name
		g.Go(func() error {
			defer async.Recover(r.logger, "reconciler.agent."+name)
			status, err := r.compute(ctx, name)
			if err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				r.logger.Error("Failed to reconcile agent %s: %v", name, err)
				return nil
			}
			r.publisher.EmitAgentStatus(name, status)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("agentdash.reconcile.failures", failures))
	r.metrics.ObserveReconcile(time.Since(started), failures)
	if failures > 0 {
		return fmt.Errorf("reconciler: %d of %d agents failed", failures, r.registry.Len())
	}
	return nil
}

// Status computes the current status of one registered agent.
func (r *Reconciler) Status(ctx context.Context, name string) (domain.ComputedAgentStatus, error) {
	if _, ok := r.registry.Lookup(name); !ok {
		return domain.ComputedAgentStatus{}, domain.ErrAgentNotFound
	}
	return r.compute(ctx, name)
}

// Statuses computes every registered agent's status in name order. Agents
// whose computation fails are skipped and logged.
func (r *Reconciler) Statuses(ctx context.Context) []domain.ComputedAgentStatus {
	names := r.registry.Names()
	out := make([]*domain.ComputedAgentStatus, len(names))

	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			defer async.Recover(r.logger, "reconciler.status."+name)
			status, err := r.compute(ctx, name)
			if err != nil {
				r.logger.Warn("Skipping status for %s: %v", name, err)
				return nil
			}
			out[i] = &status
			return nil
		})
	}
	_ = g.Wait()

	statuses := make([]domain.ComputedAgentStatus, 0, len(out))
	for _, s := range out {
		if s != nil {
			statuses = append(statuses, *s)
		}
	}
	return statuses
}

func (r *Reconciler) compute(ctx context.Context, name string) (domain.ComputedAgentStatus, error) {
	work, running, err := r.store.RunningWorkForAgent(ctx, name)
	if err != nil {
		return domain.ComputedAgentStatus{}, fmt.Errorf("running work: %w", err)
	}
	aggregate, err := r.store.AgentAggregate(ctx, name)
	if err != nil {
		return domain.ComputedAgentStatus{}, fmt.Errorf("aggregate: %w", err)
	}
	modified, docExists, err := r.statusDocument(name)
	if err != nil {
		return domain.ComputedAgentStatus{}, err
	}

	now := r.now()
	lastSeen := now
	if docExists {
		lastSeen = modified
	}
	status := domain.ComputedAgentStatus{
		Name:     name,
		Category: r.category(name),
		Status:   Derive(docExists, modified, running, now, r.cfg.RecencyWindow),
		LastSeen: lastSeen.UTC(),
		Metrics:  domain.MetricsFromAggregate(aggregate),
	}
	if running {
		status.CurrentExecution = work.ExecutionID
	}
	return status, nil
}

func (r *Reconciler) category(name string) string {
	if cat := r.categories.Resolve(name); cat != registry.DefaultCategory {
		return cat
	}
	if def, ok := r.registry.Lookup(name); ok && def.Category != "" {
		return def.Category
	}
	return registry.DefaultCategory
}

// statusDocument returns the modification time of the agent's status
// document, trying each candidate file name in order.
func (r *Reconciler) statusDocument(name string) (time.Time, bool, error) {
	if r.cfg.WorkspaceDir == "" {
		return time.Time{}, false, nil
	}
	for _, file := range registry.WorkspaceFileNames(name) {
		info, err := os.Stat(filepath.Join(r.cfg.WorkspaceDir, file))
		if err == nil {
			return info.ModTime(), true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, fmt.Errorf("stat status document: %w", err)
		}
	}
	return time.Time{}, false, nil
}

// cronLogger routes cron's own messages into the component logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
