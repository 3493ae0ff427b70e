// Package ingest applies lifecycle, log and metric notifications pushed by
// external workers to the store and the hub.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"agentdash/internal/domain"
	"agentdash/internal/hub"
	"agentdash/internal/logging"
	"agentdash/internal/observability"
)

// ErrInvalidPayload marks a notification whose data cannot be applied.
var ErrInvalidPayload = errors.New("invalid notification payload")

// Notification event names accepted by Ingest.
const (
	EventExecutionStarted   = "execution:started"
	EventExecutionProgress  = "execution:progress"
	EventExecutionCompleted = "execution:completed"
	EventAgentStarted       = "agent:started"
	EventAgentCompleted     = "agent:completed"
	EventAgentLog           = "agent:log"
	EventMetricUpdate       = "metric:update"
)

// Store is the slice of the persistent store notifications write to.
type Store interface {
	CreateExecutionPlan(ctx context.Context, plan domain.ExecutionPlan) error
	EnsureExecution(ctx context.Context, rec domain.ExecutionRecord) (bool, error)
	CompleteExecution(ctx context.Context, id string, c domain.ExecutionCompletion) error
	CreateTask(ctx context.Context, task domain.AgentTask) error
	CompleteTask(ctx context.Context, executionID, taskID string, c domain.TaskCompletion) error
	AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
	AppendMetric(ctx context.Context, sample domain.MetricSample) error
}

// Publisher receives the events derived from notifications.
type Publisher interface {
	EmitExecutionUpdate(executionID string, update map[string]any) int
	EmitAgentStatus(agentName string, status any) int
	EmitLogEntry(entry hub.LogPayload) int
	EmitMetricUpdate(metric hub.MetricPayload) int
}

// Envelope is the webhook body. ExecutionID and ProjectID fill the matching
// data fields when the data omits them.
type Envelope struct {
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data"`
	ExecutionID string          `json:"executionId,omitempty"`
	ProjectID   string          `json:"projectId,omitempty"`
}

type Option func(*Ingestor)

func WithLogger(logger logging.Logger) Option {
	return func(i *Ingestor) {
		i.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(i *Ingestor) {
		i.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// Ingestor dispatches notifications to their handlers.
type Ingestor struct {
	store     Store
	publisher Publisher
	logger    logging.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func New(st Store, pub Publisher, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:     st,
		publisher: pub,
		logger:    logging.NewComponentLogger("ingest"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Ingest applies one notification. Unknown events are logged and ignored.
// Malformed data returns an error wrapping ErrInvalidPayload; store failures
// are returned as is.
func (i *Ingestor) Ingest(ctx context.Context, event string, data json.RawMessage) error {
	return i.IngestEnvelope(ctx, Envelope{Event: event, Data: data})
}

// IngestEnvelope is Ingest for a full webhook body.
func (i *Ingestor) IngestEnvelope(ctx context.Context, env Envelope) (err error) {
	ctx, span := observability.StartSpan(ctx, "ingest", observability.SpanIngest,
		attribute.String(observability.AttrEvent, env.Event))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	i.logger.Info("Notification received: %s (execution=%s project=%s)", env.Event, env.ExecutionID, env.ProjectID)

	n, known := newNotification(env.Event)
	if !known {
		i.logger.Warn("Unknown notification event: %s", env.Event)
		i.metrics.RecordNotification(env.Event, "unknown")
		return nil
	}

	if err := decodeInto(env.Data, n); err != nil {
		i.metrics.RecordNotification(env.Event, "invalid")
		return fmt.Errorf("%s: %w: %v", env.Event, ErrInvalidPayload, err)
	}
	n.inherit(env.ExecutionID, env.ProjectID)

	if err := n.apply(ctx, i); err != nil {
		outcome := "error"
		if errors.Is(err, ErrInvalidPayload) {
			outcome = "invalid"
		}
		i.metrics.RecordNotification(env.Event, outcome)
		return fmt.Errorf("%s: %w", env.Event, err)
	}
	i.metrics.RecordNotification(env.Event, "applied")
	return nil
}

func decodeInto(data json.RawMessage, n notification) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, n)
}

func (i *Ingestor) stamp() time.Time {
	return i.now().UTC()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// orEmptyObject returns raw, or {} when raw is absent or null.
func orEmptyObject(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// present reports whether raw carries a non-null value.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// passthrough turns an optional raw value into something the hub can encode.
func passthrough(raw json.RawMessage) any {
	if !present(raw) {
		return nil
	}
	return raw
}
