package hub

import "time"

// LogPayload is the body of a log:entry event.
type LogPayload struct {
	ExecutionID string `json:"executionId,omitempty"`
	AgentName   string `json:"agentName,omitempty"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	Metadata    any    `json:"metadata,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// MetricPayload is the body of a metric:update event.
type MetricPayload struct {
	ExecutionID string  `json:"executionId,omitempty"`
	ProjectID   string  `json:"projectId,omitempty"`
	MetricName  string  `json:"metricName"`
	MetricValue float64 `json:"metricValue"`
	Timestamp   string  `json:"timestamp"`
}

func (h *Hub) stamp() string {
	return h.now().UTC().Format(time.RFC3339Nano)
}

// EmitAgentStatus publishes {agentName, status, timestamp} to the agent topic.
func (h *Hub) EmitAgentStatus(agentName string, status any) int {
	return h.Publish(AgentTopic(agentName), Event{Kind: EventAgentStatus, Data: map[string]any{
		"agentName": agentName,
		"status":    status,
		"timestamp": h.stamp(),
	}})
}

// EmitExecutionUpdate publishes update merged with executionId and timestamp.
func (h *Hub) EmitExecutionUpdate(executionID string, update map[string]any) int {
	data := merge(update)
	data["executionId"] = executionID
	data["timestamp"] = h.stamp()
	return h.Publish(ExecutionTopic(executionID), Event{Kind: EventExecutionUpdate, Data: data})
}

// EmitProjectUpdate publishes update merged with projectId and timestamp.
func (h *Hub) EmitProjectUpdate(projectID string, update map[string]any) int {
	data := merge(update)
	data["projectId"] = projectID
	data["timestamp"] = h.stamp()
	return h.Publish(ProjectTopic(projectID), Event{Kind: EventProjectUpdate, Data: data})
}

// EmitLogEntry publishes to the execution-logs topic and the agent-logs
// topic, whichever the entry is tagged with.
func (h *Hub) EmitLogEntry(entry LogPayload) int {
	if entry.Timestamp == "" {
		entry.Timestamp = h.stamp()
	}
	ev := Event{Kind: EventLogEntry, Data: entry}
	delivered := 0
	if entry.ExecutionID != "" {
		delivered += h.Publish(ExecutionLogsTopic(entry.ExecutionID), ev)
	}
	if entry.AgentName != "" {
		delivered += h.Publish(AgentLogsTopic(entry.AgentName), ev)
	}
	return delivered
}

// EmitMetricUpdate publishes to the execution topic and the project topic,
// whichever the metric is tagged with.
func (h *Hub) EmitMetricUpdate(metric MetricPayload) int {
	if metric.Timestamp == "" {
		metric.Timestamp = h.stamp()
	}
	ev := Event{Kind: EventMetricUpdate, Data: metric}
	delivered := 0
	if metric.ExecutionID != "" {
		delivered += h.Publish(ExecutionTopic(metric.ExecutionID), ev)
	}
	if metric.ProjectID != "" {
		delivered += h.Publish(ProjectTopic(metric.ProjectID), ev)
	}
	return delivered
}

func merge(update map[string]any) map[string]any {
	out := make(map[string]any, len(update)+2)
	for k, v := range update {
		out[k] = v
	}
	return out
}
