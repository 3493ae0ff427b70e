package hub

import "strings"

const (
	agentPrefix         = "agent:"
	executionPrefix     = "execution:"
	projectPrefix       = "project:"
	executionLogsPrefix = "logs:execution:"
	agentLogsPrefix     = "logs:agent:"
)

// AgentTopic carries agent:status events for one agent.
func AgentTopic(name string) string {
	return agentPrefix + name
}

// ExecutionTopic carries execution and metric updates for one execution.
func ExecutionTopic(id string) string {
	return executionPrefix + id
}

// ProjectTopic carries project and metric updates for one project.
func ProjectTopic(id string) string {
	return projectPrefix + id
}

// ExecutionLogsTopic carries log entries tagged with an execution.
func ExecutionLogsTopic(id string) string {
	return executionLogsPrefix + id
}

// AgentLogsTopic carries log entries tagged with an agent.
func AgentLogsTopic(name string) string {
	return agentLogsPrefix + name
}

// ValidTopic reports whether topic belongs to a known family and names a
// non-empty key.
func ValidTopic(topic string) bool {
	for _, prefix := range []string{executionLogsPrefix, agentLogsPrefix, agentPrefix, executionPrefix, projectPrefix} {
		if strings.HasPrefix(topic, prefix) {
			return strings.TrimSpace(topic[len(prefix):]) != ""
		}
	}
	return false
}
