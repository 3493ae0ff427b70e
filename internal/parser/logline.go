package parser

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// DefaultTailLines is how many trailing lines a log change re-reads.
const DefaultTailLines = 10

// LogLine is one parsed log record.
type LogLine struct {
	Timestamp   string         `json:"timestamp"`
	Level       string         `json:"level"`
	AgentName   string         `json:"agentName,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	Message     string         `json:"message"`
	Fields      map[string]any `json:"metadata,omitempty"`
}

// The source token has the lowercase agent-name shape, so an unrecognized
// bracketed level such as [NOTICE] stays in the message.
var textLinePattern = regexp.MustCompile(
	`^(?:\[([0-9TZ:.+-]+)\])?\s*(?:\[(?i:(INFO|WARN|WARNING|ERROR|FATAL|CRITICAL|DEBUG))\])?\s*(?:\[([a-z][a-z0-9-]*)\])?\s*(.*)$`,
)

// ParseLogLine parses a JSON object line or a bracketed text line. Missing
// timestamp, level and source default to now, "info" and empty. ok is false
// for blank lines and JSON lines that cannot be decoded or repaired.
func ParseLogLine(line string, now time.Time) (LogLine, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return LogLine{}, false
	}
	if strings.HasPrefix(line, "{") {
		return parseJSONLine(line, now)
	}

	m := textLinePattern.FindStringSubmatch(line)
	if m == nil {
		return LogLine{}, false
	}
	out := LogLine{
		Timestamp: m[1],
		Level:     normalizeLevel(m[2]),
		AgentName: m[3],
		Message:   strings.TrimSpace(m[4]),
	}
	if out.Timestamp == "" {
		out.Timestamp = now.UTC().Format(time.RFC3339Nano)
	}
	return out, true
}

func parseJSONLine(line string, now time.Time) (LogLine, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(line)
		if repairErr != nil {
			return LogLine{}, false
		}
		fields = nil
		if err := json.Unmarshal([]byte(repaired), &fields); err != nil || fields == nil {
			return LogLine{}, false
		}
	}

	out := LogLine{
		Timestamp:   takeString(fields, "timestamp", "time", "ts"),
		Level:       normalizeLevel(takeString(fields, "level", "severity")),
		AgentName:   takeString(fields, "agentName", "agent", "source"),
		ExecutionID: takeString(fields, "executionId", "execution_id"),
		Message:     takeString(fields, "message", "msg"),
	}
	if out.Timestamp == "" {
		out.Timestamp = now.UTC().Format(time.RFC3339Nano)
	}
	if len(fields) > 0 {
		out.Fields = fields
	}
	return out, true
}

// ParseLogTail parses the last n non-empty lines of content in file order.
// n <= 0 uses DefaultTailLines.
func ParseLogTail(content string, n int, now time.Time) []LogLine {
	if n <= 0 {
		n = DefaultTailLines
	}
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]LogLine, 0, len(lines))
	for _, line := range lines {
		if parsed, ok := ParseLogLine(line, now); ok {
			out = append(out, parsed)
		}
	}
	return out
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error", "fatal", "critical", "crit", "panic":
		return "error"
	default:
		return "info"
	}
}

// takeString removes the first present key from fields and returns its
// string value.
func takeString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			delete(fields, key)
			return s
		}
	}
	return ""
}
