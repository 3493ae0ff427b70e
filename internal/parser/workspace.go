// Package parser turns agent status documents and log lines into structured
// updates. Every function here is pure and never panics on malformed input.
package parser

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MatchKind tags how a status document was understood.
type MatchKind int

const (
	// NoMatch means the document carried nothing usable.
	NoMatch MatchKind = iota
	// StructuredMatch means the last fenced json block decoded.
	StructuredMatch
	// TextFallbackMatch means only "Status:" / "Task ID:" lines were found.
	TextFallbackMatch
)

func (k MatchKind) String() string {
	switch k {
	case StructuredMatch:
		return "structured"
	case TextFallbackMatch:
		return "text_fallback"
	default:
		return "no_match"
	}
}

// WorkspaceUpdate is the state extracted from a status document.
type WorkspaceUpdate struct {
	Agent     string
	TaskID    string
	Status    string
	Outputs   json.RawMessage
	Timestamp string
}

// WorkspaceResult is the tagged parse result. Update is meaningful only when
// Kind is not NoMatch.
type WorkspaceResult struct {
	Kind   MatchKind
	Update WorkspaceUpdate
	// Err records why the structured block was rejected, if one existed.
	Err error
}

var (
	statusLinePattern = regexp.MustCompile(`(?i)Status:\s*(\w+)`)
	taskLinePattern   = regexp.MustCompile(`(?i)Task ID:\s*(\S+)`)
	markdown          = goldmark.New()
)

// structuredBlock keeps scalar fields raw so numbers and booleans are
// accepted wherever a string is expected.
type structuredBlock struct {
	TaskID    json.RawMessage `json:"taskId"`
	Status    json.RawMessage `json:"status"`
	Outputs   json.RawMessage `json:"outputs"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseWorkspace extracts the latest state from a status document. The last
// fenced json block wins; when it is absent or does not decode, the text is
// scanned for "Status: <word>" and "Task ID: <token>".
func ParseWorkspace(agent, content string, now time.Time) WorkspaceResult {
	stamp := now.UTC().Format(time.RFC3339Nano)

	var structuredErr error
	if block, ok := lastJSONBlock([]byte(content)); ok {
		var data structuredBlock
		structuredErr = json.Unmarshal(block, &data)
		if structuredErr == nil {
			update := WorkspaceUpdate{
				Agent:     agent,
				TaskID:    scalarString(data.TaskID),
				Status:    scalarString(data.Status),
				Outputs:   nullToNil(data.Outputs),
				Timestamp: scalarString(data.Timestamp),
			}
			if update.Timestamp == "" {
				update.Timestamp = stamp
			}
			return WorkspaceResult{Kind: StructuredMatch, Update: update}
		}
	}

	statusMatch := statusLinePattern.FindStringSubmatch(content)
	taskMatch := taskLinePattern.FindStringSubmatch(content)
	if statusMatch == nil && taskMatch == nil {
		return WorkspaceResult{Kind: NoMatch, Err: structuredErr}
	}
	update := WorkspaceUpdate{Agent: agent, Timestamp: stamp}
	if statusMatch != nil {
		update.Status = statusMatch[1]
	}
	if taskMatch != nil {
		update.TaskID = taskMatch[1]
	}
	return WorkspaceResult{Kind: TextFallbackMatch, Update: update, Err: structuredErr}
}

// lastJSONBlock returns the body of the last fenced code block whose info
// string names json.
func lastJSONBlock(source []byte) ([]byte, bool) {
	doc := markdown.Parser().Parse(text.NewReader(source))

	var last []byte
	found := false
	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := node.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if !strings.EqualFold(string(block.Language(source)), "json") {
			return ast.WalkSkipChildren, nil
		}
		var buf bytes.Buffer
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			segment := lines.At(i)
			buf.Write(segment.Value(source))
		}
		last = buf.Bytes()
		found = true
		return ast.WalkSkipChildren, nil
	})
	return last, found
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return raw
}

// scalarString renders a JSON scalar as text: strings are unquoted, numbers
// and booleans keep their literal form, and null or composite values are empty.
func scalarString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ""
		}
		return s
	case '{', '[', 'n':
		return ""
	default:
		return string(trimmed)
	}
}
