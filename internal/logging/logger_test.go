package logging

import (
	"bytes"
	"testing"

	"agentdash/internal/observability"

	"github.com/stretchr/testify/require"
)

func TestOrNopHandlesTypedNil(t *testing.T) {
	var rec *Recorder
	require.True(t, IsNil(rec))
	require.NotPanics(t, func() { OrNop(rec).Info("ignored") })
}

func TestMultiFlattensAndSkipsNil(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	logger := Multi(nil, Multi(a, b))
	logger.Warn("disk %d%%", 90)

	require.True(t, a.Contains("warn", "disk 90%"))
	require.True(t, b.Contains("warn", "disk 90%"))
	require.Equal(t, Nop(), Multi())
}

func TestComponentLoggerUsesDefaultSink(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(observability.NewLogger(observability.LogConfig{Level: "debug", Output: &buf}))
	t.Cleanup(func() {
		SetDefault(observability.NewLogger(observability.LogConfig{Level: "info"}))
	})

	NewComponentLogger("watcher").Info("settled %s", "Agent-a.md")
	require.Contains(t, buf.String(), "component=watcher")
	require.Contains(t, buf.String(), "settled Agent-a.md")
}
