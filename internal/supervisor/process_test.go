package supervisor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdash/internal/logging"
)

func TestScanLinesSkipsBlankLines(t *testing.T) {
	var got []string
	scanLines(strings.NewReader("one\n\n  \n two \n"), "stdout", func(line string) { got = append(got, line) }, nil)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestScanLinesReportsOverlongLine(t *testing.T) {
	var input bytes.Buffer
	input.WriteString("before\n")
	input.WriteString(strings.Repeat("x", maxOutputLine+1))
	input.WriteString("\nafter\n")
	reader := bytes.NewReader(input.Bytes())

	recorder := &logging.Recorder{}
	var got []string
	scanLines(reader, "stderr", func(line string) { got = append(got, line) }, recorder)

	assert.Equal(t, []string{"before"}, got)
	assert.True(t, recorder.Contains("warn", "stderr"))
	require.Len(t, recorder.Entries(), 1)
	assert.Zero(t, reader.Len(), "remaining output must be drained")
}
