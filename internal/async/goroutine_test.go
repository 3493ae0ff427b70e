package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Error(format string, args ...any) {
	c.mu.Lock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

func (c *captureLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &captureLogger{}
	done := make(chan struct{})
	Go(logger, "boom", func() {
		defer close(done)
		panic("bad")
	})
	<-done
	require.Eventually(t, func() bool { return logger.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Contains(t, logger.lines[0], "[boom]")
}

func TestEverySurvivesPanicsAndStopsOnCancel(t *testing.T) {
	logger := &captureLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	stopped := make(chan struct{})

	go func() {
		Every(ctx, logger, "tick", 5*time.Millisecond, func(context.Context) {
			if calls.Add(1) == 1 {
				panic("first tick")
			}
		})
		close(stopped)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Every did not return after cancel")
	}
	require.GreaterOrEqual(t, logger.count(), 1)
}
