package logging

import (
	"fmt"
	"strings"
	"sync"
)

// Entry is one formatted line captured by a Recorder.
type Entry struct {
	Level   string
	Message string
}

// Recorder is an in-memory Logger used by tests to assert on emitted lines.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) record(level, format string, args ...any) {
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Level: level, Message: fmt.Sprintf(format, args...)})
	r.mu.Unlock()
}

func (r *Recorder) Debug(format string, args ...any) { r.record("debug", format, args...) }
func (r *Recorder) Info(format string, args ...any)  { r.record("info", format, args...) }
func (r *Recorder) Warn(format string, args ...any)  { r.record("warn", format, args...) }
func (r *Recorder) Error(format string, args ...any) { r.record("error", format, args...) }

// Entries returns a copy of the captured lines.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Contains reports whether any line at level contains substr.
func (r *Recorder) Contains(level, substr string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
