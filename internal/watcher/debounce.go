package watcher

import (
	"sync"
	"time"
)

// DebounceState is the settle state of one path.
type DebounceState int

const (
	// StateIdle means no change is waiting to settle.
	StateIdle DebounceState = iota
	// StatePendingSettle means a change was seen and the settle timer is armed.
	StatePendingSettle
)

func (s DebounceState) String() string {
	if s == StatePendingSettle {
		return "pending-settle"
	}
	return "idle"
}

// Timer is the subset of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// Clock schedules settle callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock schedules with time.AfterFunc.
func RealClock() Clock { return realClock{} }

type pending struct {
	timer      Timer
	generation uint64
}

// Debouncer coalesces bursts of changes per path. Each path is idle until
// Touch arms its settle timer; every further Touch re-arms it; when the
// timer expires the path returns to idle and the callback runs once.
// Paths settle independently.
type Debouncer struct {
	settle   time.Duration
	clock    Clock
	callback func(path string)

	mu         sync.Mutex
	paths      map[string]*pending
	generation uint64
	stopped    bool
}

// NewDebouncer returns a debouncer that calls fn once a path has been quiet
// for settle.
func NewDebouncer(settle time.Duration, clock Clock, fn func(path string)) *Debouncer {
	if clock == nil {
		clock = RealClock()
	}
	return &Debouncer{
		settle:   settle,
		clock:    clock,
		callback: fn,
		paths:    make(map[string]*pending),
	}
}

// Touch records a change to path and (re)arms its settle timer.
func (d *Debouncer) Touch(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if p, ok := d.paths[path]; ok {
		p.timer.Stop()
	}
	d.generation++
	gen := d.generation
	d.paths[path] = &pending{
		generation: gen,
		timer:      d.clock.AfterFunc(d.settle, func() { d.fire(path, gen) }),
	}
}

func (d *Debouncer) fire(path string, gen uint64) {
	d.mu.Lock()
	p, ok := d.paths[path]
	if !ok || p.generation != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.paths, path)
	d.mu.Unlock()

	if d.callback != nil {
		d.callback(path)
	}
}

// State reports the current state of path.
func (d *Debouncer) State(path string) DebounceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.paths[path]; ok {
		return StatePendingSettle
	}
	return StateIdle
}

// Pending returns how many paths are waiting to settle.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.paths)
}

// Stop cancels every armed timer. Later Touch calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, p := range d.paths {
		p.timer.Stop()
		delete(d.paths, path)
	}
}
