package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"agentdash/internal/logging"
)

// maxOutputLine bounds one orchestrator output line.
const maxOutputLine = 1024 * 1024

// processSpec describes one orchestrator invocation.
type processSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Logger  logging.Logger
}

// process is a spawned orchestrator running in its own process group.
type process struct {
	cmd  *exec.Cmd
	pgid int
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	err      error
}

// startProcess spawns spec and streams every non-empty output line to the
// matching callback. The process is placed in a new process group so that
// signals reach its children.
func startProcess(spec processSpec, onStdout, onStderr func(line string)) (*process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	env := append([]string{}, os.Environ()...)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{}), pgid: cmd.Process.Pid}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		p.pgid = pgid
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdout, "stdout", onStdout, spec.Logger)
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, "stderr", onStderr, spec.Logger)
	}()

	go func() {
		// Wait closes the pipes, so every reader must drain first.
		readers.Wait()
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		p.mu.Lock()
		p.exitCode = code
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func scanLines(r io.Reader, stream string, fn func(string), logger logging.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || fn == nil {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		logging.OrNop(logger).Warn("Orchestrator %s unreadable, discarding the rest of the stream: %v", stream, err)
	}
	// Drain whatever is left after an over-long line so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}

// Done is closed once the process has exited.
func (p *process) Done() <-chan struct{} { return p.done }

// ExitCode is -1 when the process was killed by a signal or never ran.
func (p *process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL when
// the group is still alive after grace. It does not block.
func (p *process) terminate(grace time.Duration) {
	if p.pgid <= 0 {
		return
	}
	_ = syscall.Kill(-p.pgid, syscall.SIGTERM)
	if grace <= 0 {
		return
	}
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			_ = syscall.Kill(-p.pgid, syscall.SIGKILL)
		}
	}()
}
