package claude

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// scanBufferSize bounds one stdout line; tool results can be large.
const scanBufferSize = 10 * 1024 * 1024

// stderrTailLines is how many trailing stderr lines are kept for exit errors.
const stderrTailLines = 10

// stopGrace is how long Stop waits after closing stdin before killing.
const stopGrace = 5 * time.Second

// ProcessConfig describes one claude CLI process to launch.
type ProcessConfig struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// ProcessCallbacks receive process output and lifecycle notifications. They
// are invoked from the process reader goroutine, one at a time.
type ProcessCallbacks struct {
	// OnLine receives each stdout line, without the trailing newline.
	OnLine func(line []byte)
	// OnExit fires exactly once when the process terminates. err is nil for a
	// clean exit, otherwise it carries the exit status and a stderr tail.
	OnExit func(err error)
}

// Process wraps a running claude CLI subprocess with line-oriented stdio.
type Process struct {
	cfg    ProcessConfig
	cb     ProcessCallbacks
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stopping bool

	stderrMu   sync.Mutex
	stderrTail []string

	done chan struct{}
}

// StartProcess launches the CLI and begins pumping its output. The returned
// Process is live until Done is closed.
func StartProcess(cfg ProcessConfig, cb ProcessCallbacks, logger *slog.Logger) (*Process, error) {
	cmd := exec.Command(cfg.Binary, cfg.Args...) //nolint:gosec // binary comes from admin config
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Binary, err)
	}

	p := &Process{
		cfg:    cfg,
		cb:     cb,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		done:   make(chan struct{}),
	}

	logger.Debug("claude process started", "pid", cmd.Process.Pid, "dir", cfg.Dir)

	go p.drainStderr(stderr)
	go p.readOutput(stdout)

	return p, nil
}

// WriteLine writes one newline-terminated frame to the process stdin.
func (p *Process) WriteLine(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return errors.New("process stdin is closed")
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to claude stdin: %w", err)
	}
	return nil
}

// Interrupt sends SIGINT, asking the CLI to abort the current turn. The
// process itself keeps running and emits a terminal result for the turn.
func (p *Process) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return errors.New("process is not running")
	}
	return p.cmd.Process.Signal(syscall.SIGINT)
}

// Stop shuts the process down: stdin is closed so the CLI can exit cleanly,
// then the process is killed after a grace period.
func (p *Process) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	cmd := p.cmd
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(stopGrace):
		if cmd != nil && cmd.Process != nil {
			p.logger.Warn("claude process did not exit, killing", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
		}
		<-p.done
	}
}

// Done is closed once the process has exited and OnExit has fired.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// readOutput pumps stdout lines to OnLine, then reaps the process.
func (p *Process) readOutput(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if p.cb.OnLine != nil {
			p.cb.OnLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("reading claude stdout", "error", err)
	}

	waitErr := p.cmd.Wait()

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()

	var exitErr error
	if waitErr != nil && !stopping {
		tail := p.stderrTailText()
		if tail != "" {
			exitErr = fmt.Errorf("claude process exited: %w (stderr: %s)", waitErr, tail)
		} else {
			exitErr = fmt.Errorf("claude process exited: %w", waitErr)
		}
	}

	close(p.done)
	if p.cb.OnExit != nil {
		p.cb.OnExit(exitErr)
	}
}

// drainStderr logs stderr lines and keeps a short tail for exit errors.
func (p *Process) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.logger.Debug("claude stderr", "line", line)

		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailLines {
			p.stderrTail = p.stderrTail[1:]
		}
		p.stderrMu.Unlock()
	}
}

func (p *Process) stderrTailText() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.Join(p.stderrTail, "\n")
}
