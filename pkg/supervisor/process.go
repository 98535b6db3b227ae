package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/raterudder/energyplan/pkg/log"
	"github.com/shirou/gopsutil/v3/process"
)

// Process is a companion process that can be supervised.
type Process interface {
	// Start launches the process. It fails if the process is already running.
	Start(ctx context.Context) error
	// IsAlive reports whether the process is running and not a zombie.
	IsAlive(ctx context.Context) bool
	// Restart stops the process if it is running and starts it again.
	Restart(ctx context.Context) error
	// StreamLogs calls fn with every output line until ctx is canceled.
	StreamLogs(ctx context.Context, fn func(line string))
	// Exited is closed when the current incarnation exits.
	Exited() <-chan struct{}
	// Stop terminates the process and waits for it to exit.
	Stop(ctx context.Context) error
}

const (
	lineBuffer         = 1024
	defaultStopTimeout = 5 * time.Second
)

// ExecProcess runs a command with os/exec. Stdout and stderr are merged and
// split into lines.
type ExecProcess struct {
	name        string
	command     string
	args        []string
	stopTimeout time.Duration

	// lines that don't fit are dropped
	lines chan string

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

// NewExecProcess creates an ExecProcess. Nothing runs until Start.
func NewExecProcess(name, command string, args []string) *ExecProcess {
	exited := make(chan struct{})
	close(exited)
	return &ExecProcess{
		name:        name,
		command:     command,
		args:        slices.Clone(args),
		stopTimeout: defaultStopTimeout,
		lines:       make(chan string, lineBuffer),
		exited:      exited,
	}
}

// Start launches the command.
func (p *ExecProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.exited:
	default:
		return fmt.Errorf("%s already running", p.name)
	}

	pr, pw := io.Pipe()
	cmd := exec.Command(p.command, p.args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	// bound the wait on output copying after the process exits
	cmd.WaitDelay = p.stopTimeout
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("failed to start %s: %w", p.name, err)
	}

	exited := make(chan struct{})
	p.cmd = cmd
	p.exited = exited
	p.exitErr = nil

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		p.scan(pr)
	}()
	go func() {
		err := cmd.Wait()
		pw.Close()
		<-scanned

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(exited)
	}()

	log.Ctx(ctx).InfoContext(ctx, "started process", slog.String("process", p.name), slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *ExecProcess) scan(r io.ReadCloser) {
	defer r.Close()
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		select {
		case p.lines <- s.Text():
		default:
		}
	}
	// drain so the writer never blocks on a line that is too long
	_, _ = io.Copy(io.Discard, r)
}

// Exited is closed when the current incarnation exits. Before the first Start
// it is already closed.
func (p *ExecProcess) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// ExitErr returns the error from the last exit, if any.
func (p *ExecProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// IsAlive checks the OS process table so a zombie counts as dead.
func (p *ExecProcess) IsAlive(ctx context.Context) bool {
	p.mu.Lock()
	cmd := p.cmd
	exited := p.exited
	p.mu.Unlock()

	select {
	case <-exited:
		return false
	default:
	}
	if cmd == nil || cmd.Process == nil {
		return false
	}

	proc, err := process.NewProcessWithContext(ctx, int32(cmd.Process.Pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		// the process exists, assume it's fine
		log.Ctx(ctx).DebugContext(ctx, "failed to get process status", slog.String("process", p.name), slog.Any("error", err))
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

// Restart stops the process if needed and starts it again.
func (p *ExecProcess) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}

// StreamLogs calls fn with every output line until ctx is canceled. Only one
// caller should stream at a time.
func (p *ExecProcess) StreamLogs(ctx context.Context, fn func(line string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-p.lines:
			fn(line)
		}
	}
}

// Stop sends SIGTERM and kills the process if it hasn't exited within the stop
// timeout.
func (p *ExecProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	exited := p.exited
	p.mu.Unlock()

	select {
	case <-exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Ctx(ctx).WarnContext(ctx, "failed to signal process", slog.String("process", p.name), slog.Any("error", err))
	}

	t := time.NewTimer(p.stopTimeout)
	defer t.Stop()
	select {
	case <-exited:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	log.Ctx(ctx).WarnContext(ctx, "process did not stop, killing", slog.String("process", p.name))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s: %w", p.name, err)
	}
	<-exited
	return nil
}
