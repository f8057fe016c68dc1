package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"pivot-edge/internal/domain"
)

// killWait is the hard bound on waiting for a force-killed process to be
// reaped before reporting it unresponsive.
const killWait = 3 * time.Second

// Config holds supervisor settings.
type Config struct {
	// OutputBufferMax is the max bytes of process output buffered per stream.
	OutputBufferMax int
}

// Supervisor starts, tracks, and stops the local assistant process. It owns
// the process record exclusively; the coordinator requests start/stop through
// the interface and receives copies.
type Supervisor struct {
	cfg    Config
	bus    domain.EventBus
	logger *slog.Logger

	mu       sync.Mutex
	record   domain.SupervisedProcess
	cmd      *exec.Cmd
	stdout   *ringBuffer
	stderr   *ringBuffer
	stopping bool // Terminate in progress: suppress the unexpected-exit path
	forced   bool // force-kill was issued

	done  chan struct{}
	exits chan domain.ProcessExit
}

// New creates a Supervisor. bus may be nil.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1024 * 1024
	}
	return &Supervisor{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		record: domain.SupervisedProcess{State: domain.ProcessNotStarted},
		exits:  make(chan domain.ProcessExit, 1),
	}
}

// Launch starts the assistant process and immediately transitions the record
// to running. Fails with ErrSpawnFailed if the process cannot be created.
func (s *Supervisor) Launch(ctx context.Context, spec domain.LaunchSpec) (*domain.SupervisedProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record.State == domain.ProcessRunning {
		return nil, domain.NewDomainError("Supervisor.Launch", domain.ErrInvalidInput, "process already running")
	}
	if spec.Command == "" {
		return nil, domain.NewDomainError("Supervisor.Launch", domain.ErrInvalidInput, "empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir

	stdoutBuf := newRingBuffer(s.cfg.OutputBufferMax)
	stderrBuf := newRingBuffer(s.cfg.OutputBufferMax)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, domain.NewDomainError("Supervisor.Launch", domain.ErrSpawnFailed, err.Error())
	}

	s.record = domain.SupervisedProcess{
		ID:        newID(),
		Command:   spec.Command,
		State:     domain.ProcessRunning,
		StartedAt: time.Now(),
	}
	s.cmd = cmd
	s.stdout = stdoutBuf
	s.stderr = stderrBuf
	s.stopping = false
	s.forced = false
	s.done = make(chan struct{})

	go s.waitForExit(s.cmd, s.done)

	record := s.record
	s.publish(ctx, domain.EventProcessStarted, record)
	s.logger.Info("assistant process started", "process_id", record.ID, "command", spec.Command, "pid", cmd.Process.Pid)

	return &record, nil
}

// IsAlive reports whether the process is currently running.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.State == domain.ProcessRunning
}

// Status returns a copy of the current process record.
func (s *Supervisor) Status() domain.SupervisedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Output returns the buffered stdout and stderr of the current process.
func (s *Supervisor) Output() (stdout, stderr string) {
	s.mu.Lock()
	outBuf, errBuf := s.stdout, s.stderr
	s.mu.Unlock()

	if outBuf != nil {
		stdout = outBuf.String()
	}
	if errBuf != nil {
		stderr = errBuf.String()
	}
	return stdout, stderr
}

// Exits returns the unexpected-exit notification channel. Deliberate stops
// via Terminate are not reported here.
func (s *Supervisor) Exits() <-chan domain.ProcessExit {
	return s.exits
}

// Terminate requests graceful shutdown, waits up to grace, and force-kills if
// the process has not exited. Terminating an already-stopped process is a
// no-op. A forced kill returns ErrTerminationForced (a warning, not a
// failure); ErrTerminationUnresponsive means even the kill did not take
// within the hard bound.
func (s *Supervisor) Terminate(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	if s.record.State != domain.ProcessRunning || s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	// Mark before signalling so waitForExit treats the exit as deliberate.
	s.stopping = true
	cmd := s.cmd
	done := s.done
	id := s.record.ID
	s.mu.Unlock()

	s.logger.Info("terminating assistant process", "process_id", id, "grace", grace)
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("interrupt signal failed, escalating to kill", "process_id", id, "error", err)
		grace = 0
	}

	select {
	case <-done:
		s.publish(ctx, domain.EventProcessKilled, s.Status())
		return nil
	case <-time.After(grace):
	}

	// Grace expired: force kill.
	s.mu.Lock()
	s.forced = true
	s.mu.Unlock()

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("kill failed", "process_id", id, "error", err)
	}

	select {
	case <-done:
		s.publish(ctx, domain.EventProcessKilled, s.Status())
		return domain.NewDomainError("Supervisor.Terminate", domain.ErrTerminationForced, id)
	case <-time.After(killWait):
		return domain.NewDomainError("Supervisor.Terminate", domain.ErrTerminationUnresponsive, id)
	}
}

// waitForExit reaps the process and classifies the exit. Deliberate stops
// (Terminate in progress) update the record silently; anything else is an
// unexpected exit and is reported on the Exits channel.
func (s *Supervisor) waitForExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	now := time.Now()
	s.record.EndedAt = &now
	if s.forced {
		s.record.State = domain.ProcessKilled
	} else {
		s.record.State = domain.ProcessExited
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		s.record.ExitCode = &code
	} else if err == nil {
		code := 0
		s.record.ExitCode = &code
	}
	unexpected := !s.stopping
	record := s.record
	stdoutBytes := s.stdout.TotalWritten()
	stderrBytes := s.stderr.TotalWritten()
	s.mu.Unlock()

	close(done)

	if unexpected {
		s.logger.Warn("assistant process exited unexpectedly",
			"process_id", record.ID,
			"exit_code", exitCodeString(record.ExitCode),
			"stdout_bytes", stdoutBytes,
			"stderr_bytes", stderrBytes,
			"error", err,
		)
		s.publish(context.Background(), domain.EventProcessExited, record)
		select {
		case s.exits <- domain.ProcessExit{Process: record, Err: err}:
		default:
			// Channel already holds an undelivered exit; drop rather than block.
		}
		return
	}

	s.logger.Info("assistant process stopped", "process_id", record.ID, "state", record.State)
}

func (s *Supervisor) publish(ctx context.Context, eventType domain.EventType, record domain.SupervisedProcess) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(record)
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func exitCodeString(code *int) string {
	if code == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *code)
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

var _ domain.Supervisor = (*Supervisor)(nil)
