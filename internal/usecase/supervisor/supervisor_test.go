package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"pivot-edge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor() *Supervisor {
	return New(Config{}, nil, discardLogger())
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh and POSIX signals")
	}
}

func TestLaunchEmptyCommand(t *testing.T) {
	s := newTestSupervisor()
	_, err := s.Launch(context.Background(), domain.LaunchSpec{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("want ErrInvalidInput, got %v", err)
	}
}

func TestLaunchMissingBinary(t *testing.T) {
	s := newTestSupervisor()
	_, err := s.Launch(context.Background(), domain.LaunchSpec{Command: "/nonexistent/assistant-binary"})
	if !errors.Is(err, domain.ErrSpawnFailed) {
		t.Errorf("want ErrSpawnFailed, got %v", err)
	}
	if s.IsAlive() {
		t.Error("failed launch must not leave the record running")
	}
}

func TestLaunchAndStatus(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor()

	proc, err := s.Launch(context.Background(), domain.LaunchSpec{Command: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	defer s.Terminate(context.Background(), time.Second)

	if proc.ID == "" {
		t.Error("process ID must be set")
	}
	if proc.State != domain.ProcessRunning {
		t.Errorf("state = %s, want running", proc.State)
	}
	if !s.IsAlive() {
		t.Error("IsAlive() = false for a running process")
	}

	if _, err := s.Launch(context.Background(), domain.LaunchSpec{Command: "sleep", Args: []string{"10"}}); err == nil {
		t.Error("second Launch while running must fail")
	}
}

func TestTerminateGraceful(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor()

	if _, err := s.Launch(context.Background(), domain.LaunchSpec{Command: "sleep", Args: []string{"10"}}); err != nil {
		t.Fatal(err)
	}

	if err := s.Terminate(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("graceful terminate returned error: %v", err)
	}

	status := s.Status()
	if status.State != domain.ProcessExited {
		t.Errorf("state = %s, want exited", status.State)
	}
	if status.EndedAt == nil {
		t.Error("EndedAt not set")
	}

	// A deliberate stop must not show up as an unexpected exit.
	select {
	case ex := <-s.Exits():
		t.Errorf("unexpected exit notification: %+v", ex)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTerminateForceKill(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor()

	// Ignore SIGINT so the grace period expires.
	spec := domain.LaunchSpec{Command: "sh", Args: []string{"-c", `trap "" INT; sleep 30`}}
	if _, err := s.Launch(context.Background(), spec); err != nil {
		t.Fatal(err)
	}

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	err := s.Terminate(context.Background(), 200*time.Millisecond)
	if !errors.Is(err, domain.ErrTerminationForced) {
		t.Fatalf("want ErrTerminationForced, got %v", err)
	}
	if st := s.Status().State; st != domain.ProcessKilled {
		t.Errorf("state = %s, want killed", st)
	}
}

func TestTerminateNotRunning(t *testing.T) {
	s := newTestSupervisor()
	if err := s.Terminate(context.Background(), time.Second); err != nil {
		t.Errorf("terminating a never-started supervisor should be a no-op, got %v", err)
	}
}

func TestUnexpectedExitNotification(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor()

	spec := domain.LaunchSpec{Command: "sh", Args: []string{"-c", "exit 3"}}
	if _, err := s.Launch(context.Background(), spec); err != nil {
		t.Fatal(err)
	}

	select {
	case ex := <-s.Exits():
		if ex.Process.State != domain.ProcessExited {
			t.Errorf("state = %s", ex.Process.State)
		}
		if ex.Process.ExitCode == nil || *ex.Process.ExitCode != 3 {
			t.Errorf("exit code = %v, want 3", ex.Process.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no exit notification")
	}

	if s.IsAlive() {
		t.Error("IsAlive() after exit")
	}
}

func TestOutputCapture(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor()

	spec := domain.LaunchSpec{Command: "sh", Args: []string{"-c", "echo hello-out; echo hello-err 1>&2"}}
	if _, err := s.Launch(context.Background(), spec); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Exits():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}

	stdout, stderr := s.Output()
	if stdout != "hello-out\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "hello-err\n" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRelaunchAfterExit(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor()

	if _, err := s.Launch(context.Background(), domain.LaunchSpec{Command: "true"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Exits():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}

	proc, err := s.Launch(context.Background(), domain.LaunchSpec{Command: "sleep", Args: []string{"5"}})
	if err != nil {
		t.Fatalf("relaunch failed: %v", err)
	}
	if proc.State != domain.ProcessRunning {
		t.Errorf("state = %s", proc.State)
	}
	s.Terminate(context.Background(), time.Second)
}
