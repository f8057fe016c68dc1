package domain

import (
	"context"
	"time"
)

// ProcessState tracks the lifecycle of the supervised local process.
type ProcessState string

const (
	ProcessNotStarted ProcessState = "not_started"
	ProcessRunning    ProcessState = "running"
	ProcessExited     ProcessState = "exited"
	ProcessKilled     ProcessState = "killed"
)

// LaunchSpec is the opaque descriptor for the local assistant process.
type LaunchSpec struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args,omitempty"`
	WorkDir string   `yaml:"work_dir" json:"work_dir,omitempty"`
}

// SupervisedProcess is the supervisor-owned record of the local process.
// The coordinator reads copies of it and requests start/stop through the
// Supervisor interface; it never mutates the record directly.
type SupervisedProcess struct {
	ID        string       `json:"id"`
	Command   string       `json:"command"`
	State     ProcessState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
}

// ProcessExit is the passive "exited unexpectedly" notification. It is sent
// only for exits the supervisor did not initiate, so the coordinator can
// distinguish a crash from a deliberate stop.
type ProcessExit struct {
	Process SupervisedProcess `json:"process"`
	Err     error             `json:"-"`
}

// Supervisor starts, tracks, and stops the local long-running process.
type Supervisor interface {
	// Launch starts the process and transitions the record to running.
	// Fails with ErrSpawnFailed if the process cannot be created.
	Launch(ctx context.Context, spec LaunchSpec) (*SupervisedProcess, error)

	// IsAlive reports whether the process is currently running.
	IsAlive() bool

	// Status returns a copy of the current process record.
	Status() SupervisedProcess

	// Output returns the buffered stdout and stderr tails of the current
	// process, for surfacing after a crash.
	Output() (stdout, stderr string)

	// Terminate requests graceful shutdown (interrupt), waits up to grace,
	// and force-kills if the process has not exited. A forced kill returns
	// an error wrapping ErrTerminationForced for observability but still
	// reaches a terminal state; ErrTerminationUnresponsive means even the
	// kill did not take effect within the hard bound.
	Terminate(ctx context.Context, grace time.Duration) error

	// Exits returns the unexpected-exit notification channel.
	Exits() <-chan ProcessExit
}
