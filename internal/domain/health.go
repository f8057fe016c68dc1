package domain

import (
	"context"
	"time"
)

// HealthStatus is the monitor's view of the compute node.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "unknown"
	HealthUp      HealthStatus = "up"
	HealthDown    HealthStatus = "down"
)

// HealthState is a snapshot of the monitor's probe state.
// ConsecutiveFailures resets to 0 on any successful probe.
type HealthState struct {
	Status              HealthStatus `json:"status"`
	LastChecked         time.Time    `json:"last_checked"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// HealthTransition is emitted only when Status actually changes, so
// subscribers do not react to every probe tick.
type HealthTransition struct {
	From  HealthStatus `json:"from"`
	To    HealthStatus `json:"to"`
	State HealthState  `json:"state"`
	At    time.Time    `json:"at"`
}

// HealthMonitor runs a periodic readiness probe loop against one endpoint.
// Probe errors are absorbed into state and never surface per-probe; the loop
// keeps probing until Stop is called or ctx is cancelled.
type HealthMonitor interface {
	// Start launches the probe loop. The first probe fires immediately.
	Start(ctx context.Context) error

	// Transitions returns the ordered stream of status changes. The channel
	// is closed after Stop.
	Transitions() <-chan HealthTransition

	// CurrentState returns a snapshot of the latest probe state.
	CurrentState() HealthState

	// Stop cancels the probe loop and closes the transition channel.
	// Stop is idempotent.
	Stop()
}
