package domain

import "time"

// SessionMode is the single source of truth for what the rest of the system
// may assume about compute-node connectivity.
type SessionMode string

const (
	ModeConnected    SessionMode = "connected"
	ModeDegraded     SessionMode = "degraded"
	ModeShuttingDown SessionMode = "shutting_down"
)

// Session is the aggregate root owned exclusively by the coordinator.
// Other components receive copies or handles, never mutation access.
type Session struct {
	ID        string            `json:"id"`
	Endpoint  Endpoint          `json:"endpoint"`
	Health    HealthState       `json:"health"`
	Process   SupervisedProcess `json:"process"`
	Mode      SessionMode       `json:"mode"`
	StartedAt time.Time         `json:"started_at"`
}
