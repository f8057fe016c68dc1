package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pivot-edge/internal/domain"
)

// transitionBuffer bounds how many undelivered transitions the monitor holds.
// Transitions are rare (only actual status changes), so a small buffer keeps
// the probe loop from ever blocking on a slow consumer in practice.
const transitionBuffer = 16

// Config holds monitor settings.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// DownThreshold is the number of consecutive probe failures required
	// before status flips to down. 1 flips on a single miss; higher values
	// absorb transient blips.
	DownThreshold int
}

// Monitor runs a periodic readiness probe loop against one endpoint and
// reports liveness transitions. Probe errors are converted into state and
// never surface per-probe; the loop runs until Stop or context cancellation.
type Monitor struct {
	prober   domain.Prober
	endpoint domain.Endpoint
	cfg      Config
	bus      domain.EventBus
	logger   *slog.Logger

	mu    sync.Mutex
	state domain.HealthState

	transitions chan domain.HealthTransition
	cancel      context.CancelFunc
	done        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewMonitor creates a monitor for ep. bus may be nil.
func NewMonitor(prober domain.Prober, ep domain.Endpoint, cfg Config, bus domain.EventBus, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.DownThreshold < 1 {
		cfg.DownThreshold = 1
	}
	return &Monitor{
		prober:      prober,
		endpoint:    ep,
		cfg:         cfg,
		bus:         bus,
		logger:      logger,
		state:       domain.HealthState{Status: domain.HealthUnknown},
		transitions: make(chan domain.HealthTransition, transitionBuffer),
		done:        make(chan struct{}),
	}
}

// Start launches the probe loop. The first probe fires immediately so the
// coordinator gets an initial reading without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.endpoint.Resolved() {
		return domain.NewDomainError("Monitor.Start", domain.ErrInvalidInput, "endpoint not resolved")
	}

	var started bool
	m.startOnce.Do(func() {
		started = true
		loopCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		go m.loop(loopCtx)
	})
	if !started {
		return domain.NewDomainError("Monitor.Start", domain.ErrInvalidInput, "monitor already started")
	}
	return nil
}

// Transitions returns the ordered stream of status changes. Closed after Stop.
func (m *Monitor) Transitions() <-chan domain.HealthTransition {
	return m.transitions
}

// CurrentState returns a snapshot of the latest probe state.
func (m *Monitor) CurrentState() domain.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint returns the endpoint this monitor probes.
func (m *Monitor) Endpoint() domain.Endpoint {
	return m.endpoint
}

// Stop cancels the probe loop and closes the transition channel. Idempotent.
// Safe to call even if Start was never called.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		close(m.transitions)
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe runs one readiness check and folds the result into state. Emits a
// transition only when status actually changes.
func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Probe(probeCtx, m.endpoint)
	cancel()

	if ctx.Err() != nil {
		// Shutdown race: a probe aborted by loop cancellation is not a
		// health observation.
		return
	}

	now := time.Now()

	m.mu.Lock()
	prev := m.state.Status
	m.state.LastChecked = now
	if err == nil {
		m.state.ConsecutiveFailures = 0
		m.state.Status = domain.HealthUp
	} else {
		m.state.ConsecutiveFailures++
		if m.state.ConsecutiveFailures >= m.cfg.DownThreshold {
			m.state.Status = domain.HealthDown
		}
	}
	next := m.state.Status
	snapshot := m.state
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("health probe failed",
			"endpoint", m.endpoint.Address(),
			"code", domain.ErrorCodeOf(err),
			"consecutive_failures", snapshot.ConsecutiveFailures,
		)
	}

	if next == prev {
		return
	}

	t := domain.HealthTransition{From: prev, To: next, State: snapshot, At: now}
	select {
	case m.transitions <- t:
	case <-ctx.Done():
		return
	}

	switch next {
	case domain.HealthUp:
		m.logger.Info("compute node up", "endpoint", m.endpoint.Address())
		m.publish(ctx, domain.EventHealthUp, t)
	case domain.HealthDown:
		m.logger.Warn("compute node down",
			"endpoint", m.endpoint.Address(),
			"consecutive_failures", snapshot.ConsecutiveFailures,
		)
		m.publish(ctx, domain.EventHealthDown, t)
	}
}

func (m *Monitor) publish(ctx context.Context, eventType domain.EventType, t domain.HealthTransition) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		m.logger.Error("failed to marshal health transition", "error", fmt.Sprint(err))
		return
	}
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: t.At,
		Payload:   payload,
	})
}

var _ domain.HealthMonitor = (*Monitor)(nil)
