package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"pivot-edge/internal/domain"
)

// State is the coordinator's position in its lifecycle state machine:
// INITIALIZING -> RESOLVING -> {CONNECTED, DEGRADED} -> SHUTTING_DOWN -> TERMINATED.
type State string

const (
	StateInitializing State = "initializing"
	StateResolving    State = "resolving"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
)

// inboxBuffer sizes the single ordered channel all producer events flow
// through before the control loop drains them.
const inboxBuffer = 32

// MonitorFactory builds a health monitor for a freshly resolved endpoint.
// The coordinator creates a new monitor whenever the endpoint changes.
type MonitorFactory func(ep domain.Endpoint) domain.HealthMonitor

// Config holds coordinator settings.
type Config struct {
	Launch      domain.LaunchSpec
	GracePeriod time.Duration
	// ReresolveInterval is the slower cadence for background re-resolution
	// while the session is degraded.
	ReresolveInterval time.Duration
	// InitialHealthWait bounds how long the coordinator waits for the first
	// probe reading before falling back to degraded mode.
	InitialHealthWait time.Duration
}

// inboxMsg is the envelope for everything producers feed into the control
// loop. Exactly one field is set.
type inboxMsg struct {
	health   *domain.HealthTransition
	exit     *domain.ProcessExit
	endpoint *domain.Endpoint
}

// Coordinator ties resolution, health monitoring, and process supervision
// together. It is the sole writer of Session.mode: producers publish into a
// single ordered inbox that the control loop drains sequentially, so mode
// transitions are strictly serialized even though producers run concurrently.
// The coordinator never talks to the network directly.
type Coordinator struct {
	resolver   domain.EndpointResolver
	newMonitor MonitorFactory
	sup        domain.Supervisor
	gate       domain.OperatorGate
	bus        domain.EventBus
	logger     *slog.Logger
	cfg        Config

	// mu guards session and state for external readers; only the control
	// loop mutates them.
	mu      sync.RWMutex
	session domain.Session
	state   State

	monitor domain.HealthMonitor

	inbox      chan inboxMsg
	stopped    chan struct{} // closed when the control loop exits; releases forwarders
	reresolves atomic.Bool   // single-flight guard for background re-resolution
}

// New creates a Coordinator. gate and bus may be nil; a nil gate declines the
// degraded-mode confirmation.
func New(resolver domain.EndpointResolver, newMonitor MonitorFactory, sup domain.Supervisor, gate domain.OperatorGate, bus domain.EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.ReresolveInterval <= 0 {
		cfg.ReresolveInterval = 30 * time.Second
	}
	if cfg.InitialHealthWait <= 0 {
		cfg.InitialHealthWait = 5 * time.Second
	}
	return &Coordinator{
		resolver:   resolver,
		newMonitor: newMonitor,
		sup:        sup,
		gate:       gate,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
		state:      StateInitializing,
		inbox:      make(chan inboxMsg, inboxBuffer),
		stopped:    make(chan struct{}),
	}
}

// Session returns a copy of the session aggregate.
func (c *Coordinator) Session() domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// StateNow returns the coordinator's current lifecycle state.
func (c *Coordinator) StateNow() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// updateSession applies a mutation to the session aggregate under the lock.
func (c *Coordinator) updateSession(mutate func(*domain.Session)) {
	c.mu.Lock()
	mutate(&c.session)
	c.mu.Unlock()
}

// Run executes the coordinator until ctx is cancelled, the local process
// exits unexpectedly, or the operator declines degraded mode. It always
// reaches TERMINATED before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	c.updateSession(func(s *domain.Session) {
		*s = domain.Session{
			ID:        newSessionID(),
			Health:    domain.HealthState{Status: domain.HealthUnknown},
			Process:   domain.SupervisedProcess{State: domain.ProcessNotStarted},
			StartedAt: time.Now(),
		}
	})
	c.publish(ctx, domain.EventSessionStarted, c.Session())
	defer close(c.stopped)

	// Phase 1: acquire an endpoint.
	c.setState(ctx, StateResolving)
	ep, err := c.resolver.Resolve(ctx)
	switch {
	case ctx.Err() != nil:
		// Signal arrived mid-resolution; nothing started yet.
		c.setState(ctx, StateShuttingDown)
		c.setState(ctx, StateTerminated)
		return nil
	case err != nil:
		if c.gate == nil || !c.gate.ConfirmDegraded(ctx) {
			if ctx.Err() != nil {
				// Signal arrived while the prompt was open; this is a
				// shutdown, not an operator declination.
				c.setState(ctx, StateShuttingDown)
				c.setState(ctx, StateTerminated)
				return nil
			}
			c.logger.Info("operator declined degraded mode, shutting down")
			c.setState(ctx, StateShuttingDown)
			c.setState(ctx, StateTerminated)
			return domain.NewDomainError("Coordinator.Run", domain.ErrUserCancelled, "no compute endpoint")
		}
		c.logger.Warn("no compute endpoint, continuing with local capabilities only")
	default:
		c.updateSession(func(s *domain.Session) { s.Endpoint = ep })
		if err := c.startMonitor(ctx, ep); err != nil {
			return c.shutdown(ctx, err)
		}
	}

	// Phase 2: decide the initial mode from the first probe reading.
	if c.monitor != nil {
		up, err := c.awaitInitialHealth(ctx)
		if err != nil {
			// Signal arrived during the wait; tear down without launching.
			return c.shutdown(ctx, nil)
		}
		if up {
			c.setState(ctx, StateConnected)
		} else {
			c.setState(ctx, StateDegraded)
		}
	} else {
		c.setState(ctx, StateDegraded)
	}

	// Phase 3: start the local process only once the mode is decided. A
	// signal that already arrived wins over the launch.
	if ctx.Err() != nil {
		return c.shutdown(ctx, nil)
	}
	proc, err := c.sup.Launch(ctx, c.cfg.Launch)
	if err != nil {
		c.logger.Error("cannot start local assistant process", "error", err)
		return c.shutdown(ctx, err)
	}
	c.updateSession(func(s *domain.Session) { s.Process = *proc })
	go c.forwardExits()

	// Phase 4: control loop.
	ticker := time.NewTicker(c.cfg.ReresolveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(ctx, nil)
		case msg := <-c.inbox:
			if done, err := c.handle(ctx, msg); done {
				return err
			}
		case <-ticker.C:
			if c.StateNow() == StateDegraded {
				c.backgroundReresolve(ctx)
			}
		}
	}
}

// handle processes one inbox message. Returns done=true when the coordinator
// has fully shut down.
func (c *Coordinator) handle(ctx context.Context, msg inboxMsg) (bool, error) {
	switch {
	case msg.health != nil:
		t := *msg.health
		c.updateSession(func(s *domain.Session) { s.Health = t.State })
		switch {
		case t.To == domain.HealthUp && c.StateNow() == StateDegraded:
			c.setState(ctx, StateConnected)
		case t.To == domain.HealthDown && c.StateNow() == StateConnected:
			// Remote capability lost; the local process is untouched.
			c.setState(ctx, StateDegraded)
		}
		return false, nil

	case msg.exit != nil:
		stdout, stderr := c.sup.Output()
		c.logger.Error("local assistant process exited unexpectedly, shutting down",
			"process_id", msg.exit.Process.ID,
			"stdout_tail", outputTail(stdout),
			"stderr_tail", outputTail(stderr),
		)
		c.updateSession(func(s *domain.Session) { s.Process = msg.exit.Process })
		err := c.shutdown(ctx, domain.NewDomainError("Coordinator.Run", domain.ErrNotRunning, "assistant process exited unexpectedly"))
		return true, err

	case msg.endpoint != nil:
		c.adoptEndpoint(ctx, *msg.endpoint)
		return false, nil
	}
	return false, nil
}

// adoptEndpoint swaps in a re-resolved endpoint unless it matches the one
// already being monitored.
func (c *Coordinator) adoptEndpoint(ctx context.Context, ep domain.Endpoint) {
	if c.monitor != nil {
		if c.Session().Endpoint.Equal(ep) {
			return
		}
		c.monitor.Stop()
	}
	c.logger.Info("adopting re-resolved endpoint", "host", ep.Host, "port", ep.SelectedPort)
	c.updateSession(func(s *domain.Session) {
		s.Endpoint = ep
		s.Health = domain.HealthState{Status: domain.HealthUnknown}
	})
	if err := c.startMonitor(ctx, ep); err != nil {
		c.logger.Error("failed to start monitor for re-resolved endpoint", "error", err)
	}
}

// startMonitor creates and starts a monitor for ep and forwards its
// transitions into the inbox.
func (c *Coordinator) startMonitor(ctx context.Context, ep domain.Endpoint) error {
	m := c.newMonitor(ep)
	if err := m.Start(ctx); err != nil {
		return domain.WrapOp("Coordinator.startMonitor", err)
	}
	c.monitor = m

	go func() {
		for t := range m.Transitions() {
			select {
			case c.inbox <- inboxMsg{health: &t}:
			case <-c.stopped:
				return
			}
		}
	}()
	return nil
}

// forwardExits pumps unexpected-exit notifications into the inbox.
func (c *Coordinator) forwardExits() {
	for {
		select {
		case ex := <-c.sup.Exits():
			select {
			case c.inbox <- inboxMsg{exit: &ex}:
			case <-c.stopped:
				return
			}
		case <-c.stopped:
			return
		}
	}
}

// awaitInitialHealth waits for the first probe reading. Returns true if the
// endpoint came up; a non-nil error means ctx was cancelled before a reading
// arrived, which the caller must treat as shutdown, not as a down reading.
func (c *Coordinator) awaitInitialHealth(ctx context.Context) (bool, error) {
	timer := time.NewTimer(c.cfg.InitialHealthWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case msg := <-c.inbox:
			if msg.health == nil {
				continue
			}
			c.updateSession(func(s *domain.Session) { s.Health = msg.health.State })
			return msg.health.To == domain.HealthUp, nil
		}
	}
}

// backgroundReresolve runs one non-interactive resolution pass off the
// control loop. Single-flight: a pass still in progress is not stacked.
func (c *Coordinator) backgroundReresolve(ctx context.Context) {
	if !c.reresolves.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.reresolves.Store(false)
		ep, err := c.resolver.ResolveOnce(ctx)
		if err != nil {
			c.logger.Debug("background re-resolution found nothing")
			return
		}
		select {
		case c.inbox <- inboxMsg{endpoint: &ep}:
		case <-c.stopped:
		}
	}()
}

// shutdown tears the session down: the local process is terminated first,
// then the health monitor is stopped. Termination errors are logged but never
// prevent reaching TERMINATED. Returns cause.
func (c *Coordinator) shutdown(ctx context.Context, cause error) error {
	c.setState(ctx, StateShuttingDown)

	termCtx, cancel := context.WithTimeout(context.Background(), c.cfg.GracePeriod+10*time.Second)
	defer cancel()
	if err := c.sup.Terminate(termCtx, c.cfg.GracePeriod); err != nil {
		switch {
		case errors.Is(err, domain.ErrTerminationForced):
			c.logger.Warn("assistant process did not exit gracefully, force-killed")
		case errors.Is(err, domain.ErrTerminationUnresponsive):
			c.logger.Error("assistant process unresponsive to kill")
		default:
			c.logger.Error("terminate failed", "error", err)
		}
	}
	c.updateSession(func(s *domain.Session) { s.Process = c.sup.Status() })

	if c.monitor != nil {
		// Process teardown happens before the probe loop is cancelled, so a
		// final health read here is still consistent.
		c.updateSession(func(s *domain.Session) { s.Health = c.monitor.CurrentState() })
		c.monitor.Stop()
	}

	c.setState(ctx, StateTerminated)
	c.publish(ctx, domain.EventSessionFinished, c.Session())
	return cause
}

// setState advances the state machine and keeps Session.mode in sync. The
// control loop is the only caller, so transitions are strictly serialized.
func (c *Coordinator) setState(ctx context.Context, next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = next
	c.session.Mode = sessionMode(next)
	sessionID := c.session.ID
	c.mu.Unlock()

	c.logger.Info("coordinator state change", "from", string(prev), "to", string(next))
	payload, _ := json.Marshal(map[string]string{"from": string(prev), "to": string(next)})
	if c.bus != nil {
		c.bus.Publish(ctx, domain.Event{
			Type:      domain.EventModeChanged,
			Timestamp: time.Now(),
			SessionID: sessionID,
			Payload:   payload,
		})
	}
}

// sessionMode maps a lifecycle state to the externally visible session mode.
// Mode stays unset until the connected/degraded decision is made.
func sessionMode(s State) domain.SessionMode {
	switch s {
	case StateConnected:
		return domain.ModeConnected
	case StateDegraded:
		return domain.ModeDegraded
	case StateShuttingDown, StateTerminated:
		return domain.ModeShuttingDown
	default:
		return ""
	}
}

func (c *Coordinator) publish(ctx context.Context, eventType domain.EventType, payload any) {
	if c.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	c.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: c.Session().ID,
		Payload:   data,
	})
}

// outputTailMax bounds how much buffered process output is attached to the
// crash log record.
const outputTailMax = 2048

func outputTail(s string) string {
	if len(s) <= outputTailMax {
		return s
	}
	return s[len(s)-outputTailMax:]
}

func newSessionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
