package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"pivot-edge/internal/domain"
	"pivot-edge/internal/infra/tracer"
)

// Discoverer yields candidate compute-node hosts from a network discovery
// mechanism. Implementations are best-effort: an empty result is not an error.
type Discoverer interface {
	Scan(ctx context.Context) ([]string, error)
}

// Config holds resolution settings.
type Config struct {
	// Host is the configured compute-node address; empty means rely on
	// discovery alone.
	Host           string
	CandidatePorts []int
	ProbeTimeout   time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	SubnetScan     bool
	ScanHostLimit  int
	ScanRate       int
}

// Resolver turns a configured or guessed address into a validated, reachable
// endpoint. Strategy order within one attempt: configured host, mDNS
// discovery, subnet scan, operator override. Port order within CandidatePorts
// is a fixed priority; the first port that answers wins.
type Resolver struct {
	prober     domain.Prober
	discoverer Discoverer
	scanner    *subnetScanner
	gate       domain.OperatorGate
	bus        domain.EventBus
	logger     *slog.Logger
	cfg        Config
	limiter    *rate.Limiter
}

// New creates a Resolver. discoverer, gate, and bus may be nil.
func New(prober domain.Prober, discoverer Discoverer, gate domain.OperatorGate, bus domain.EventBus, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.ScanHostLimit <= 0 {
		cfg.ScanHostLimit = 20
	}
	if cfg.ScanRate <= 0 {
		cfg.ScanRate = 10
	}

	var scanner *subnetScanner
	if cfg.SubnetScan {
		scanner = newSubnetScanner(cfg.ScanHostLimit, logger)
	}

	return &Resolver{
		prober:     prober,
		discoverer: discoverer,
		scanner:    scanner,
		gate:       gate,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.ScanRate), cfg.ScanRate),
	}
}

// Resolve runs the full resolution strategy with the configured retry budget
// and linear backoff between attempts. It returns ErrNoEndpointFound once the
// budget is exhausted.
func (r *Resolver) Resolve(ctx context.Context) (domain.Endpoint, error) {
	ctx, span := tracer.StartSpan(ctx, "resolver.resolve",
		trace.WithAttributes(
			tracer.StringAttr("resolver.configured_host", r.cfg.Host),
			tracer.IntAttr("resolver.max_attempts", r.cfg.MaxAttempts),
		),
	)
	defer span.End()

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		ep, ok := r.attempt(ctx)
		if ok {
			r.publishResolved(ctx, ep)
			return ep, nil
		}
		if err := ctx.Err(); err != nil {
			return domain.Endpoint{}, err
		}
		if attempt < r.cfg.MaxAttempts {
			delay := time.Duration(attempt) * r.cfg.BaseDelay
			r.logger.Warn("resolution attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", r.cfg.MaxAttempts,
				"backoff", delay,
			)
			if !sleepCtx(ctx, delay) {
				return domain.Endpoint{}, ctx.Err()
			}
		}
	}

	r.publish(ctx, domain.EventResolutionFailed, map[string]any{
		"attempts": r.cfg.MaxAttempts,
	})
	err := domain.NewDomainError("Resolver.Resolve", domain.ErrNoEndpointFound, "")
	tracer.RecordError(span, err)
	return domain.Endpoint{}, err
}

// ResolveOnce runs a single non-interactive pass: configured host and network
// discovery only, no operator prompt and no retries. Used for background
// re-resolution while the session is degraded.
func (r *Resolver) ResolveOnce(ctx context.Context) (domain.Endpoint, error) {
	if ep, ok := r.probeKnownSources(ctx); ok {
		r.publishResolved(ctx, ep)
		return ep, nil
	}
	if err := ctx.Err(); err != nil {
		return domain.Endpoint{}, err
	}
	return domain.Endpoint{}, domain.NewDomainError("Resolver.ResolveOnce", domain.ErrNoEndpointFound, "")
}

// attempt runs one full pass over all strategies, operator override last.
func (r *Resolver) attempt(ctx context.Context) (domain.Endpoint, bool) {
	if ep, ok := r.probeKnownSources(ctx); ok {
		return ep, true
	}
	if ctx.Err() != nil {
		return domain.Endpoint{}, false
	}

	if r.gate != nil {
		if host, ok := r.gate.ManualHost(ctx); ok && host != "" {
			if port, ok := r.probePorts(ctx, host); ok {
				return r.endpoint(host, port), true
			}
			r.logger.Warn("manually entered host did not answer", "host", host)
		}
	}
	return domain.Endpoint{}, false
}

func (r *Resolver) probeKnownSources(ctx context.Context) (domain.Endpoint, bool) {
	if r.cfg.Host != "" {
		if port, ok := r.probePorts(ctx, r.cfg.Host); ok {
			return r.endpoint(r.cfg.Host, port), true
		}
		r.logger.Debug("configured host unreachable", "host", r.cfg.Host)
	}

	if r.discoverer != nil {
		hosts, err := r.discoverer.Scan(ctx)
		if err != nil {
			r.logger.Debug("discovery scan failed", "error", err)
		}
		if ep, ok := r.probeHosts(ctx, hosts); ok {
			return ep, true
		}
	}

	if r.scanner != nil {
		hosts := r.scanner.CandidateHosts(ctx)
		if ep, ok := r.probeHosts(ctx, hosts); ok {
			return ep, true
		}
	}
	return domain.Endpoint{}, false
}

// probePorts probes host on each candidate port in priority order and returns
// the first that answers.
func (r *Resolver) probePorts(ctx context.Context, host string) (int, bool) {
	for _, port := range r.cfg.CandidatePorts {
		if ctx.Err() != nil {
			return 0, false
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		err := r.prober.ProbeHost(probeCtx, host, port)
		cancel()
		if err == nil {
			return port, true
		}
		r.logger.Debug("probe failed", "host", host, "port", port, "code", domain.ErrorCodeOf(err))
	}
	return 0, false
}

// probeHosts probes the candidate hosts concurrently, rate-limited, and picks
// the first answering host in slice order so the result is deterministic.
func (r *Resolver) probeHosts(ctx context.Context, hosts []string) (domain.Endpoint, bool) {
	if len(hosts) == 0 {
		return domain.Endpoint{}, false
	}

	results := make([]int, len(hosts))
	done := make(chan int, len(hosts))
	for i, host := range hosts {
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}
		go func(i int, host string) {
			port, ok := r.probePorts(ctx, host)
			if ok {
				results[i] = port
			}
			done <- i
		}(i, host)
	}
	for range hosts {
		select {
		case <-done:
		case <-ctx.Done():
			return domain.Endpoint{}, false
		}
	}

	for i, port := range results {
		if port != 0 {
			return r.endpoint(hosts[i], port), true
		}
	}
	return domain.Endpoint{}, false
}

func (r *Resolver) endpoint(host string, port int) domain.Endpoint {
	ports := make([]int, len(r.cfg.CandidatePorts))
	copy(ports, r.cfg.CandidatePorts)
	return domain.Endpoint{
		Host:           host,
		CandidatePorts: ports,
		SelectedPort:   port,
		Protocol:       domain.ProtocolHTTP,
	}
}

func (r *Resolver) publishResolved(ctx context.Context, ep domain.Endpoint) {
	r.logger.Info("compute endpoint resolved", "host", ep.Host, "port", ep.SelectedPort)
	r.publish(ctx, domain.EventEndpointResolved, map[string]any{
		"host": ep.Host,
		"port": ep.SelectedPort,
	})
}

func (r *Resolver) publish(ctx context.Context, eventType domain.EventType, detail map[string]any) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(detail)
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ domain.EndpointResolver = (*Resolver)(nil)
