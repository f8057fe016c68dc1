package compute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"pivot-edge/internal/domain"
	"pivot-edge/internal/infra/config"
	"pivot-edge/internal/infra/tracer"
)

// healthPath is the well-known readiness path exposed by the compute node.
// It answers 200 only when the inference capability is ready to accept work.
const healthPath = "/health"

// identityKeywords are matched against the root page of a candidate host so a
// subnet scan does not mistake an unrelated HTTP server for the compute node.
var identityKeywords = []string{"pivot", "npu", "voice", "assistant", "server"}

// maxProbeBody bounds how much of a probe response is read for sniffing.
const maxProbeBody = 4096

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// Client talks to the compute node over HTTP: readiness probes during
// resolution and monitoring, and opaque inference offload for the assistant.
// Offload calls are routed through a circuit breaker so a flapping compute
// node fails fast instead of queueing retries.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// NewClient creates a compute-node client. Zero-valued breaker settings fall
// back to defaults.
func NewClient(cfg config.BreakerConfig, logger *slog.Logger) *Client {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := time.Duration(cfg.Timeout)
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := time.Duration(cfg.Interval)
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "compute",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		httpClient: &http.Client{Transport: newPooledTransport()},
		breaker:    cb,
		logger:     logger,
	}
}

// newPooledTransport returns an http.Transport tuned for a single LAN host
// probed frequently: few connections, kept alive between probes.
func newPooledTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
}

// ProbeHost checks whether a compute node answers on host:port. It tries the
// readiness path first and falls back to the root page, where the response
// body must carry a server identity keyword. Callers bound the attempt via ctx.
func (c *Client) ProbeHost(ctx context.Context, host string, port int) error {
	base := fmt.Sprintf("http://%s:%d", host, port)

	status, _, err := c.get(ctx, base+healthPath)
	if err == nil && status == http.StatusOK {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		// Don't burn the remaining deadline on the fallback path.
		return classifyProbeErr("Client.ProbeHost", err)
	}

	status, body, rootErr := c.get(ctx, base+"/")
	if rootErr != nil {
		if err != nil {
			return classifyProbeErr("Client.ProbeHost", err)
		}
		return classifyProbeErr("Client.ProbeHost", rootErr)
	}
	if status == http.StatusOK && containsIdentity(body) {
		return nil
	}
	return domain.NewDomainError("Client.ProbeHost", domain.ErrProbeRefused,
		fmt.Sprintf("%s answered HTTP %d without server identity", base, status))
}

// Probe checks the readiness of a resolved endpoint.
func (c *Client) Probe(ctx context.Context, ep domain.Endpoint) error {
	return c.ProbeHost(ctx, ep.Host, ep.SelectedPort)
}

// Offload POSTs an opaque payload to the compute node and returns the raw
// response body. The payload schema is owned by the caller; the client only
// moves bytes. Calls go through the circuit breaker.
func (c *Client) Offload(ctx context.Context, ep domain.Endpoint, path string, payload []byte) ([]byte, error) {
	if !ep.Resolved() {
		return nil, domain.NewDomainError("Client.Offload", domain.ErrNoEndpointFound, "endpoint not resolved")
	}

	ctx, span := tracer.StartSpan(ctx, "compute.offload",
		trace.WithAttributes(
			tracer.StringAttr("compute.endpoint", ep.Address()),
			tracer.StringAttr("compute.path", path),
		),
	)
	defer span.End()

	resp, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, ep.BaseURL()+path, payload)
	})
	if err != nil {
		tracer.RecordError(span, err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("compute circuit open: %w", err)
		}
		return nil, err
	}
	return resp, nil
}

// BreakerState returns the current circuit breaker state for monitoring.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *Client) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("compute node returned HTTP %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func containsIdentity(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, kw := range identityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// classifyProbeErr maps transport errors into the probe error taxonomy:
// timeout, connection refused, or DNS failure.
func classifyProbeErr(op string, err error) error {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewDomainError(op, domain.ErrProbeTimeout, err.Error())
	case errors.As(err, &dnsErr):
		return domain.NewDomainError(op, domain.ErrProbeDNS, dnsErr.Error())
	case errors.Is(err, syscall.ECONNREFUSED):
		return domain.NewDomainError(op, domain.ErrProbeRefused, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewDomainError(op, domain.ErrProbeTimeout, netErr.Error())
	}
	// Connection reset, no route to host, etc. all count as refused for the
	// monitor's purposes: the node is not accepting work.
	return domain.NewDomainError(op, domain.ErrProbeRefused, err.Error())
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ domain.Prober = (*Client)(nil)
