package domain

import (
	"context"
	"fmt"
)

// Protocol identifies the wire protocol spoken by a compute endpoint.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
)

// Endpoint is a validated (host, port, protocol) triple for the compute node.
// SelectedPort, once set, is one of CandidatePorts and stays fixed for the
// lifetime of a session unless the endpoint is explicitly re-resolved.
type Endpoint struct {
	Host           string   `json:"host"`
	CandidatePorts []int    `json:"candidate_ports"`
	SelectedPort   int      `json:"selected_port,omitempty"` // 0 = not yet selected
	Protocol       Protocol `json:"protocol"`
}

// Resolved reports whether a reachable port has been selected.
func (e Endpoint) Resolved() bool {
	return e.Host != "" && e.SelectedPort != 0
}

// Address returns "host:port" for the selected port.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.SelectedPort)
}

// BaseURL returns the endpoint's base URL, e.g. "http://192.168.1.10:8000".
func (e Endpoint) BaseURL() string {
	return fmt.Sprintf("%s://%s", e.Protocol, e.Address())
}

// Equal reports whether two endpoints point at the same host and port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Host == other.Host && e.SelectedPort == other.SelectedPort
}

// EndpointResolver locates the compute node on the local network.
type EndpointResolver interface {
	// Resolve runs the full resolution strategy (configured host, network
	// scan, operator override) with the configured retry budget. It honors
	// ctx cancellation between probes.
	Resolve(ctx context.Context) (Endpoint, error)

	// ResolveOnce runs a single non-interactive resolution pass. Used for
	// background re-resolution while the session is degraded.
	ResolveOnce(ctx context.Context) (Endpoint, error)
}

// Prober issues a bounded readiness check against a candidate endpoint.
// Implemented by the compute-node HTTP client.
type Prober interface {
	// ProbeHost checks whether a compute node answers on host:port.
	// The returned error, if any, wraps one of the probe sentinels
	// (ErrProbeTimeout, ErrProbeRefused, ErrProbeDNS).
	ProbeHost(ctx context.Context, host string, port int) error

	// Probe checks the readiness of a resolved endpoint.
	Probe(ctx context.Context, ep Endpoint) error
}

// OperatorGate is the blocking decision surface the coordinator consults when
// automatic resolution fails. Implementations prompt a real operator (cmd/edged)
// or script answers (tests).
type OperatorGate interface {
	// ManualHost asks the operator for a compute-node address. Returns
	// ok=false if the operator skips.
	ManualHost(ctx context.Context) (host string, ok bool)

	// ConfirmDegraded asks whether to continue without a compute node.
	// A negative answer means shut down with a user-cancelled status.
	ConfirmDegraded(ctx context.Context) bool
}
