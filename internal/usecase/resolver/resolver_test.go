package resolver

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"pivot-edge/internal/domain"
)

// fakeProber answers probes from a fixed reachability table and records the
// order of probe attempts.
type fakeProber struct {
	mu    sync.Mutex
	up    map[string]bool // "host:port" -> reachable
	calls []string
}

func newFakeProber(up ...string) *fakeProber {
	table := make(map[string]bool, len(up))
	for _, addr := range up {
		table[addr] = true
	}
	return &fakeProber{up: table}
}

func (f *fakeProber) ProbeHost(_ context.Context, host string, port int) error {
	addr := host + ":" + strconv.Itoa(port)
	f.mu.Lock()
	f.calls = append(f.calls, addr)
	ok := f.up[addr]
	f.mu.Unlock()
	if ok {
		return nil
	}
	return domain.NewDomainError("fake", domain.ErrProbeRefused, addr)
}

func (f *fakeProber) Probe(ctx context.Context, ep domain.Endpoint) error {
	return f.ProbeHost(ctx, ep.Host, ep.SelectedPort)
}

func (f *fakeProber) probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeGate scripts operator answers.
type fakeGate struct {
	host       string
	hostOK     bool
	manualHits int
}

func (g *fakeGate) ManualHost(_ context.Context) (string, bool) {
	g.manualHits++
	return g.host, g.hostOK
}

func (g *fakeGate) ConfirmDegraded(_ context.Context) bool { return false }

type fakeDiscoverer struct{ hosts []string }

func (d *fakeDiscoverer) Scan(_ context.Context) ([]string, error) { return d.hosts, nil }

func testConfig() Config {
	return Config{
		Host:           "192.168.1.10",
		CandidatePorts: []int{8000, 8001},
		ProbeTimeout:   200 * time.Millisecond,
		MaxAttempts:    1,
		BaseDelay:      time.Millisecond,
	}
}

func TestResolveConfiguredHostFirstPortWins(t *testing.T) {
	prober := newFakeProber("192.168.1.10:8000", "192.168.1.10:8001")
	r := New(prober, nil, nil, nil, testConfig(), discardLogger())

	ep, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if ep.Host != "192.168.1.10" || ep.SelectedPort != 8000 {
		t.Errorf("endpoint = %s", ep.Address())
	}
	// The second port must not have been probed.
	for _, addr := range prober.probed() {
		if addr == "192.168.1.10:8001" {
			t.Error("resolution should stop at the first answering port")
		}
	}
}

func TestResolvePortPriorityOrder(t *testing.T) {
	// Only the second candidate port answers.
	prober := newFakeProber("192.168.1.10:8001")
	r := New(prober, nil, nil, nil, testConfig(), discardLogger())

	ep, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if ep.SelectedPort != 8001 {
		t.Errorf("selected port = %d, want 8001", ep.SelectedPort)
	}

	probed := prober.probed()
	if len(probed) < 2 || probed[0] != "192.168.1.10:8000" || probed[1] != "192.168.1.10:8001" {
		t.Errorf("probe order = %v", probed)
	}
}

func TestResolveDiscoveredHost(t *testing.T) {
	cfg := testConfig()
	cfg.Host = ""
	prober := newFakeProber("192.168.1.77:8000")
	disc := &fakeDiscoverer{hosts: []string{"192.168.1.66", "192.168.1.77"}}
	r := New(prober, disc, nil, nil, cfg, discardLogger())

	ep, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if ep.Host != "192.168.1.77" {
		t.Errorf("host = %s", ep.Host)
	}
}

func TestResolveDeterministicAcrossConcurrentHosts(t *testing.T) {
	// Both discovered hosts answer; the first in slice order must win.
	cfg := testConfig()
	cfg.Host = ""
	prober := newFakeProber("192.168.1.5:8000", "192.168.1.6:8000")
	disc := &fakeDiscoverer{hosts: []string{"192.168.1.5", "192.168.1.6"}}
	r := New(prober, disc, nil, nil, cfg, discardLogger())

	for i := 0; i < 10; i++ {
		ep, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if ep.Host != "192.168.1.5" {
			t.Fatalf("run %d: host = %s, want 192.168.1.5", i, ep.Host)
		}
	}
}

func TestResolveManualOverride(t *testing.T) {
	cfg := testConfig()
	prober := newFakeProber("192.168.1.99:8001")
	gate := &fakeGate{host: "192.168.1.99", hostOK: true}
	r := New(prober, nil, gate, nil, cfg, discardLogger())

	ep, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if ep.Host != "192.168.1.99" || ep.SelectedPort != 8001 {
		t.Errorf("endpoint = %s", ep.Address())
	}
	if gate.manualHits != 1 {
		t.Errorf("manual prompt hits = %d, want 1", gate.manualHits)
	}
}

func TestResolveExhaustsRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	prober := newFakeProber() // nothing answers
	r := New(prober, nil, nil, nil, cfg, discardLogger())

	start := time.Now()
	_, err := r.Resolve(context.Background())
	if err == nil {
		t.Fatal("expected resolution failure")
	}
	if !errors.Is(err, domain.ErrNoEndpointFound) {
		t.Errorf("want ErrNoEndpointFound, got %v", err)
	}
	if domain.ErrorCodeOf(err) != domain.CodeNoEndpointFound {
		t.Errorf("code = %s", domain.ErrorCodeOf(err))
	}
	// Linear backoff: 1ms + 2ms between the three attempts.
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Errorf("backoff not applied, elapsed = %s", elapsed)
	}
	// 3 attempts x 2 ports on the configured host.
	if got := len(prober.probed()); got != 6 {
		t.Errorf("probe count = %d, want 6", got)
	}
}

func TestResolveContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 100
	cfg.BaseDelay = time.Hour
	prober := newFakeProber()
	r := New(prober, nil, nil, nil, cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Resolve(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestResolveOnceSkipsOperatorPrompt(t *testing.T) {
	cfg := testConfig()
	cfg.Host = ""
	gate := &fakeGate{host: "192.168.1.99", hostOK: true}
	r := New(newFakeProber(), nil, gate, nil, cfg, discardLogger())

	_, err := r.ResolveOnce(context.Background())
	if !errors.Is(err, domain.ErrNoEndpointFound) {
		t.Errorf("want ErrNoEndpointFound, got %v", err)
	}
	if gate.manualHits != 0 {
		t.Error("ResolveOnce must never prompt the operator")
	}
}

func TestEndpointCarriesCandidatePorts(t *testing.T) {
	prober := newFakeProber("192.168.1.10:8000")
	cfg := testConfig()
	r := New(prober, nil, nil, nil, cfg, discardLogger())

	ep, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ep.CandidatePorts) != 2 {
		t.Errorf("candidate ports = %v", ep.CandidatePorts)
	}
	// The endpoint owns its own copy.
	ep.CandidatePorts[0] = 1
	ep2, _ := r.Resolve(context.Background())
	if ep2.CandidatePorts[0] != 8000 {
		t.Error("resolver config mutated through returned endpoint")
	}
}
