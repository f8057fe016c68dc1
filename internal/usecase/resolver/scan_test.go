package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const procARPSample = `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.1      0x1         0x2         aa:bb:cc:dd:ee:ff     *        wlan0
192.168.1.50     0x1         0x0         00:00:00:00:00:00     *        wlan0
192.168.1.42     0x1         0x2         11:22:33:44:55:66     *        wlan0
not-an-ip        0x1         0x2         11:22:33:44:55:67     *        wlan0
`

func TestParseProcARP(t *testing.T) {
	got := parseProcARP(procARPSample)
	want := []string{"192.168.1.1", "192.168.1.42"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseProcARP() = %v, want %v", got, want)
	}
}

func TestParseIPNeigh(t *testing.T) {
	out := `192.168.1.1 dev wlan0 lladdr aa:bb:cc:dd:ee:ff REACHABLE
192.168.1.42 dev wlan0 lladdr 11:22:33:44:55:66 STALE
192.168.1.99 dev wlan0 FAILED
192.168.1.7 dev wlan0 lladdr 22:33:44:55:66:77 DELAY
`
	got := parseIPNeigh(out)
	want := []string{"192.168.1.1", "192.168.1.42"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseIPNeigh() = %v, want %v", got, want)
	}
}

func TestParseARPDashA(t *testing.T) {
	out := `router.lan (192.168.1.1) at aa:bb:cc:dd:ee:ff [ether] on wlan0
? (192.168.1.42) at 11:22:33:44:55:66 [ether] on wlan0
? (192.168.1.99) at <incomplete> on wlan0
garbage line
`
	got := parseARPDashA(out)
	// <incomplete> entries still contain "at " so they survive this parser;
	// the probe weeds them out.
	want := []string{"192.168.1.1", "192.168.1.42", "192.168.1.99"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseARPDashA() = %v, want %v", got, want)
	}
}

func TestCommonHosts(t *testing.T) {
	hosts := commonHosts("192.168.1.37")
	if len(hosts) != len(commonHostOctets) {
		t.Fatalf("got %d hosts, want %d", len(hosts), len(commonHostOctets))
	}
	if hosts[0] != "192.168.1.1" {
		t.Errorf("first host = %s", hosts[0])
	}
	if hosts[len(hosts)-1] != "192.168.1.254" {
		t.Errorf("last host = %s", hosts[len(hosts)-1])
	}

	if got := commonHosts("localhost"); got != nil {
		t.Errorf("non-dotted address should yield nil, got %v", got)
	}
}

func TestCandidateHostsUsesARPFirst(t *testing.T) {
	s := newSubnetScanner(20, discardLogger())
	s.procARP = func() ([]byte, error) { return []byte(procARPSample), nil }
	s.runCmd = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return nil, errors.New("not installed")
	}
	s.localIP = func() string { return "192.168.1.42" }

	got := s.CandidateHosts(context.Background())
	// Local address excluded.
	want := []string{"192.168.1.1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CandidateHosts() = %v, want %v", got, want)
	}
}

func TestCandidateHostsFallsBackToCommon(t *testing.T) {
	s := newSubnetScanner(20, discardLogger())
	s.procARP = func() ([]byte, error) { return nil, errors.New("no proc") }
	s.runCmd = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return nil, errors.New("not installed")
	}
	s.localIP = func() string { return "10.0.0.100" }

	got := s.CandidateHosts(context.Background())
	if len(got) != len(commonHostOctets)-1 {
		// .100 is the local address and is excluded.
		t.Fatalf("got %d hosts: %v", len(got), got)
	}
	for _, h := range got {
		if h == "10.0.0.100" {
			t.Error("local address must be excluded")
		}
	}
}

func TestCandidateHostsCapAndDedupe(t *testing.T) {
	s := newSubnetScanner(2, discardLogger())
	s.procARP = func() ([]byte, error) { return []byte(procARPSample), nil }
	s.runCmd = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == "ip" {
			// Duplicates of the proc entries plus extras.
			return []byte("192.168.1.1 dev wlan0 lladdr aa REACHABLE\n192.168.1.60 dev wlan0 lladdr bb STALE\n192.168.1.61 dev wlan0 lladdr cc STALE\n"), nil
		}
		return nil, errors.New("not installed")
	}
	s.localIP = func() string { return "192.168.1.37" }

	got := s.CandidateHosts(context.Background())
	want := []string{"192.168.1.1", "192.168.1.42"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CandidateHosts() = %v, want %v", got, want)
	}
}
