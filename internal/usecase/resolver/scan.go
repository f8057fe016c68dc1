package resolver

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	procARPPath    = "/proc/net/arp"
	arpCmdTimeout  = 5 * time.Second
	zeroMACAddress = "00:00:00:00:00:00"
)

// commonHostOctets are the last octets probed when the address-resolution
// table yields nothing: router addresses and typical DHCP assignments.
var commonHostOctets = []int{1, 2, 10, 100, 101, 110, 120, 200, 254}

// subnetScanner produces candidate compute-node hosts from the node's subnet.
// Every source is best-effort: a missing table or tool is a silent no-op,
// never an error.
type subnetScanner struct {
	hostLimit int
	logger    *slog.Logger

	// overridable for tests
	procARP func() ([]byte, error)
	runCmd  func(ctx context.Context, name string, args ...string) ([]byte, error)
	localIP func() string
}

func newSubnetScanner(hostLimit int, logger *slog.Logger) *subnetScanner {
	return &subnetScanner{
		hostLimit: hostLimit,
		logger:    logger,
		procARP:   func() ([]byte, error) { return os.ReadFile(procARPPath) },
		runCmd: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmdCtx, cancel := context.WithTimeout(ctx, arpCmdTimeout)
			defer cancel()
			return exec.CommandContext(cmdCtx, name, args...).Output()
		},
		localIP: localIPv4,
	}
}

// CandidateHosts returns hosts worth probing, in a deterministic order:
// address-resolution table entries first, then common host addresses on the
// local /24 if the table was empty. The local address is excluded and the
// list is capped at hostLimit.
func (s *subnetScanner) CandidateHosts(ctx context.Context) []string {
	local := s.localIP()

	hosts := s.arpHosts(ctx)
	if len(hosts) == 0 {
		s.logger.Debug("no address-resolution entries, falling back to common host addresses")
		hosts = commonHosts(local)
	}

	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h == local {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
		if len(out) >= s.hostLimit {
			break
		}
	}
	return out
}

// arpHosts merges every available address-resolution source.
func (s *subnetScanner) arpHosts(ctx context.Context) []string {
	var hosts []string

	if data, err := s.procARP(); err == nil {
		hosts = append(hosts, parseProcARP(string(data))...)
	}
	if out, err := s.runCmd(ctx, "ip", "neigh"); err == nil {
		hosts = append(hosts, parseIPNeigh(string(out))...)
	}
	if out, err := s.runCmd(ctx, "arp", "-a"); err == nil {
		hosts = append(hosts, parseARPDashA(string(out))...)
	}
	return hosts
}

// parseProcARP extracts IPs from /proc/net/arp, skipping incomplete entries.
func parseProcARP(data string) []string {
	var hosts []string
	lines := strings.Split(data, "\n")
	if len(lines) > 0 {
		lines = lines[1:] // header
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[3] != zeroMACAddress && net.ParseIP(fields[0]) != nil {
			hosts = append(hosts, fields[0])
		}
	}
	return hosts
}

// parseIPNeigh extracts IPs from `ip neigh` output, keeping only entries the
// kernel considers live.
func parseIPNeigh(out string) []string {
	var hosts []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "REACHABLE") && !strings.Contains(line, "STALE") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 1 && net.ParseIP(fields[0]) != nil {
			hosts = append(hosts, fields[0])
		}
	}
	return hosts
}

// parseARPDashA extracts IPs from BSD-style `arp -a` output: "host (ip) at mac ...".
func parseARPDashA(out string) []string {
	var hosts []string
	for _, line := range strings.Split(out, "\n") {
		open := strings.Index(line, "(")
		end := strings.Index(line, ")")
		if open < 0 || end < open {
			continue
		}
		ip := line[open+1 : end]
		if net.ParseIP(ip) != nil && strings.Contains(line, "at ") {
			hosts = append(hosts, ip)
		}
	}
	return hosts
}

// commonHosts builds the fallback list on the local /24.
func commonHosts(localIP string) []string {
	base := localIP
	if i := strings.LastIndex(localIP, "."); i > 0 {
		base = localIP[:i]
	} else {
		return nil
	}
	hosts := make([]string, 0, len(commonHostOctets))
	for _, octet := range commonHostOctets {
		hosts = append(hosts, base+"."+strconv.Itoa(octet))
	}
	return hosts
}

// localIPv4 determines the node's LAN address by opening a UDP socket toward
// a public address; no packet is sent.
func localIPv4() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
