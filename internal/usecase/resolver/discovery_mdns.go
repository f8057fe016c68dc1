//go:build mdns

package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_pivot-compute._tcp"
	mdnsDomain      = "local."
	mdnsScanTimeout = 5 * time.Second
)

// MDNSDiscoverer finds compute nodes advertising themselves via mDNS/DNS-SD.
type MDNSDiscoverer struct {
	logger *slog.Logger
}

// NewDiscoverer creates the mDNS discoverer (binary built with the "mdns" tag).
func NewDiscoverer(logger *slog.Logger) Discoverer {
	return &MDNSDiscoverer{logger: logger}
}

// Scan browses for compute-node services on the local network and returns
// their IPv4 addresses.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var hosts []string
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, mdnsScanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			host := entry.AddrIPv4[0].String()
			mu.Lock()
			hosts = append(hosts, host)
			mu.Unlock()
			d.logger.Debug("mdns discovered compute node", "host", host, "port", entry.Port)
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		// Wait for the consumer goroutine to drain the channel before returning.
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	out := make([]string, len(hosts))
	copy(out, hosts)
	return out, nil
}
