//go:build !mdns

package resolver

import (
	"context"
	"log/slog"
)

// noopDiscoverer is used when the binary is built without the "mdns" tag.
type noopDiscoverer struct{}

// NewDiscoverer returns a discoverer that finds nothing.
func NewDiscoverer(_ *slog.Logger) Discoverer {
	return noopDiscoverer{}
}

func (noopDiscoverer) Scan(_ context.Context) ([]string, error) {
	return nil, nil
}
