package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"pivot-edge/internal/domain"
)

// startStatusPrinter mirrors bus events to the terminal as timestamped status
// lines so the operator can follow session state without reading logs.
func startStatusPrinter(bus domain.EventBus, out io.Writer) func() {
	var mu sync.Mutex
	return bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		line := formatStatusLine(e)
		if line == "" {
			return
		}
		mu.Lock()
		fmt.Fprintf(out, "[%s] %s\n", e.Timestamp.Format("15:04:05"), line)
		mu.Unlock()
	})
}

func formatStatusLine(e domain.Event) string {
	switch e.Type {
	case domain.EventEndpointResolved:
		var p struct {
			Host string `json:"host"`
			Port int    `json:"port"`
		}
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("compute node found at %s:%d", p.Host, p.Port)
		}
		return "compute node found"
	case domain.EventResolutionFailed:
		return "no compute node found on the network"
	case domain.EventHealthUp:
		return "compute node is up"
	case domain.EventHealthDown:
		return "compute node is down"
	case domain.EventProcessStarted:
		return "voice assistant started"
	case domain.EventProcessExited:
		return "voice assistant exited unexpectedly"
	case domain.EventProcessKilled:
		return "voice assistant stopped"
	case domain.EventModeChanged:
		var p struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("mode: %s -> %s", p.From, p.To)
		}
		return "mode changed"
	case domain.EventSessionStarted, domain.EventSessionFinished:
		// Covered by mode lines; skip to keep the terminal quiet.
		return ""
	default:
		return string(e.Type)
	}
}
