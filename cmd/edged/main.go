package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pivot-edge/internal/adapter/compute"
	"pivot-edge/internal/domain"
	"pivot-edge/internal/infra/config"
	"pivot-edge/internal/infra/logger"
	"pivot-edge/internal/infra/tracer"
	"pivot-edge/internal/usecase/coordinator"
	"pivot-edge/internal/usecase/eventbus"
	"pivot-edge/internal/usecase/health"
	"pivot-edge/internal/usecase/resolver"
	"pivot-edge/internal/usecase/supervisor"
)

const version = "0.3.0"

const (
	exitOK            = 0
	exitFatal         = 1
	exitUserCancelled = 2
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "version":
			fmt.Printf("edged %s\n", version)
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		os.Exit(run())
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(exitFatal)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'edged --help' for usage information.\n", os.Args[1])
		os.Exit(exitFatal)
	}
}

func showUsage() {
	fmt.Println(`edged - edge-side coordinator for the PiVot voice assistant

USAGE:
    edged [COMMAND] [FLAGS]

COMMANDS:
    doctor      Run health checks on the edge node setup
    version     Print the version

    (no command) - Run the coordinator with existing config

FLAGS:
    -h, --help           Show this help message
    --config PATH        Config file path (default: ./config.yaml)
    --non-interactive    Never prompt; decline degraded mode when no
                         compute node is found

CONFIGURATION:
    Config file: ./config.yaml
    Environment: PIVOT_* variables override config

EXIT CODES:
    0   clean shutdown
    1   fatal error (spawn failure, unexpected assistant exit)
    2   operator declined degraded mode

EXAMPLES:
    edged                               # Run with config.yaml
    edged --config /etc/pivot/edge.yaml
    PIVOT_COMPUTE_HOST=192.168.1.42 edged
    edged doctor                        # Check edge node health`)
}

func run() int {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: config: %v\n", err)
		return exitFatal
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: logger: %v\n", err)
		return exitFatal
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: tracer: %v\n", err)
		return exitFatal
	}
	defer tracerShutdown(ctx)

	// 3. Event bus + status reporting
	bus := eventbus.New(log)
	defer bus.Close()
	startStatusPrinter(bus, os.Stdout)

	// 4. Compute client (prober + offload transport)
	client := compute.NewClient(cfg.Compute.Breaker, log)

	// 5. Operator gate
	var gate domain.OperatorGate
	if !nonInteractive() {
		gate = newTerminalGate(os.Stdin, os.Stdout)
	}

	// 6. Resolver
	var disc resolver.Discoverer
	if cfg.Compute.Discovery.MDNS {
		disc = resolver.NewDiscoverer(log)
	}
	res := resolver.New(client, disc, gate, bus, resolver.Config{
		Host:           cfg.Compute.Host,
		CandidatePorts: cfg.Compute.CandidatePorts,
		ProbeTimeout:   time.Duration(cfg.Compute.ProbeTimeout),
		MaxAttempts:    cfg.Compute.ResolutionMaxAttempts,
		BaseDelay:      time.Duration(cfg.Compute.ResolutionBaseDelay),
		SubnetScan:     cfg.Compute.Discovery.SubnetScan,
		ScanHostLimit:  cfg.Compute.Discovery.ScanHostLimit,
		ScanRate:       cfg.Compute.Discovery.ScanRate,
	}, log)

	// 7. Supervisor
	sup := supervisor.New(supervisor.Config{}, bus, log)

	// 8. Coordinator
	newMonitor := func(ep domain.Endpoint) domain.HealthMonitor {
		return health.NewMonitor(client, ep, health.Config{
			Interval:      time.Duration(cfg.Compute.ProbeInterval),
			ProbeTimeout:  time.Duration(cfg.Compute.ProbeTimeout),
			DownThreshold: cfg.Compute.DownThreshold,
		}, bus, log)
	}
	coord := coordinator.New(res, newMonitor, sup, gate, bus, coordinator.Config{
		Launch: domain.LaunchSpec{
			Command: cfg.Assistant.Command,
			Args:    cfg.Assistant.Args,
			WorkDir: cfg.Assistant.WorkDir,
		},
		GracePeriod:       time.Duration(cfg.Assistant.GracePeriod),
		ReresolveInterval: time.Duration(cfg.Compute.ReresolveInterval),
	}, log)

	// 9. Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("edged starting",
		"version", version,
		"compute_host", cfg.Compute.Host,
		"candidate_ports", cfg.Compute.CandidatePorts,
		"assistant", cfg.Assistant.Command,
	)

	if err := coord.Run(ctx); err != nil {
		if errors.Is(err, domain.ErrUserCancelled) {
			fmt.Fprintln(os.Stderr, "cancelled: no compute endpoint and degraded mode declined")
			return exitUserCancelled
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitFatal
	}
	return exitOK
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("PIVOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func nonInteractive() bool {
	for _, arg := range os.Args {
		if arg == "--non-interactive" {
			return true
		}
	}
	return os.Getenv("PIVOT_NON_INTERACTIVE") != ""
}
