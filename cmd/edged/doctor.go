package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"pivot-edge/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Assistant command", Fn: checkAssistantCommand},
		{Name: "Local network", Fn: checkLocalNetwork},
		{Name: "ARP sources", Fn: checkARPSources},
		{Name: "Compute node", Fn: checkComputeNode},
	}

	fmt.Println("edged doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		icon := statusIcon(result.Status)
		fmt.Printf("  %s %s: %s\n", icon, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before running edged.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nedged should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! edged is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and
// parses correctly. A missing file is a warning, not a failure: defaults plus
// PIVOT_* overrides are valid too.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if cfgErr != nil {
				return CheckResult{
					Status:  StatusFail,
					Message: fmt.Sprintf("no config file at %s and defaults are incomplete: %v", cfgPath, cfgErr),
					Fix:     "Create config.yaml or set PIVOT_ASSISTANT_COMMAND",
				}
			}
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s — running on defaults and PIVOT_* overrides", cfgPath),
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and required fields",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkAssistantCommand verifies the configured assistant binary is on PATH
// or an existing file.
func checkAssistantCommand(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check - config not loaded"}
	}
	command := cfg.Assistant.Command
	if command == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "assistant.command is not set",
			Fix:     "Set assistant.command in config.yaml or PIVOT_ASSISTANT_COMMAND",
		}
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%q not found on PATH", command),
			Fix:     "Install the assistant or use an absolute path in assistant.command",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("found %s at %s", command, path),
	}
}

// checkLocalNetwork verifies a local IPv4 address can be determined, which
// the subnet scan depends on.
func checkLocalNetwork(_ *config.Config) CheckResult {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot determine local IPv4 address: %v", err),
			Fix:     "Subnet scan fallback will not work; set compute.host explicitly",
		}
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "local address is not IPv4",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("local address %s", addr.IP),
	}
}

// checkARPSources reports which neighbor-table sources are available for the
// subnet scan.
func checkARPSources(cfg *config.Config) CheckResult {
	if cfg != nil && !cfg.Compute.Discovery.SubnetScan {
		return CheckResult{
			Status:  StatusPass,
			Message: "subnet scan disabled - ARP sources not required",
		}
	}

	var available []string
	if _, err := os.Stat("/proc/net/arp"); err == nil {
		available = append(available, "/proc/net/arp")
	}
	if _, err := exec.LookPath("ip"); err == nil {
		available = append(available, "ip neigh")
	}
	if _, err := exec.LookPath("arp"); err == nil {
		available = append(available, "arp -a")
	}

	if len(available) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no ARP source available - scan will fall back to common addresses",
			Fix:     "Install iproute2 or net-tools for faster discovery",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("available: %s", strings.Join(available, ", ")),
	}
}

// checkComputeNode probes the configured host on each candidate port. Skipped
// when no host is configured; discovery handles that case at runtime.
func checkComputeNode(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check - config not loaded"}
	}
	if cfg.Compute.Host == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "compute.host not set - will rely on network discovery",
		}
	}

	for _, port := range cfg.Compute.CandidatePorts {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Compute.ProbeTimeout))
		url := fmt.Sprintf("http://%s/health", net.JoinHostPort(cfg.Compute.Host, fmt.Sprintf("%d", port)))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return CheckResult{
				Status:  StatusPass,
				Message: fmt.Sprintf("reachable at %s:%d", cfg.Compute.Host, port),
			}
		}
	}

	return CheckResult{
		Status:  StatusWarn,
		Message: fmt.Sprintf("%s did not answer on ports %v", cfg.Compute.Host, cfg.Compute.CandidatePorts),
		Fix:     "Check that the compute node is powered on and on the same network",
	}
}
