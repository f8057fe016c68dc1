package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// terminalGate asks the operator questions on the terminal. Both prompts
// respect context cancellation so a SIGINT during a prompt aborts cleanly.
type terminalGate struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalGate(in io.Reader, out io.Writer) *terminalGate {
	return &terminalGate{in: bufio.NewReader(in), out: out}
}

// ManualHost asks the operator for the compute node's address. A blank answer
// skips the override.
func (g *terminalGate) ManualHost(ctx context.Context) (string, bool) {
	fmt.Fprint(g.out, "Compute node not found. Enter its IP address (blank to skip): ")
	line, ok := g.readLine(ctx)
	if !ok {
		return "", false
	}
	host := strings.TrimSpace(line)
	return host, host != ""
}

// ConfirmDegraded asks whether to continue without a compute node. Defaults
// to no.
func (g *terminalGate) ConfirmDegraded(ctx context.Context) bool {
	fmt.Fprint(g.out, "No compute node is reachable. Continue with local capabilities only? [y/N]: ")
	line, ok := g.readLine(ctx)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// readLine reads one line from stdin without blocking shutdown. The reader
// goroutine may outlive a cancelled prompt; it parks on stdin until the
// process exits.
func (g *terminalGate) readLine(ctx context.Context) (string, bool) {
	ch := make(chan string, 1)
	go func() {
		line, err := g.in.ReadString('\n')
		if err != nil && line == "" {
			close(ch)
			return
		}
		ch <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(g.out)
		return "", false
	case line, ok := <-ch:
		return line, ok
	}
}
