// Package node spawns and supervises ephemeral chain execution processes.
//
// Each Node owns exactly one process and one TCP port; instances are never
// shared between owners. Callers must pair every successful Start with a
// Stop on all exit paths, including test failure.
package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	"github.com/Bidon15/anvilkit/internal/metrics"
	"github.com/Bidon15/anvilkit/internal/ports"
)

// readyMarker is the stdout line fragment anvil prints once its RPC server
// accepts connections.
const readyMarker = "Listening on"

// State is the lifecycle state of a Node.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateStopping
	StateCrashed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Node is a supervised ephemeral chain process.
//
// Operations on a Node are awaited sequentially by a single owner; the
// internal mutex exists only because Stop is commonly invoked from deferred
// test cleanup while a crash watcher may fire concurrently.
type Node struct {
	cfg    Config
	logger *slog.Logger
	id     uuid.UUID

	mu     sync.Mutex
	state  State
	port   int
	cmd    *exec.Cmd
	rpcCli *rpc.Client
	ethCli *ethclient.Client
	exited chan struct{}
}

// New creates a stopped Node with the given configuration.
func New(cfg Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	return &Node{
		cfg:    cfg,
		logger: logger.With(slog.String("node_id", id.String())),
		id:     id,
	}
}

// ID returns the instance identity used in logs.
func (n *Node) ID() uuid.UUID { return n.id }

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Port returns the allocated port, or zero before the node is ready.
func (n *Node) Port() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.port
}

// RPCURL returns the HTTP endpoint of the running node.
func (n *Node) RPCURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", n.Port())
}

// Eth returns the typed query client, or nil before the node is ready.
func (n *Node) Eth() *ethclient.Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ethCli
}

// Start allocates a port, spawns the chain process and waits for readiness.
//
// The whole sequence (allocation, spawn, readiness wait) is retried with a
// fresh port on each attempt, up to Config.StartAttempts, with escalating
// jittered delays. Startup is the only retried operation in this package:
// its failure causes (port contention, slow process boot) are the only ones
// plausibly resolved by retrying.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateStarting || n.state == StateReady {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.state = StateStarting
	n.mu.Unlock()

	attempts := n.cfg.StartAttempts
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(
		func() error { return n.startOnce(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(250*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			metrics.NodeStartFailuresTotal.Inc()
			n.logger.Warn("node start attempt failed, retrying",
				slog.Uint64("attempt", uint64(attempt+1)),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		metrics.NodeStartFailuresTotal.Inc()
		n.mu.Lock()
		n.state = StateStopped
		n.mu.Unlock()
		return fmt.Errorf("start node after %d attempts: %w", attempts, err)
	}

	n.mu.Lock()
	n.state = StateReady
	n.mu.Unlock()
	metrics.NodeStartsTotal.Inc()

	n.logger.Info("node ready",
		slog.Int("port", n.Port()),
		slog.Uint64("chain_id", n.cfg.ChainID),
	)
	go n.watch()
	return nil
}

// startOnce runs a single allocation+spawn+readiness sequence. On any
// failure the spawned process (if any) is torn down before returning.
func (n *Node) startOnce(ctx context.Context) error {
	port, err := ports.Allocate(n.cfg.Port, n.cfg.PortRangeStart, n.cfg.PortRangeEnd)
	if err != nil {
		return fmt.Errorf("allocate port: %w", err)
	}

	cmd := exec.Command(n.cfg.BinaryPath, n.cfg.Args(port)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", n.cfg.BinaryPath, err)
	}

	ready := make(chan struct{})
	exited := make(chan struct{})
	scanDone := make(chan struct{})
	go func() {
		n.scanOutput(stdout, ready)
		close(scanDone)
	}()
	go func() {
		// Wait must not run until every read from the stdout pipe has
		// completed; it closes the pipe and would drop buffered output.
		<-scanDone
		_ = cmd.Wait()
		close(exited)
	}()

	timeout := n.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
	case <-exited:
		return fmt.Errorf("%s exited before becoming ready: %s", n.cfg.BinaryPath, firstLine(stderr.String()))
	case <-timer.C:
		kill(cmd, exited)
		return fmt.Errorf("timed out after %s waiting for readiness on port %d", timeout, port)
	case <-ctx.Done():
		kill(cmd, exited)
		return ctx.Err()
	}

	rpcCli, err := rpc.DialContext(ctx, fmt.Sprintf("http://127.0.0.1:%d", port))
	if err != nil {
		kill(cmd, exited)
		return fmt.Errorf("dial rpc on port %d: %w", port, err)
	}

	n.mu.Lock()
	n.port = port
	n.cmd = cmd
	n.rpcCli = rpcCli
	n.ethCli = ethclient.NewClient(rpcCli)
	n.exited = exited
	n.mu.Unlock()
	return nil
}

// scanOutput drains the process stdout for its whole lifetime, signalling
// readiness exactly once when the marker line appears. Draining past the
// marker keeps the child from blocking on a full pipe.
func (n *Node) scanOutput(r io.Reader, ready chan<- struct{}) {
	var once sync.Once
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, readyMarker) {
			once.Do(func() { close(ready) })
		}
		n.logger.Debug("node output", slog.String("line", line))
	}
}

// watch marks the node crashed if its process exits while Ready.
func (n *Node) watch() {
	n.mu.Lock()
	exited := n.exited
	n.mu.Unlock()
	if exited == nil {
		return
	}
	<-exited

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateReady {
		return // deliberate stop in progress
	}
	metrics.NodeCrashesTotal.Inc()
	n.logger.Error("node process exited unexpectedly", slog.Int("port", n.port))
	n.state = StateCrashed
	n.cleanupLocked()
	n.state = StateStopped
}

// Stop terminates the process and releases the port and clients. It is
// idempotent and safe to call from any state, including Stopped.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateStopped || n.state == StateStopping {
		return
	}
	n.state = StateStopping
	n.cleanupLocked()
	n.state = StateStopped
	n.logger.Info("node stopped")
}

// cleanupLocked kills the process if present and discards all handles.
// Callers must hold n.mu.
func (n *Node) cleanupLocked() {
	if n.cmd != nil && n.cmd.Process != nil {
		kill(n.cmd, n.exited)
	}
	if n.rpcCli != nil {
		n.rpcCli.Close()
	}
	n.cmd = nil
	n.rpcCli = nil
	n.ethCli = nil
	n.exited = nil
	n.port = 0
}

// kill terminates the process and waits briefly for it to reap.
func kill(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	if exited == nil {
		return
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
	}
}

// firstLine trims output to its first non-empty line for error messages.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return "no output"
}
