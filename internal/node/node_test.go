package node

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeBinary writes an executable shell script standing in for the chain
// binary, so lifecycle behavior is testable without anvil installed.
func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-chain")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testConfig(binary string) Config {
	cfg := DefaultConfig()
	cfg.BinaryPath = binary
	cfg.StartupTimeout = 5 * time.Second
	cfg.StartAttempts = 2
	return cfg
}

func TestConfigArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "minimal",
			cfg:  Config{ChainID: 31337},
			want: []string{"--port", "8545", "--chain-id", "31337"},
		},
		{
			name: "block time",
			cfg:  Config{ChainID: 1337, BlockTime: 12},
			want: []string{"--port", "8545", "--chain-id", "1337", "--block-time", "12"},
		},
		{
			name: "no mining wins over block time",
			cfg:  Config{ChainID: 1337, BlockTime: 12, NoMining: true},
			want: []string{"--port", "8545", "--chain-id", "1337", "--no-mining"},
		},
		{
			name: "fork with pinned block",
			cfg:  Config{ChainID: 1, ForkURL: "https://rpc.example.org", ForkBlockNumber: 19000000},
			want: []string{
				"--port", "8545", "--chain-id", "1",
				"--fork-url", "https://rpc.example.org",
				"--fork-block-number", "19000000",
			},
		},
		{
			name: "fork block ignored without fork url",
			cfg:  Config{ChainID: 1, ForkBlockNumber: 19000000},
			want: []string{"--port", "8545", "--chain-id", "1"},
		},
		{
			name: "hardfork gas limit and mnemonic",
			cfg: Config{
				ChainID:  31337,
				GasLimit: 30_000_000,
				Hardfork: "cancun",
				Mnemonic: "test test test test test test test test test test test junk",
			},
			want: []string{
				"--port", "8545", "--chain-id", "31337",
				"--gas-limit", "30000000",
				"--hardfork", "cancun",
				"--mnemonic", "test test test test test test test test test test test junk",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Args(8545))
		})
	}
}

func TestHelpersRequireReady(t *testing.T) {
	n := New(DefaultConfig(), nil)
	ctx := context.Background()

	_, err := n.Snapshot(ctx)
	require.ErrorIs(t, err, ErrNotStarted)

	err = n.Mine(ctx, 1)
	require.ErrorIs(t, err, ErrNotStarted)

	_, err = n.CodeAt(ctx, [20]byte{})
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestStartStopLifecycle(t *testing.T) {
	binary := writeFakeBinary(t, `echo "Listening on 127.0.0.1:0"
sleep 60`)
	n := New(testConfig(binary), nil)

	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, StateReady, n.State())
	assert.NotZero(t, n.Port())
	assert.Contains(t, n.RPCURL(), "http://127.0.0.1:")

	err := n.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)

	n.Stop()
	assert.Equal(t, StateStopped, n.State())
	assert.Zero(t, n.Port())

	// Stop is idempotent from any state.
	n.Stop()
	assert.Equal(t, StateStopped, n.State())
}

func TestStartAgainAfterStop(t *testing.T) {
	binary := writeFakeBinary(t, `echo "Listening on 127.0.0.1:0"
sleep 60`)
	n := New(testConfig(binary), nil)

	require.NoError(t, n.Start(context.Background()))
	n.Stop()

	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()
	assert.Equal(t, StateReady, n.State())
}

func TestStartNonexistentBinaryNamesAttempts(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "does-not-exist"))
	n := New(cfg, nil)

	err := n.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StateStopped, n.State())
}

func TestStartReadinessTimeout(t *testing.T) {
	// The process stays alive but never prints the readiness marker.
	binary := writeFakeBinary(t, `sleep 60`)
	cfg := testConfig(binary)
	cfg.StartupTimeout = 200 * time.Millisecond
	cfg.StartAttempts = 1
	n := New(cfg, nil)

	err := n.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, StateStopped, n.State())
}

func TestStartProcessExitBeforeReady(t *testing.T) {
	binary := writeFakeBinary(t, `echo "boom: bad flags" >&2
exit 1`)
	cfg := testConfig(binary)
	cfg.StartAttempts = 1
	n := New(cfg, nil)

	err := n.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before becoming ready")
	assert.Contains(t, err.Error(), "boom: bad flags")
}

func TestStartupOutputFullyDrained(t *testing.T) {
	// The process writes output and exits immediately. Every line must
	// still reach the logger: the exit is only observed after the stdout
	// pipe has been read to completion.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	binary := writeFakeBinary(t, `echo "boot line one"
echo "boot line two"
exit 1`)
	cfg := testConfig(binary)
	cfg.StartAttempts = 1
	n := New(cfg, logger)

	err := n.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, buf.String(), "boot line one")
	assert.Contains(t, buf.String(), "boot line two")
}

func TestCrashDetection(t *testing.T) {
	binary := writeFakeBinary(t, `echo "Listening on 127.0.0.1:0"
sleep 0.2`)
	n := New(testConfig(binary), nil)

	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	require.Eventually(t, func() bool {
		return n.State() == StateStopped
	}, 5*time.Second, 50*time.Millisecond, "crash should transition the node to stopped")

	// All state-mutating helpers fail once the process is gone.
	err := n.Mine(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "crashed", StateCrashed.String())
}
