package node

import (
	"strconv"
	"time"

	"github.com/Bidon15/anvilkit/internal/ports"
)

// Config describes the desired chain identity and process behavior of an
// ephemeral node. It is supplied once at construction and never mutated.
type Config struct {
	// BinaryPath is the chain execution binary to spawn.
	BinaryPath string

	// ChainID is the chain identity the node reports.
	ChainID uint64

	// Mnemonic seeds the node's deterministic accounts. Empty uses the
	// binary's default test mnemonic.
	Mnemonic string

	// BlockTime enables fixed-interval block production in seconds.
	// Zero means instant mining on each transaction.
	BlockTime uint64

	// NoMining disables automatic block production entirely; blocks are
	// then produced only via the mining control RPCs.
	NoMining bool

	// GasLimit overrides the block gas limit when non-zero.
	GasLimit uint64

	// ForkURL, when set, makes the node fork the chain behind the given
	// RPC endpoint. ForkBlockNumber pins the fork point; zero forks the
	// latest block.
	ForkURL         string
	ForkBlockNumber uint64

	// Hardfork selects the EVM hardfork label (e.g. "cancun"). Empty uses
	// the binary's default.
	Hardfork string

	// Port requests an explicit port. Zero allocates from the range below.
	Port           int
	PortRangeStart int
	PortRangeEnd   int

	// StartupTimeout bounds the wait for the readiness line on stdout.
	StartupTimeout time.Duration

	// StartAttempts bounds how often the whole start sequence is retried.
	StartAttempts uint
}

// DefaultConfig returns a config suitable for parallel test workers: the
// stock anvil binary, the conventional dev chain id, and a wide random port
// range so independent processes do not need to coordinate.
func DefaultConfig() Config {
	return Config{
		BinaryPath:     "anvil",
		ChainID:        31337,
		PortRangeStart: ports.DefaultRangeStart,
		PortRangeEnd:   ports.DefaultRangeEnd,
		StartupTimeout: 30 * time.Second,
		StartAttempts:  5,
	}
}

// Args derives the process arguments for the given port, omitting flags for
// unset optional fields.
func (c Config) Args(port int) []string {
	args := []string{
		"--port", strconv.Itoa(port),
		"--chain-id", strconv.FormatUint(c.ChainID, 10),
	}
	if c.NoMining {
		args = append(args, "--no-mining")
	} else if c.BlockTime > 0 {
		args = append(args, "--block-time", strconv.FormatUint(c.BlockTime, 10))
	}
	if c.GasLimit > 0 {
		args = append(args, "--gas-limit", strconv.FormatUint(c.GasLimit, 10))
	}
	if c.ForkURL != "" {
		args = append(args, "--fork-url", c.ForkURL)
		if c.ForkBlockNumber > 0 {
			args = append(args, "--fork-block-number", strconv.FormatUint(c.ForkBlockNumber, 10))
		}
	}
	if c.Hardfork != "" {
		args = append(args, "--hardfork", c.Hardfork)
	}
	if c.Mnemonic != "" {
		args = append(args, "--mnemonic", c.Mnemonic)
	}
	return args
}
