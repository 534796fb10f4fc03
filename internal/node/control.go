package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Sentinel errors - lifecycle
var (
	ErrNotStarted     = errors.New("node: node not started")
	ErrAlreadyStarted = errors.New("node: node already started")
)

// SnapshotID is an opaque chain state checkpoint token. It is meaningful only
// to the node instance that issued it; tokens do not survive a node restart.
type SnapshotID string

// Call performs a single JSON-RPC round trip against the running node.
//
// It fails with ErrNotStarted when no endpoint is bound. Errors from the
// chain propagate verbatim: control-plane failures are usage errors, not
// transient faults, so nothing here retries.
func (n *Node) Call(ctx context.Context, result any, method string, args ...any) error {
	n.mu.Lock()
	cli := n.rpcCli
	state := n.state
	n.mu.Unlock()
	if state != StateReady || cli == nil {
		return ErrNotStarted
	}
	return cli.CallContext(ctx, result, method, args...)
}

// Snapshot captures the full chain state and returns its checkpoint token.
func (n *Node) Snapshot(ctx context.Context) (SnapshotID, error) {
	var id string
	if err := n.Call(ctx, &id, "evm_snapshot"); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	return SnapshotID(id), nil
}

// Revert restores the chain state captured by the given snapshot. Reverting
// consumes the token and every snapshot taken after it.
func (n *Node) Revert(ctx context.Context, id SnapshotID) error {
	var ok bool
	if err := n.Call(ctx, &ok, "evm_revert", string(id)); err != nil {
		return fmt.Errorf("revert: %w", err)
	}
	if !ok {
		return fmt.Errorf("revert: unknown snapshot id %s (issued by another node or already consumed)", id)
	}
	return nil
}

// Reset reinitializes the chain. With a configured fork source it re-forks,
// optionally at the given block; nil re-forks at the configured (or latest)
// block. Without a fork source it resets to a fresh empty chain.
func (n *Node) Reset(ctx context.Context, forkBlock *uint64) error {
	params := map[string]any{}
	if n.cfg.ForkURL != "" {
		forking := map[string]any{"jsonRpcUrl": n.cfg.ForkURL}
		switch {
		case forkBlock != nil:
			forking["blockNumber"] = *forkBlock
		case n.cfg.ForkBlockNumber > 0:
			forking["blockNumber"] = n.cfg.ForkBlockNumber
		}
		params["forking"] = forking
	}
	if err := n.Call(ctx, nil, "anvil_reset", params); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Mine produces the given number of blocks immediately.
func (n *Node) Mine(ctx context.Context, blocks uint64) error {
	return n.Call(ctx, nil, "anvil_mine", hexutil.EncodeUint64(blocks))
}

// SetAutomine toggles instant mining on each submitted transaction.
func (n *Node) SetAutomine(ctx context.Context, enabled bool) error {
	return n.Call(ctx, nil, "evm_setAutomine", enabled)
}

// SetIntervalMining switches to fixed-interval block production; zero
// disables interval mining.
func (n *Node) SetIntervalMining(ctx context.Context, seconds uint64) error {
	return n.Call(ctx, nil, "evm_setIntervalMining", seconds)
}

// SetNextBlockTimestamp pins the timestamp of the next mined block.
func (n *Node) SetNextBlockTimestamp(ctx context.Context, unix uint64) error {
	return n.Call(ctx, nil, "evm_setNextBlockTimestamp", hexutil.EncodeUint64(unix))
}

// IncreaseTime advances the chain clock by the given number of seconds.
func (n *Node) IncreaseTime(ctx context.Context, seconds uint64) error {
	return n.Call(ctx, nil, "evm_increaseTime", hexutil.EncodeUint64(seconds))
}

// SetTime sets the chain clock to the given unix timestamp.
func (n *Node) SetTime(ctx context.Context, unix uint64) error {
	return n.Call(ctx, nil, "evm_setTime", hexutil.EncodeUint64(unix))
}

// SetBalance overwrites an account's wei balance.
func (n *Node) SetBalance(ctx context.Context, addr common.Address, wei *big.Int) error {
	return n.Call(ctx, nil, "anvil_setBalance", addr.Hex(), hexutil.EncodeBig(wei))
}

// SetNonce overwrites an account's nonce.
func (n *Node) SetNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	return n.Call(ctx, nil, "anvil_setNonce", addr.Hex(), hexutil.EncodeUint64(nonce))
}

// SetCode overwrites the bytecode stored at an address.
func (n *Node) SetCode(ctx context.Context, addr common.Address, code []byte) error {
	return n.Call(ctx, nil, "anvil_setCode", addr.Hex(), hexutil.Encode(code))
}

// SetStorageAt overwrites a single storage slot of a contract.
func (n *Node) SetStorageAt(ctx context.Context, addr common.Address, slot, value common.Hash) error {
	return n.Call(ctx, nil, "anvil_setStorageAt", addr.Hex(), slot.Hex(), value.Hex())
}

// SetNextBlockBaseFeePerGas pins the base fee of the next block.
func (n *Node) SetNextBlockBaseFeePerGas(ctx context.Context, wei *big.Int) error {
	return n.Call(ctx, nil, "anvil_setNextBlockBaseFeePerGas", hexutil.EncodeBig(wei))
}

// SetMinGasPrice sets the minimum gas price accepted into the pool. Only
// meaningful on pre-EIP-1559 hardforks.
func (n *Node) SetMinGasPrice(ctx context.Context, wei *big.Int) error {
	return n.Call(ctx, nil, "anvil_setMinGasPrice", hexutil.EncodeBig(wei))
}

// SetChainID overrides the chain id reported by the node.
func (n *Node) SetChainID(ctx context.Context, chainID uint64) error {
	return n.Call(ctx, nil, "anvil_setChainId", chainID)
}

// ImpersonateAccount lets subsequent transactions be sent from addr without
// its key.
func (n *Node) ImpersonateAccount(ctx context.Context, addr common.Address) error {
	return n.Call(ctx, nil, "anvil_impersonateAccount", addr.Hex())
}

// StopImpersonatingAccount ends impersonation of addr.
func (n *Node) StopImpersonatingAccount(ctx context.Context, addr common.Address) error {
	return n.Call(ctx, nil, "anvil_stopImpersonatingAccount", addr.Hex())
}

// AutoImpersonate toggles impersonation of every transaction sender.
func (n *Node) AutoImpersonate(ctx context.Context, enabled bool) error {
	return n.Call(ctx, nil, "anvil_autoImpersonateAccount", enabled)
}

// DumpState serializes the full chain state into an opaque blob that can be
// loaded into another instance.
func (n *Node) DumpState(ctx context.Context) (string, error) {
	var state string
	if err := n.Call(ctx, &state, "anvil_dumpState"); err != nil {
		return "", fmt.Errorf("dump state: %w", err)
	}
	return state, nil
}

// LoadState restores a state blob produced by DumpState.
func (n *Node) LoadState(ctx context.Context, state string) error {
	var ok bool
	if err := n.Call(ctx, &ok, "anvil_loadState", state); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !ok {
		return fmt.Errorf("load state: node rejected state blob")
	}
	return nil
}

// CodeAt returns the bytecode at an address in the latest block.
func (n *Node) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	n.mu.Lock()
	eth := n.ethCli
	state := n.state
	n.mu.Unlock()
	if state != StateReady || eth == nil {
		return nil, ErrNotStarted
	}
	return eth.CodeAt(ctx, addr, nil)
}
