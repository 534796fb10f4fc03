package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"

	"github.com/Bidon15/anvilkit/internal/artifacts"
	"github.com/Bidon15/anvilkit/internal/metrics"
	"github.com/Bidon15/anvilkit/internal/node"
)

// Sentinel errors
var (
	ErrABINotFound = errors.New("deploy: no ABI registered for target")
)

// Deployment describes one contract to deploy through the CREATE2 proxy.
// Args are constructor arguments; JSON-decoded values (strings for addresses
// and large integers, numbers, booleans) are coerced to the ABI types.
type Deployment struct {
	Name     string         `json:"name" validate:"required"`
	Salt     common.Hash    `json:"salt" validate:"required"`
	Deployer common.Address `json:"deployer" validate:"required"`
	Args     []any          `json:"args"`
}

// Call describes one state-changing function call against a deployed
// contract. The target must have been deployed by this engine so its ABI is
// registered.
type Call struct {
	Target   common.Address `json:"target" validate:"required"`
	Function string         `json:"function" validate:"required"`
	Account  common.Address `json:"account" validate:"required"`
	Args     []any          `json:"args"`
	Value    *big.Int       `json:"value"`
}

// SetupConfig is an ordered batch of deployments followed by calls, typically
// decoded from a JSON setup file.
type SetupConfig struct {
	Deployments []Deployment `json:"deployments" validate:"dive"`
	Calls       []Call       `json:"calls" validate:"dive"`
}

// Engine deploys contracts at deterministic addresses and drives follow-up
// calls against them. One engine is bound to one running node.
type Engine struct {
	node     *node.Node
	loader   *artifacts.Loader
	logger   *slog.Logger
	validate *validator.Validate

	// registry maps deployed addresses to their ABI so calls can be packed
	// without re-reading artifacts. Populated by Deploy only.
	registry map[common.Address]abi.ABI

	initialized bool
}

// NewEngine creates an engine reading artifacts from the given loader and
// deploying to the given node.
func NewEngine(n *node.Node, loader *artifacts.Loader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		node:     n,
		loader:   loader,
		logger:   logger,
		validate: validator.New(),
		registry: make(map[common.Address]abi.ABI),
	}
}

// Init makes sure the deterministic deployment proxy exists on the node.
// Deploy and ApplySetup call it lazily, so explicit use is optional.
func (e *Engine) Init(ctx context.Context) error {
	if e.initialized {
		return nil
	}
	if err := EnsureProxyDeployed(ctx, e.node); err != nil {
		return err
	}
	e.initialized = true
	return nil
}

// PredictAddress computes the CREATE2 address the proxy will deploy the given
// init code to, without touching the chain.
func PredictAddress(salt common.Hash, initCode []byte) common.Address {
	return crypto.CreateAddress2(ProxyAddress, salt, crypto.Keccak256(initCode))
}

// InitCode builds the creation payload for a deployment: the contract's
// compiled bytecode followed by its ABI-encoded constructor arguments.
func (e *Engine) InitCode(d Deployment) ([]byte, error) {
	artifact, err := e.loader.Load(d.Name)
	if err != nil {
		return nil, err
	}

	args, err := coerceArgs(artifact.ABI.Constructor.Inputs, d.Args)
	if err != nil {
		return nil, fmt.Errorf("constructor args for %s: %w", d.Name, err)
	}
	encoded, err := artifact.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("pack constructor args for %s: %w", d.Name, err)
	}

	initCode := make([]byte, 0, len(artifact.Bytecode)+len(encoded))
	initCode = append(initCode, artifact.Bytecode...)
	initCode = append(initCode, encoded...)
	return initCode, nil
}

// Deploy deploys one contract through the proxy and returns its address.
//
// The address is predicted up front; if code already exists there the
// deployment is a no-op and the existing address is returned, so identical
// batches can be applied repeatedly. The deployer is impersonated for the
// duration of the transaction, so any address works as deployer.
func (e *Engine) Deploy(ctx context.Context, d Deployment) (common.Address, error) {
	if err := e.validate.Struct(d); err != nil {
		return common.Address{}, fmt.Errorf("invalid deployment: %w", err)
	}
	if err := e.Init(ctx); err != nil {
		return common.Address{}, err
	}

	artifact, err := e.loader.Load(d.Name)
	if err != nil {
		return common.Address{}, err
	}
	initCode, err := e.InitCode(d)
	if err != nil {
		return common.Address{}, err
	}
	predicted := PredictAddress(d.Salt, initCode)

	existing, err := e.node.CodeAt(ctx, predicted)
	if err != nil {
		return common.Address{}, fmt.Errorf("check code at %s: %w", predicted.Hex(), err)
	}
	if len(existing) > 0 {
		e.registry[predicted] = artifact.ABI
		metrics.DeploymentsSkippedTotal.Inc()
		e.logger.Info("deployment skipped, code already present",
			slog.String("contract", d.Name),
			slog.String("address", predicted.Hex()),
		)
		return predicted, nil
	}

	if err := e.node.ImpersonateAccount(ctx, d.Deployer); err != nil {
		return common.Address{}, fmt.Errorf("impersonate deployer %s: %w", d.Deployer.Hex(), err)
	}
	defer func() {
		_ = e.node.StopImpersonatingAccount(ctx, d.Deployer)
	}()

	// The proxy takes the salt as the first 32 bytes of calldata and treats
	// the remainder as init code.
	payload := make([]byte, 0, len(d.Salt)+len(initCode))
	payload = append(payload, d.Salt.Bytes()...)
	payload = append(payload, initCode...)

	txHash, err := e.sendTransaction(ctx, d.Deployer, ProxyAddress, payload, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: %w", d.Name, err)
	}

	receipt, err := waitMined(ctx, e.node, txHash)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: %w", d.Name, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, fmt.Errorf("deploy %s: transaction reverted (tx %s)", d.Name, txHash.Hex())
	}

	code, err := e.node.CodeAt(ctx, predicted)
	if err != nil {
		return common.Address{}, fmt.Errorf("verify code at %s: %w", predicted.Hex(), err)
	}
	if len(code) == 0 {
		return common.Address{}, fmt.Errorf("deploy %s: transaction mined but no code at predicted address %s", d.Name, predicted.Hex())
	}

	e.registry[predicted] = artifact.ABI
	metrics.DeploymentsTotal.Inc()
	e.logger.Info("contract deployed",
		slog.String("contract", d.Name),
		slog.String("address", predicted.Hex()),
		slog.String("salt", d.Salt.Hex()),
		slog.String("tx", txHash.Hex()),
	)
	return predicted, nil
}

// ExecuteCall submits one contract call from the given account and returns
// the transaction hash without waiting for inclusion. The caller decides
// whether inclusion matters; under automine it is immediate anyway.
func (e *Engine) ExecuteCall(ctx context.Context, c Call) (common.Hash, error) {
	if err := e.validate.Struct(c); err != nil {
		return common.Hash{}, fmt.Errorf("invalid call: %w", err)
	}

	contractABI, ok := e.registry[c.Target]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s (deploy it through this engine first)", ErrABINotFound, c.Target.Hex())
	}

	method, ok := contractABI.Methods[c.Function]
	if !ok {
		return common.Hash{}, fmt.Errorf("call %s: function %q not in ABI", c.Target.Hex(), c.Function)
	}
	args, err := coerceArgs(method.Inputs, c.Args)
	if err != nil {
		return common.Hash{}, fmt.Errorf("args for %s.%s: %w", c.Target.Hex(), c.Function, err)
	}
	data, err := contractABI.Pack(c.Function, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s.%s: %w", c.Target.Hex(), c.Function, err)
	}

	if err := e.node.ImpersonateAccount(ctx, c.Account); err != nil {
		return common.Hash{}, fmt.Errorf("impersonate account %s: %w", c.Account.Hex(), err)
	}
	defer func() {
		_ = e.node.StopImpersonatingAccount(ctx, c.Account)
	}()

	txHash, err := e.sendTransaction(ctx, c.Account, c.Target, data, c.Value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("call %s.%s: %w", c.Target.Hex(), c.Function, err)
	}

	metrics.CallsTotal.Inc()
	e.logger.Info("call submitted",
		slog.String("target", c.Target.Hex()),
		slog.String("function", c.Function),
		slog.String("tx", txHash.Hex()),
	)
	return txHash, nil
}

// ApplySetup validates and applies a full batch: every deployment in order,
// then every call in order. Validation covers the whole batch before any
// network traffic, so a malformed entry never leaves earlier entries half
// applied.
func (e *Engine) ApplySetup(ctx context.Context, cfg SetupConfig) error {
	if err := e.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid setup: %w", err)
	}

	// Resolve every deployment's predicted address up front. This surfaces
	// missing or malformed artifacts before anything is submitted, and lets
	// call targets reference addresses produced later in the same batch.
	predicted := make(map[common.Address]bool, len(cfg.Deployments))
	for _, d := range cfg.Deployments {
		initCode, err := e.InitCode(d)
		if err != nil {
			return err
		}
		predicted[PredictAddress(d.Salt, initCode)] = true
	}
	for _, c := range cfg.Calls {
		if _, ok := e.registry[c.Target]; !ok && !predicted[c.Target] {
			return fmt.Errorf("invalid setup: call targets %s which no deployment in this batch produces: %w", c.Target.Hex(), ErrABINotFound)
		}
	}
	if err := e.Init(ctx); err != nil {
		return err
	}

	for _, d := range cfg.Deployments {
		if _, err := e.Deploy(ctx, d); err != nil {
			return err
		}
	}
	for _, c := range cfg.Calls {
		if _, err := e.ExecuteCall(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// FundAccount gives an account the given wei balance. A convenience wrapper
// so setup code does not need the node handle.
func (e *Engine) FundAccount(ctx context.Context, addr common.Address, wei *big.Int) error {
	return e.node.SetBalance(ctx, addr, wei)
}

// ABIFor returns the registered ABI for a deployed contract.
func (e *Engine) ABIFor(addr common.Address) (abi.ABI, bool) {
	a, ok := e.registry[addr]
	return a, ok
}

// defaultGasFunding is the balance given to an impersonated sender that
// holds nothing, so arbitrary deployer addresses work on a fresh chain.
var defaultGasFunding = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))

// sendTransaction submits an eth_sendTransaction from an impersonated sender
// and returns the hash. Gas is left to the node's estimator. A sender with a
// zero balance is topped up first; it could not pay for gas otherwise.
func (e *Engine) sendTransaction(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if balance, err := e.node.Eth().BalanceAt(ctx, from, nil); err == nil && balance.Sign() == 0 {
		if err := e.node.SetBalance(ctx, from, defaultGasFunding); err != nil {
			return common.Hash{}, fmt.Errorf("fund sender %s: %w", from.Hex(), err)
		}
		e.logger.Debug("funded zero-balance sender", slog.String("address", from.Hex()))
	}

	params := map[string]any{
		"from": from.Hex(),
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	if value != nil && value.Sign() > 0 {
		params["value"] = hexutil.EncodeBig(value)
	}
	var txHash common.Hash
	if err := e.node.Call(ctx, &txHash, "eth_sendTransaction", params); err != nil {
		return common.Hash{}, err
	}
	return txHash, nil
}

// coerceArgs converts JSON-decoded argument values into the Go types the ABI
// packer expects, so setup files can spell addresses and big integers as
// strings. Values that already match pass through untouched.
func coerceArgs(inputs abi.Arguments, args []any) ([]any, error) {
	if len(args) != len(inputs) {
		return nil, fmt.Errorf("want %d arguments, got %d", len(inputs), len(args))
	}
	out := make([]any, len(args))
	for i, arg := range args {
		v, err := coerceValue(inputs[i].Type, arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, inputs[i].Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func coerceValue(t abi.Type, v any) (any, error) {
	target := t.GetType()
	if v != nil && reflect.TypeOf(v) == target {
		return v, nil
	}

	switch t.T {
	case abi.AddressTy:
		if s, ok := v.(string); ok {
			if !common.IsHexAddress(s) {
				return nil, fmt.Errorf("%q is not a hex address", s)
			}
			return common.HexToAddress(s), nil
		}
	case abi.UintTy, abi.IntTy:
		n, err := coerceBig(v)
		if err != nil {
			return nil, err
		}
		if t.Size > 64 {
			return n, nil
		}
		// Small integer sizes pack as native Go ints of the matching width.
		var rv reflect.Value
		if t.T == abi.UintTy {
			if !n.IsUint64() {
				return nil, fmt.Errorf("%s overflows %s", n, t.String())
			}
			rv = reflect.ValueOf(n.Uint64())
		} else {
			if !n.IsInt64() {
				return nil, fmt.Errorf("%s overflows %s", n, t.String())
			}
			rv = reflect.ValueOf(n.Int64())
		}
		if !rv.Type().ConvertibleTo(target) {
			return nil, fmt.Errorf("cannot represent %s as %s", n, t.String())
		}
		return rv.Convert(target).Interface(), nil
	case abi.BoolTy:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case abi.BytesTy:
		if s, ok := v.(string); ok {
			return hexutil.Decode(s)
		}
	case abi.FixedBytesTy:
		if s, ok := v.(string); ok {
			raw, err := hexutil.Decode(s)
			if err != nil {
				return nil, err
			}
			if len(raw) != t.Size {
				return nil, fmt.Errorf("want %d bytes, got %d", t.Size, len(raw))
			}
			arr := reflect.New(target).Elem()
			reflect.Copy(arr, reflect.ValueOf(raw))
			return arr.Interface(), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t.String())
}

// coerceBig accepts the integer spellings a JSON setup file can produce.
func coerceBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("%v is not an integer", n)
		}
		return big.NewInt(int64(n)), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case string:
		b, ok := new(big.Int).SetString(n, 0)
		if !ok {
			return nil, fmt.Errorf("%q is not an integer", n)
		}
		return b, nil
	}
	return nil, fmt.Errorf("cannot read %T as integer", v)
}
