package deploy

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/common"
)

func TestProxyTransactionShape(t *testing.T) {
	raw, err := hexutil.Decode(proxyDeployTx)
	require.NoError(t, err)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw))

	assert.Nil(t, tx.To(), "proxy transaction must be contract creation")
	assert.EqualValues(t, 100_000, tx.Gas())
	assert.Zero(t, tx.GasPrice().Cmp(big.NewInt(100_000_000_000)), "gas price must be 100 gwei")
	assert.NotEmpty(t, tx.Data())

	// The fixed signature must recover to the well-known one-time sender
	// under the pre-EIP-155 signer; that is what makes the transaction
	// replayable on every chain.
	sender, err := types.Sender(types.HomesteadSigner{}, tx)
	require.NoError(t, err)
	assert.Equal(t, proxySigner, sender)
}

func TestProxyDeployCostMatchesTransaction(t *testing.T) {
	raw, err := hexutil.Decode(proxyDeployTx)
	require.NoError(t, err)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw))

	want := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasPrice())
	assert.Zero(t, proxyDeployCost.Cmp(want))
}

func TestPredictAddress(t *testing.T) {
	salt := common.HexToHash("0x01")
	initCode := []byte{0x60, 0x00, 0x60, 0x00, 0xf3}

	got := PredictAddress(salt, initCode)

	// Re-derive per the CREATE2 rule: keccak256(0xff ++ proxy ++ salt ++
	// keccak256(initCode))[12:].
	preimage := make([]byte, 0, 1+20+32+32)
	preimage = append(preimage, 0xff)
	preimage = append(preimage, ProxyAddress.Bytes()...)
	preimage = append(preimage, salt.Bytes()...)
	preimage = append(preimage, crypto.Keccak256(initCode)...)
	want := common.BytesToAddress(crypto.Keccak256(preimage)[12:])

	assert.Equal(t, want, got)
	assert.NotEqual(t, got, PredictAddress(common.HexToHash("0x02"), initCode),
		"different salts must give different addresses")
	assert.Equal(t, got, PredictAddress(salt, initCode),
		"prediction must be deterministic")
}
