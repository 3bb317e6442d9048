package workflow

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestResolveCalldataExplicitHex(t *testing.T) {
	ctx := NewContext(map[string]any{"data": "0xdeadbeef"}, "0xabc", "0xs", "0xk", 1)
	op := OnchainOperation{Calldata: "$.input.data"}

	out, err := resolveCalldata(ctx, op)
	require.NoError(t, err)
	require.Equal(t, common.FromHex("0xdeadbeef"), out)
}

func TestResolveCalldataExplicitHexUnresolved(t *testing.T) {
	ctx := NewContext(map[string]any{}, "0xabc", "0xs", "0xk", 1)
	op := OnchainOperation{Calldata: "$.input.missing"}

	_, err := resolveCalldata(ctx, op)
	require.Error(t, err)
}

const transferABI = `[{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]}]`

func TestResolveCalldataFromABIFragment(t *testing.T) {
	ctx := NewContext(map[string]any{
		"to":     "0x0000000000000000000000000000000000000bbb",
		"amount": "1000",
	}, "0xabc", "0xs", "0xk", 1)
	op := OnchainOperation{
		ABIFragment: transferABI,
		ArgsMapping: map[string]string{
			"to":     "$.input.to",
			"amount": "$.input.amount",
		},
	}

	out, err := resolveCalldata(ctx, op)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	parsed, err := abi.JSON(strings.NewReader(transferABI))
	require.NoError(t, err)
	require.Equal(t, parsed.Methods["transfer"].ID, out[:4])
}

func TestResolveCalldataMissingArgFails(t *testing.T) {
	ctx := NewContext(map[string]any{"to": "0x0000000000000000000000000000000000000bbb"}, "0xabc", "0xs", "0xk", 1)
	op := OnchainOperation{
		ABIFragment: transferABI,
		ArgsMapping: map[string]string{
			"to": "$.input.to",
		},
	}

	_, err := resolveCalldata(ctx, op)
	require.Error(t, err)
}

func TestResolveTargetLiteralAndExpr(t *testing.T) {
	ctx := NewContext(map[string]any{"target": "0x0000000000000000000000000000000000000bbb"}, "0xabc", "0xs", "0xk", 1)

	addr, err := resolveTarget(ctx, OnchainOperation{Target: "0x0000000000000000000000000000000000000aaa"})
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000aaa"), addr)

	addr, err = resolveTarget(ctx, OnchainOperation{TargetExpr: "$.input.target"})
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000bbb"), addr)
}

func TestResolveTargetRejectsInvalidAddress(t *testing.T) {
	ctx := NewContext(map[string]any{}, "0xabc", "0xs", "0xk", 1)
	_, err := resolveTarget(ctx, OnchainOperation{Target: "not-an-address"})
	require.Error(t, err)
}

func TestResolveValueDefaultsToZero(t *testing.T) {
	ctx := NewContext(map[string]any{}, "0xabc", "0xs", "0xk", 1)
	v, err := resolveValue(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(0), v.Int64())
}

func TestResolveValueFromInput(t *testing.T) {
	ctx := NewContext(map[string]any{"amount": "500"}, "0xabc", "0xs", "0xk", 1)
	v, err := resolveValue(ctx, "$.input.amount")
	require.NoError(t, err)
	require.Equal(t, int64(500), v.Int64())
}

func TestPackSingleAndBatchExecutionData(t *testing.T) {
	target := common.HexToAddress("0x0000000000000000000000000000000000000bbb")
	single, err := packSingleExecutionData(target, big.NewInt(0), []byte("calldata"))
	require.NoError(t, err)
	require.NotEmpty(t, single)

	batch, err := packBatchExecutionData(
		[]common.Address{target, target},
		[]*big.Int{big.NewInt(0), big.NewInt(0)},
		[][]byte{[]byte("a"), []byte("b")},
	)
	require.NoError(t, err)
	require.NotEmpty(t, batch)
}
