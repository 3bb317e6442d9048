package workflow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
)

// modeHash derives an ExecuteWithSession mode identifier the same way the
// on-chain delegator contract does: keccak256 of the mode's ASCII name,
// mirroring internal/signing's TYPEHASH precomputation pattern.
func modeHash(name string) [32]byte {
	return crypto.Keccak256Hash([]byte(name))
}

// resolveCalldata produces calldata for one OnchainOperation: either the
// explicit hex string, or the packed encoding of abiFragment's single
// method applied to argsMapping resolved against ctx.
//
// abiFragment is a one-method JSON ABI array, e.g.
// `[{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]}]`,
// the same shape go-ethereum's abi.JSON already expects — no bespoke
// fragment-parsing format is invented here.
func resolveCalldata(ctx *Context, op OnchainOperation) ([]byte, error) {
	if op.Calldata != "" {
		resolved := ctx.Resolve(op.Calldata)
		s, ok := resolved.(string)
		if !ok || s == "" {
			return nil, gwerrors.New(gwerrors.UnresolvedArg, "calldata expression resolved to nothing", nil)
		}
		return common.FromHex(s), nil
	}

	parsed, err := abi.JSON(strings.NewReader(op.ABIFragment))
	if err != nil {
		return nil, gwerrors.New(gwerrors.Encoding, "parsing abiFragment", err)
	}
	method, err := soleMethod(parsed)
	if err != nil {
		return nil, gwerrors.New(gwerrors.Encoding, "resolving abiFragment method", err)
	}

	args := make([]any, len(method.Inputs))
	var unresolved []string
	for i, input := range method.Inputs {
		expr, ok := op.ArgsMapping[input.Name]
		if !ok {
			unresolved = append(unresolved, input.Name+": <missing>")
			continue
		}
		raw := ctx.Resolve(expr)
		if raw == nil {
			unresolved = append(unresolved, input.Name+": "+expr)
			continue
		}
		converted, err := convertArg(input.Type, raw)
		if err != nil {
			return nil, gwerrors.New(gwerrors.Encoding, fmt.Sprintf("converting arg %q", input.Name), err)
		}
		args[i] = converted
	}
	if len(unresolved) > 0 {
		return nil, gwerrors.New(gwerrors.UnresolvedArg, "unresolved onchain step arguments", nil).
			WithData(unresolved)
	}

	packed, err := parsed.Pack(method.Name, args...)
	if err != nil {
		return nil, gwerrors.New(gwerrors.Encoding, "packing abi arguments", err)
	}
	return packed, nil
}

func soleMethod(parsed abi.ABI) (*abi.Method, error) {
	if len(parsed.Methods) != 1 {
		return nil, fmt.Errorf("abiFragment must declare exactly one method, got %d", len(parsed.Methods))
	}
	for _, m := range parsed.Methods {
		method := m
		return &method, nil
	}
	return nil, fmt.Errorf("unreachable")
}

// convertArg coerces a JSON-decoded value (string/float64/bool/[]any) into
// the Go representation go-ethereum's abi.Pack expects for t.
func convertArg(t abi.Type, raw any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		s, ok := raw.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("expected a hex address, got %v", raw)
		}
		return common.HexToAddress(s), nil
	case abi.UintTy, abi.IntTy:
		return toBigInt(raw)
	case abi.BoolTy:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected a boolean, got %v", raw)
		}
		return b, nil
	case abi.StringTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %v", raw)
		}
		return s, nil
	case abi.BytesTy, abi.FixedBytesTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a hex byte string, got %v", raw)
		}
		return common.FromHex(s), nil
	default:
		return raw, nil
	}
}

func toBigInt(raw any) (*big.Int, error) {
	switch v := raw.(type) {
	case string:
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("not a decimal integer: %q", v)
		}
		return n, nil
	case float64:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("expected a numeric value, got %v", raw)
	}
}

// resolveValue resolves an operation's value field (decimal string or
// expression) to a *big.Int, defaulting to zero.
func resolveValue(ctx *Context, expr string) (*big.Int, error) {
	if expr == "" {
		return big.NewInt(0), nil
	}
	resolved := ctx.Resolve(expr)
	if resolved == nil {
		return nil, gwerrors.New(gwerrors.UnresolvedArg, "value expression resolved to nothing", nil)
	}
	switch v := resolved.(type) {
	case string:
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, gwerrors.New(gwerrors.Encoding, "value is not a decimal integer", nil)
		}
		return n, nil
	case float64:
		return big.NewInt(int64(v)), nil
	default:
		return nil, gwerrors.New(gwerrors.Encoding, fmt.Sprintf("unexpected value type %T", resolved), nil)
	}
}

// resolveTarget resolves an operation's target address, either literal or
// by expression.
func resolveTarget(ctx *Context, op OnchainOperation) (common.Address, error) {
	raw := op.Target
	if op.TargetExpr != "" {
		resolved := ctx.Resolve(op.TargetExpr)
		s, ok := resolved.(string)
		if !ok || s == "" {
			return common.Address{}, gwerrors.New(gwerrors.UnresolvedArg, "target expression resolved to nothing", nil)
		}
		raw = s
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, gwerrors.New(gwerrors.Validation, "target is not a valid address", nil)
	}
	return common.HexToAddress(raw), nil
}

// calldataSelector extracts the 0x-prefixed 4-byte function selector from
// calldata, or "" for a bare value transfer.
func calldataSelector(calldata []byte) string {
	if len(calldata) < 4 {
		return ""
	}
	return "0x" + common.Bytes2Hex(calldata[:4])
}

// dynamicTargetAllowed reports whether target appears in the workflow's
// declared allowedDynamicTargets. A workflow with no scopeConfig allows no
// dynamically-resolved targets at all.
func dynamicTargetAllowed(cfg *ScopeConfig, target common.Address) bool {
	if cfg == nil {
		return false
	}
	for _, t := range cfg.AllowedDynamicTargets {
		if strings.EqualFold(t.Address, target.Hex()) {
			return true
		}
	}
	return false
}

// packSingleExecutionData ABI-encodes (target, value, calldata) the same
// way the on-chain delegator's single-call execution mode expects.
func packSingleExecutionData(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	args, err := callTupleArgs()
	if err != nil {
		return nil, err
	}
	return args.Pack(target, value, calldata)
}

// packBatchExecutionData ABI-encodes an array of (target, value, calldata)
// tuples for the batch execution mode.
func packBatchExecutionData(targets []common.Address, values []*big.Int, calldatas [][]byte) ([]byte, error) {
	tupleType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	})
	if err != nil {
		return nil, err
	}
	type call struct {
		Target common.Address
		Value  *big.Int
		Data   []byte
	}
	calls := make([]call, len(targets))
	for i := range targets {
		calls[i] = call{Target: targets[i], Value: values[i], Data: calldatas[i]}
	}
	args := abi.Arguments{{Type: tupleType}}
	return args.Pack(calls)
}

func callTupleArgs() (abi.Arguments, error) {
	addrType, _ := abi.NewType("address", "", nil)
	uintType, _ := abi.NewType("uint256", "", nil)
	bytesType, _ := abi.NewType("bytes", "", nil)
	return abi.Arguments{
		{Type: addrType},
		{Type: uintType},
		{Type: bytesType},
	}, nil
}
