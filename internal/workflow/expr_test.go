package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveLiteralPassthrough(t *testing.T) {
	ctx := NewContext(map[string]any{"amount": "100"}, "0xabc", "0xsession", "0xkey", 25)
	require.Equal(t, "plain-string", ctx.Resolve("plain-string"))
}

func TestResolveInputAndAmbientValues(t *testing.T) {
	ctx := NewContext(map[string]any{"amount": "100"}, "0xabc", "0xsession", "0xkey", 25)
	require.Equal(t, "100", ctx.Resolve("$.input.amount"))
	require.Equal(t, "0xabc", ctx.Resolve("$.wallet"))
	require.Equal(t, "0xsession", ctx.Resolve("$.sessionId"))
	require.Equal(t, "0xkey", ctx.Resolve("$.sessionKeyAddress"))
	require.Equal(t, int64(25), ctx.Resolve("$.chainId"))
}

func TestResolveStepOutput(t *testing.T) {
	ctx := NewContext(nil, "0xabc", "0xsession", "0xkey", 1)
	ctx.Record("quote", map[string]any{"price": "42"})
	require.Equal(t, "42", ctx.Resolve("$.steps.quote.output.price"))
}

func TestResolveMissingSegmentIsNil(t *testing.T) {
	ctx := NewContext(map[string]any{}, "0xabc", "0xs", "0xk", 1)
	require.Nil(t, ctx.Resolve("$.input.missing"))
	require.Nil(t, ctx.Resolve("$.steps.missing.output"))
	require.Nil(t, ctx.Resolve("$."))
}

func TestResolveArrayIndexing(t *testing.T) {
	ctx := NewContext(map[string]any{"items": []any{"a", "b", "c"}}, "0xabc", "0xs", "0xk", 1)
	require.Equal(t, "b", ctx.Resolve("$.input.items[1]"))
	require.Nil(t, ctx.Resolve("$.input.items[9]"))
}

func TestResolveMappingAndUnresolved(t *testing.T) {
	ctx := NewContext(map[string]any{"to": "0xbeef"}, "0xabc", "0xs", "0xk", 1)
	mapping := map[string]string{
		"to":     "$.input.to",
		"amount": "$.input.missing",
		"literal": "fixed",
	}
	resolved := ctx.ResolveMapping(mapping)
	require.Equal(t, "0xbeef", resolved["to"])
	require.Nil(t, resolved["amount"])
	require.Equal(t, "fixed", resolved["literal"])

	unresolved := ctx.unresolvedExpressions(mapping)
	require.Equal(t, []string{"amount: $.input.missing"}, unresolved)
}
