package scope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func execScope(targets ...Target) Scope {
	return Scope{ID: "s1", Kind: Execute, Targets: targets}
}

func TestFlattenSelectorsPerTarget(t *testing.T) {
	scopes := []Scope{
		execScope(
			Target{Address: "0xAAA", Selectors: []Selector{{Selector: "0x1111"}, {Selector: "0x2222"}}},
		),
	}
	out := Flatten(scopes)
	require.ElementsMatch(t, []string{"0xaaa"}, out.AllowedTargets)
	require.ElementsMatch(t, []string{"0x1111", "0x2222"}, out.AllowedSelectors)
}

func TestFlattenAnyTargetWithoutSelectorsMeansAllowAnyGlobally(t *testing.T) {
	scopes := []Scope{
		execScope(
			Target{Address: "0xAAA", Selectors: []Selector{{Selector: "0x1111"}}},
			Target{Address: "0xBBB"}, // no selectors listed
		),
	}
	out := Flatten(scopes)
	require.ElementsMatch(t, []string{"0xaaa", "0xbbb"}, out.AllowedTargets)
	require.Empty(t, out.AllowedSelectors, "one target without selectors must empty the GLOBAL selector list")
}

func TestFlattenDeterministicRegardlessOfOrder(t *testing.T) {
	a := []Scope{
		execScope(Target{Address: "0xAAA", Selectors: []Selector{{Selector: "0x1111"}}}),
		execScope(Target{Address: "0xBBB", Selectors: []Selector{{Selector: "0x2222"}}}),
	}
	b := []Scope{a[1], a[0]}

	outA := Flatten(a)
	outB := Flatten(b)
	require.ElementsMatch(t, outA.AllowedTargets, outB.AllowedTargets)
	require.ElementsMatch(t, outA.AllowedSelectors, outB.AllowedSelectors)
}

func TestFlattenDuplicateContractsCollapseByAddress(t *testing.T) {
	mk := func(addr, name, version string) Scope {
		c := ApprovedContract{Address: addr, Name: "token"}
		c.Domain.Name = name
		c.Domain.Version = version
		return Scope{Kind: EIP712, ApprovedContracts: []ApprovedContract{c}}
	}
	scopes := []Scope{
		mk("0xCCC", "USDC", "2"),
		mk("0xCcC", "USDC", "2"), // same address, different case
	}
	out := Flatten(scopes)
	require.Len(t, out.ApprovedContracts, 1)
}

func TestIsContractApprovedCaseInsensitive(t *testing.T) {
	c := ApprovedContract{Address: "0xDEAD"}
	scopes := []Scope{{Kind: EIP712, ApprovedContracts: []ApprovedContract{c}}}
	require.True(t, IsContractApproved(scopes, "0xdead"))
	require.False(t, IsContractApproved(scopes, "0xbeef"))
}

func TestIsExecutionAllowedNoSelectorsMeansAny(t *testing.T) {
	scopes := []Scope{execScope(Target{Address: "0xAAA"})}
	require.True(t, IsExecutionAllowed(scopes, "0xaaa", "0xdeadbeef"))
	require.False(t, IsExecutionAllowed(scopes, "0xbbb", "0xdeadbeef"))
}

func TestIsExecutionAllowedSpecificSelector(t *testing.T) {
	scopes := []Scope{execScope(Target{Address: "0xAAA", Selectors: []Selector{{Selector: "0x1111"}}})}
	require.True(t, IsExecutionAllowed(scopes, "0xaaa", "0x1111"))
	require.False(t, IsExecutionAllowed(scopes, "0xaaa", "0x2222"))
}

func TestBudgetEnforceable(t *testing.T) {
	require.True(t, Scope{Kind: Execute}.BudgetEnforceable())
	require.False(t, Scope{Kind: EIP712}.BudgetEnforceable())
}
