// Package scope implements the typed session scope model: execute scopes
// (contract+selector authority) and EIP-712 scopes (contract+domain
// authority), and their flattening to the on-chain
// (allowedTargets, allowedSelectors, approvedContracts) triple.
package scope

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind discriminates the two scope variants.
type Kind string

const (
	Execute Kind = "execute"
	EIP712  Kind = "eip712"
)

// Selector is one allowed 4-byte function selector under an execute
// target.
type Selector struct {
	Selector    string // 0x-prefixed 4-byte hex
	Name        string
	Description string
}

// Target is one execute-scope contract target.
type Target struct {
	Address   string // 0x-prefixed 40-hex, lowercased
	Name      string
	Selectors []Selector
}

// ApprovedContract is one EIP-712-scope approved contract.
type ApprovedContract struct {
	Address string
	Name    string
	Domain  struct {
		Name    string
		Version string
	}
	SupportedTypes []string
}

// Scope is the tagged union of ExecuteScope and EIP712Scope.
// budgetEnforceable is true only for Execute scopes: an EIP712
// scope can never express a value limit, and surfaces must label it
// "not enforceable".
type Scope struct {
	ID          string
	Name        string
	Description string
	Kind        Kind

	// Populated when Kind == Execute.
	Targets []Target

	// Populated when Kind == EIP712.
	ApprovedContracts []ApprovedContract
}

// BudgetEnforceable reports whether this scope can express a value limit.
func (s Scope) BudgetEnforceable() bool {
	return s.Kind == Execute
}

// OnChainParams is the flattened on-chain authority derived from a set of
// scopes.
type OnChainParams struct {
	AllowedTargets    []string
	AllowedSelectors  []string
	ApprovedContracts []ApprovedContractParam
}

// ApprovedContractParam is one flattened EIP-712 approval, with the
// domain name/version pre-hashed the way the on-chain delegator contract
// expects them.
type ApprovedContractParam struct {
	Address     string
	NameHash    common.Hash
	VersionHash common.Hash
}

// Flatten computes (allowedTargets, allowedSelectors, approvedContracts)
// from a set of scopes.
//
// For every execute target, its address is added to
// allowedTargets; for each of its selectors, the selector is added to
// allowedSelectors. If ANY execute target in the whole scope set lists no
// selectors, allowedSelectors is returned EMPTY — meaning "allow any
// selector" globally, because the on-chain contract enforces selectors
// globally, not per-target. This is surprising but intentional; do not
// "fix" it by scoping the empty-selectors behavior per-target. See
// DESIGN.md.
//
// Flatten is a pure function: it never errors and its result depends only
// on scopes' content, not their order (each output list is sorted). When
// one contract address appears twice with different domains, the first
// occurrence's domain is kept.
func Flatten(scopes []Scope) OnChainParams {
	var out OnChainParams

	seenTargets := make(map[string]bool)
	seenSelectors := make(map[string]bool)
	seenContracts := make(map[string]bool)

	anyTargetWithoutSelectors := false

	for _, s := range scopes {
		if s.Kind != Execute {
			continue
		}
		for _, t := range s.Targets {
			addr := strings.ToLower(t.Address)
			if !seenTargets[addr] {
				seenTargets[addr] = true
				out.AllowedTargets = append(out.AllowedTargets, addr)
			}
			if len(t.Selectors) == 0 {
				anyTargetWithoutSelectors = true
				continue
			}
			for _, sel := range t.Selectors {
				s4 := strings.ToLower(sel.Selector)
				if !seenSelectors[s4] {
					seenSelectors[s4] = true
					out.AllowedSelectors = append(out.AllowedSelectors, s4)
				}
			}
		}
	}

	if anyTargetWithoutSelectors {
		out.AllowedSelectors = nil
	}

	for _, s := range scopes {
		if s.Kind != EIP712 {
			continue
		}
		for _, c := range s.ApprovedContracts {
			addr := strings.ToLower(c.Address)
			if seenContracts[addr] {
				continue
			}
			seenContracts[addr] = true
			out.ApprovedContracts = append(out.ApprovedContracts, ApprovedContractParam{
				Address:     addr,
				NameHash:    crypto.Keccak256Hash([]byte(c.Domain.Name)),
				VersionHash: crypto.Keccak256Hash([]byte(c.Domain.Version)),
			})
		}
	}

	sort.Strings(out.AllowedTargets)
	sort.Strings(out.AllowedSelectors)
	sort.Slice(out.ApprovedContracts, func(i, j int) bool {
		return out.ApprovedContracts[i].Address < out.ApprovedContracts[j].Address
	})
	return out
}

// IsContractApproved scans the EIP-712 scopes for addr (case-insensitive).
func IsContractApproved(scopes []Scope, addr string) bool {
	addr = strings.ToLower(addr)
	for _, s := range scopes {
		if s.Kind != EIP712 {
			continue
		}
		for _, c := range s.ApprovedContracts {
			if strings.ToLower(c.Address) == addr {
				return true
			}
		}
	}
	return false
}

// ApprovedContractAddresses returns every EIP-712-approved contract
// address across scopes, lowercased, for use in ContractNotApproved error
// bodies.
func ApprovedContractAddresses(scopes []Scope) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range scopes {
		if s.Kind != EIP712 {
			continue
		}
		for _, c := range s.ApprovedContracts {
			addr := strings.ToLower(c.Address)
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out
}

// IsExecutionAllowed scans the execute scopes for (target, selector). A
// target listed with no selectors means "any selector" for that target.
// If selector is empty, only target membership is checked.
func IsExecutionAllowed(scopes []Scope, target string, selector string) bool {
	target = strings.ToLower(target)
	selector = strings.ToLower(selector)
	for _, s := range scopes {
		if s.Kind != Execute {
			continue
		}
		for _, t := range s.Targets {
			if strings.ToLower(t.Address) != target {
				continue
			}
			if len(t.Selectors) == 0 || selector == "" {
				return true
			}
			for _, sel := range t.Selectors {
				if strings.ToLower(sel.Selector) == selector {
					return true
				}
			}
		}
	}
	return false
}
