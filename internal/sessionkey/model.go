// Package sessionkey implements the persistent session-key registry:
// delegated signing keys, their encrypted private material, scopes, and
// on-chain binding.
package sessionkey

import (
	"regexp"
	"time"

	"github.com/cronosagent/gateway/internal/cryptoutil"
	"github.com/cronosagent/gateway/internal/scope"
)

var (
	sessionIDPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	addressPattern   = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

// SessionKey is the full record, including the encrypted private key.
// Registry.Get/ListActive never return EncryptedPrivateKey to callers
// outside this package (signing service excepted).
type SessionKey struct {
	ID                 string
	UserID             string // owning wallet address, lowercased 0x40-hex
	SessionID          string // 0x + 64 hex
	SessionKeyAddress  string // 0x + 40 hex
	EncryptedPrivateKey cryptoutil.Encrypted
	Scopes             []scope.Scope
	OnChainParams      scope.OnChainParams
	ValidAfter         time.Time
	ValidUntil         time.Time
	IsActive           bool
	RevokedAt          *time.Time
	OAuthClientID      string
}

// Public is the SessionKey view with the encrypted key stripped, returned
// by Get/ListActive.
type Public struct {
	ID                string
	UserID            string
	SessionID         string
	SessionKeyAddress string
	Scopes            []scope.Scope
	OnChainParams     scope.OnChainParams
	ValidAfter        time.Time
	ValidUntil        time.Time
	IsActive          bool
	RevokedAt         *time.Time
	OAuthClientID     string
}

// ToPublic strips the encrypted key, producing the view returned by
// Get/ListActive.
func (k SessionKey) ToPublic() Public {
	return Public{
		ID:                k.ID,
		UserID:            k.UserID,
		SessionID:         k.SessionID,
		SessionKeyAddress: k.SessionKeyAddress,
		Scopes:            k.Scopes,
		OnChainParams:     k.OnChainParams,
		ValidAfter:        k.ValidAfter,
		ValidUntil:        k.ValidUntil,
		IsActive:          k.IsActive,
		RevokedAt:         k.RevokedAt,
		OAuthClientID:     k.OAuthClientID,
	}
}

// LegacyApprovedContract is the pre-scopes input shape accepted by
// POST /sessions for backward compatibility: when scopes is absent, a
// default x402:payments EIP712Scope is
// synthesized from these.
type LegacyApprovedContract struct {
	Address string
	Name    string
	Domain  struct {
		Name    string
		Version string
	}
}

// synthesizeDefaultScope builds the default x402:payments EIP712Scope from
// a legacy approvedContracts list.
func synthesizeDefaultScope(approved []LegacyApprovedContract) scope.Scope {
	s := scope.Scope{
		ID:          "x402-payments",
		Name:        "x402:payments",
		Description: "Legacy payment authority, synthesized from approvedContracts.",
		Kind:        scope.EIP712,
	}
	for _, a := range approved {
		c := scope.ApprovedContract{Address: a.Address, Name: a.Name}
		c.Domain.Name = a.Domain.Name
		c.Domain.Version = a.Domain.Version
		s.ApprovedContracts = append(s.ApprovedContracts, c)
	}
	return s
}
