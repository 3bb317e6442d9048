// Package signingservice implements the per-session signing operation:
// EIP-3009 transfer authorizations and ExecuteWithSession calls,
// both gated by the session's scopes and its on-chain session key.
package signingservice

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cronosagent/gateway/internal/cryptoutil"
	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/scope"
	"github.com/cronosagent/gateway/internal/sessionkey"
	"github.com/cronosagent/gateway/internal/signing"
)

// Service signs on behalf of delegated session keys. ServerKey is the
// gateway's own RSA keypair used to unwrap the AES-256-GCM key each
// session's private key is encrypted under (internal/cryptoutil).
type Service struct {
	Sessions  *sessionkey.Registry
	ServerKey *rsa.PrivateKey
	ChainID   *big.Int
}

// TransferRequest is an EIP-3009 transferWithAuthorization signing request.
type TransferRequest struct {
	SessionID    string
	TokenAddress string
	From         string
	To           string
	Value        *big.Int
	ValidAfter   *big.Int
	ValidBefore  *big.Int
	Nonce        [32]byte
}

// Sign produces the 149-byte session-signature envelope for an EIP-3009
// transfer.
func (s *Service) Sign(ctx context.Context, req TransferRequest) ([]byte, error) {
	k, err := s.Sessions.GetWithSecret(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if !scope.IsContractApproved(k.Scopes, req.TokenAddress) {
		return nil, gwerrors.New(gwerrors.ContractNotApproved, "token is not an approved contract for this session", nil).
			WithData(notApprovedData(k.Scopes))
	}

	if !k.IsActive {
		return nil, gwerrors.NewUnauthorized("session has been revoked", nil)
	}
	now := time.Now()
	if now.Before(k.ValidAfter) || now.After(k.ValidUntil) {
		return nil, gwerrors.NewUnauthorized("session is outside its validity window", nil)
	}
	if !strings.EqualFold(req.From, k.UserID) {
		return nil, gwerrors.NewUnauthorized("from does not match the session owner's wallet address", nil)
	}

	priv, err := s.decryptSessionKey(k)
	if err != nil {
		return nil, err
	}
	derived := crypto.PubkeyToAddress(priv.PublicKey)
	if !strings.EqualFold(derived.Hex(), k.SessionKeyAddress) {
		return nil, gwerrors.New(gwerrors.SessionKeyMismatch, "decrypted key does not match the session's registered address", nil)
	}

	tokenAddr := common.HexToAddress(req.TokenAddress)
	structHash := signing.StructHash(signing.TransferWithAuthorization{
		From:        common.HexToAddress(req.From),
		To:          common.HexToAddress(req.To),
		Value:       req.Value,
		ValidAfter:  req.ValidAfter,
		ValidBefore: req.ValidBefore,
		Nonce:       req.Nonce,
	})

	var sessionID32 [32]byte
	copy(sessionID32[:], common.FromHex(k.SessionID))

	// The key signs SessionSignature{sessionId, verifyingContract,
	// structHash} under the AgentDelegator domain, not the bare transfer
	// hash: the envelope carries the inner structHash, and the delegator
	// contract rebuilds the SessionSignature preimage from the envelope's
	// own fields at verification time.
	domain := signing.AgentDelegatorDomain(common.HexToAddress(k.UserID), s.ChainID)
	sep := signing.DomainSeparator(domain)
	sessStructHash := signing.SessionSignatureStructHash(signing.SessionSignature{
		SessionID:         sessionID32,
		VerifyingContract: tokenAddr,
		StructHash:        structHash,
	})
	digest := signing.Digest(sep, sessStructHash)

	return signing.BuildEnvelope(priv, sessionID32, tokenAddr, structHash, digest)
}

// ExecuteOperation names one (target, selector) pair an ExecuteWithSession
// payload will invoke, pre-resolved by the caller. The signer checks every
// operation against the session's execute scopes before signing; it never
// trusts a caller's claim that a scope permits an operation.
type ExecuteOperation struct {
	Target   string
	Selector string // 0x-prefixed 4-byte hex; empty for a bare value transfer
}

// ExecuteRequest is an ExecuteWithSession signing request, used by the
// workflow engine for on-chain calls.
type ExecuteRequest struct {
	SessionID     string
	Mode          [32]byte
	ExecutionData []byte
	Operations    []ExecuteOperation
}

// SignExecute signs {sessionId, mode, executionData} under the
// AgentDelegator domain and returns the raw 65-byte signature. Every
// operation packed into ExecutionData must be declared in Operations and
// admissible under the session's execute scopes, or nothing is signed.
func (s *Service) SignExecute(ctx context.Context, req ExecuteRequest) ([]byte, error) {
	k, err := s.Sessions.GetWithSecret(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if !k.IsActive {
		return nil, gwerrors.NewUnauthorized("session has been revoked", nil)
	}
	now := time.Now()
	if now.Before(k.ValidAfter) || now.After(k.ValidUntil) {
		return nil, gwerrors.NewUnauthorized("session is outside its validity window", nil)
	}

	if len(req.Operations) == 0 {
		return nil, gwerrors.NewValidation("execute signing requires at least one resolved operation", nil)
	}
	for _, op := range req.Operations {
		if !scope.IsExecutionAllowed(k.Scopes, op.Target, op.Selector) {
			return nil, gwerrors.NewForbidden(
				fmt.Sprintf("target %s is not allowed by this session's execute scopes", op.Target), nil).
				WithData(map[string]any{
					"target":         op.Target,
					"selector":       op.Selector,
					"allowedTargets": k.OnChainParams.AllowedTargets,
				})
		}
	}

	priv, err := s.decryptSessionKey(k)
	if err != nil {
		return nil, err
	}
	derived := crypto.PubkeyToAddress(priv.PublicKey)
	if !strings.EqualFold(derived.Hex(), k.SessionKeyAddress) {
		return nil, gwerrors.New(gwerrors.SessionKeyMismatch, "decrypted key does not match the session's registered address", nil)
	}
	var sessionID32 [32]byte
	copy(sessionID32[:], common.FromHex(k.SessionID))

	structHash := signing.ExecuteWithSessionStructHash(signing.ExecuteWithSession{
		SessionID:     sessionID32,
		Mode:          req.Mode,
		ExecutionData: req.ExecutionData,
	})

	domain := signing.AgentDelegatorDomain(common.HexToAddress(k.UserID), s.ChainID)
	sep := signing.DomainSeparator(domain)
	digest := signing.Digest(sep, structHash)

	return crypto.Sign(digest.Bytes(), priv)
}

// notApprovedData is the ContractNotApproved error body: the
// contracts this session may sign for and the scope names it holds.
func notApprovedData(scopes []scope.Scope) map[string]any {
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, s.Name)
	}
	return map[string]any{
		"approvedContracts": scope.ApprovedContractAddresses(scopes),
		"availableScopes":   names,
	}
}

func (s *Service) decryptSessionKey(k *sessionkey.SessionKey) (*ecdsa.PrivateKey, error) {
	plaintext, err := cryptoutil.Decrypt(s.ServerKey, &k.EncryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, gwerrors.NewInternal("parsing decrypted session private key", err)
	}
	return priv, nil
}
