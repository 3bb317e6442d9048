// Package signing implements EIP-712 struct hashing, domain construction,
// and the 149-byte session-signature envelope.
package signing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Pre-computed EIP-712 type hashes, computed once at init.
var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	transferWithAuthTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
	executeWithSessionTypeHash = crypto.Keccak256Hash([]byte(
		"ExecuteWithSession(bytes32 sessionId,bytes32 mode,bytes executionData)",
	))
	sessionSignatureTypeHash = crypto.Keccak256Hash([]byte(
		"SessionSignature(bytes32 sessionId,address verifyingContract,bytes32 structHash)",
	))
)

// Domain is an EIP-712 domain separator's inputs.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func addrPad(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}

// DomainSeparator computes keccak256(abi.encode(EIP712Domain(...))).
func DomainSeparator(d Domain) common.Hash {
	enc := make([]byte, 5*32)
	copy(enc[0:32], domainTypeHash.Bytes())
	copy(enc[32:64], crypto.Keccak256([]byte(d.Name)))
	copy(enc[64:96], crypto.Keccak256([]byte(d.Version)))
	copy(enc[96:128], pad32(d.ChainID))
	copy(enc[128:160], addrPad(d.VerifyingContract))
	return crypto.Keccak256Hash(enc)
}

// AgentDelegatorDomain builds the domain under which session signatures
// and ExecuteWithSession payloads are signed: the verifying contract is
// the user's own smart account (walletAddress).
func AgentDelegatorDomain(walletAddress common.Address, chainID *big.Int) Domain {
	return Domain{
		Name:              "AgentDelegator",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: walletAddress,
	}
}

// TransferWithAuthorization is the EIP-3009 struct signed to authorize a
// token transfer.
type TransferWithAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// StructHash computes keccak256(abi.encode(TYPEHASH, fields...)) for an
// EIP-3009 TransferWithAuthorization.
func StructHash(t TransferWithAuthorization) common.Hash {
	enc := make([]byte, 7*32)
	copy(enc[0:32], transferWithAuthTypeHash.Bytes())
	copy(enc[32:64], addrPad(t.From))
	copy(enc[64:96], addrPad(t.To))
	copy(enc[96:128], pad32(t.Value))
	copy(enc[128:160], pad32(t.ValidAfter))
	copy(enc[160:192], pad32(t.ValidBefore))
	copy(enc[192:224], t.Nonce[:])
	return crypto.Keccak256Hash(enc)
}

// SessionSignature is the typed struct a session key actually signs when
// authorizing a transfer: it binds the inner struct hash to the session id
// and the contract the hash is valid against, so one session's signature
// can never be replayed for another session or another contract. The
// delegator contract rebuilds this struct from the envelope's fields when
// verifying on-chain.
type SessionSignature struct {
	SessionID         [32]byte
	VerifyingContract common.Address
	StructHash        common.Hash
}

// SessionSignatureStructHash computes the struct hash for a
// SessionSignature payload.
func SessionSignatureStructHash(s SessionSignature) common.Hash {
	enc := make([]byte, 4*32)
	copy(enc[0:32], sessionSignatureTypeHash.Bytes())
	copy(enc[32:64], s.SessionID[:])
	copy(enc[64:96], addrPad(s.VerifyingContract))
	copy(enc[96:128], s.StructHash.Bytes())
	return crypto.Keccak256Hash(enc)
}

// ExecuteWithSession is the struct signed to authorize a session-key
// execution (single-call or batched; executionData's packing differs but
// the signed struct shape is the same).
type ExecuteWithSession struct {
	SessionID     [32]byte
	Mode          [32]byte
	ExecutionData []byte
}

// ExecuteWithSessionStructHash computes the struct hash for an
// ExecuteWithSession payload.
func ExecuteWithSessionStructHash(e ExecuteWithSession) common.Hash {
	enc := make([]byte, 4*32)
	copy(enc[0:32], executeWithSessionTypeHash.Bytes())
	copy(enc[32:64], e.SessionID[:])
	copy(enc[64:96], e.Mode[:])
	copy(enc[96:128], crypto.Keccak256(e.ExecutionData))
	return crypto.Keccak256Hash(enc)
}

// Digest computes the final EIP-712 digest: keccak256(0x1901 || domainSeparator || structHash).
func Digest(domainSeparator, structHash common.Hash) common.Hash {
	buf := make([]byte, 2+32+32)
	buf[0] = 0x19
	buf[1] = 0x01
	copy(buf[2:34], domainSeparator.Bytes())
	copy(buf[34:66], structHash.Bytes())
	return crypto.Keccak256Hash(buf)
}
