package signing

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
)

// EnvelopeSize is the exact length of the session-signature envelope:
// sessionId(32) || verifyingContract(20) || structHash(32) || ecdsaSig(65).
const EnvelopeSize = 32 + 20 + 32 + 65

// Envelope is the parsed form of the 149-byte session-signature envelope:
// it lets the on-chain delegator contract reconstruct the exact preimage
// that was signed.
type Envelope struct {
	SessionID         [32]byte
	VerifyingContract common.Address
	StructHash        common.Hash
	Signature         [65]byte
}

// BuildEnvelope signs digest with priv and packs the exactly-149-byte
// envelope. The signature is produced over the caller's EIP-712 digest
// (the SessionSignature struct under the AgentDelegator domain), but the
// envelope itself carries the pre-digest inner structHash so the contract
// can recompute the domain separator and SessionSignature preimage
// on-chain and rebuild the digest itself.
func BuildEnvelope(priv *ecdsa.PrivateKey, sessionID [32]byte, verifyingContract common.Address, structHash common.Hash, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), priv)
	if err != nil {
		return nil, gwerrors.NewInternal("signing digest", err)
	}
	if len(sig) != 65 {
		return nil, gwerrors.NewInternal("unexpected signature length", fmt.Errorf("got %d bytes", len(sig)))
	}

	out := make([]byte, 0, EnvelopeSize)
	out = append(out, sessionID[:]...)
	out = append(out, verifyingContract.Bytes()...)
	out = append(out, structHash.Bytes()...)
	out = append(out, sig...)
	return out, nil
}

// ParseEnvelope is the exact inverse of BuildEnvelope. A length mismatch
// fails with a kind-distinct error rather than silently truncating or
// padding.
func ParseEnvelope(b []byte) (*Envelope, error) {
	if len(b) != EnvelopeSize {
		return nil, gwerrors.NewValidation(
			fmt.Sprintf("session signature envelope must be %d bytes, got %d", EnvelopeSize, len(b)),
			nil,
		)
	}

	var env Envelope
	copy(env.SessionID[:], b[0:32])
	env.VerifyingContract = common.BytesToAddress(b[32:52])
	env.StructHash = common.BytesToHash(b[52:84])
	copy(env.Signature[:], b[84:149])
	return &env, nil
}
