package signing

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	var sessionID [32]byte
	sessionID[0] = 0xAB

	verifyingContract := crypto.PubkeyToAddress(priv.PublicKey)
	domain := AgentDelegatorDomain(verifyingContract, big.NewInt(25))
	sep := DomainSeparator(domain)

	structHash := ExecuteWithSessionStructHash(ExecuteWithSession{
		SessionID:     sessionID,
		Mode:          [32]byte{0x01},
		ExecutionData: []byte("calldata"),
	})
	digest := Digest(sep, structHash)

	raw, err := BuildEnvelope(priv, sessionID, verifyingContract, structHash, digest)
	require.NoError(t, err)
	require.Len(t, raw, EnvelopeSize)

	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, sessionID, env.SessionID)
	require.Equal(t, verifyingContract, env.VerifyingContract)
	require.Equal(t, structHash, env.StructHash)

	// Recompute the digest and verify the recovered signer matches.
	recoveredPub, err := crypto.SigToPub(digest.Bytes(), env.Signature[:])
	require.NoError(t, err)
	require.Equal(t, verifyingContract, crypto.PubkeyToAddress(*recoveredPub))
}

func TestParseEnvelopeRejectsWrongLength(t *testing.T) {
	_, err := ParseEnvelope(make([]byte, EnvelopeSize-1))
	require.Error(t, err)

	_, err = ParseEnvelope(make([]byte, EnvelopeSize+1))
	require.Error(t, err)
}
