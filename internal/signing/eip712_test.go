package signing

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestTransferWithAuthorizationStructHashIsStable(t *testing.T) {
	transfer := TransferWithAuthorization{
		From:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:       big.NewInt(1_000_000),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(1_900_000_000),
	}
	h1 := StructHash(transfer)
	h2 := StructHash(transfer)
	require.Equal(t, h1, h2)

	transfer.Value = big.NewInt(2_000_000)
	require.NotEqual(t, h1, StructHash(transfer))
}

func TestDomainSeparatorDependsOnEveryField(t *testing.T) {
	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")
	base := AgentDelegatorDomain(owner, big.NewInt(25))
	sep := DomainSeparator(base)

	otherChain := AgentDelegatorDomain(owner, big.NewInt(338))
	require.NotEqual(t, sep, DomainSeparator(otherChain))

	otherOwner := AgentDelegatorDomain(common.HexToAddress("0x4444444444444444444444444444444444444444"), big.NewInt(25))
	require.NotEqual(t, sep, DomainSeparator(otherOwner))
}

// TestEnvelopePreimageReconstruction does what the delegator contract does
// on-chain: given only the envelope's fields and the owner's address, it
// rebuilds the SessionSignature digest and recovers the session key.
func TestEnvelopePreimageReconstruction(t *testing.T) {
	sessionPriv, err := crypto.GenerateKey()
	require.NoError(t, err)
	sessionAddr := crypto.PubkeyToAddress(sessionPriv.PublicKey)

	owner := common.HexToAddress("0x5555555555555555555555555555555555555555")
	token := common.HexToAddress("0x6666666666666666666666666666666666666666")
	var sessionID [32]byte
	sessionID[31] = 0x07

	transferHash := StructHash(TransferWithAuthorization{
		From:        owner,
		To:          common.HexToAddress("0x7777777777777777777777777777777777777777"),
		Value:       big.NewInt(42),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(1_900_000_000),
	})

	sep := DomainSeparator(AgentDelegatorDomain(owner, big.NewInt(25)))
	digest := Digest(sep, SessionSignatureStructHash(SessionSignature{
		SessionID:         sessionID,
		VerifyingContract: token,
		StructHash:        transferHash,
	}))

	raw, err := BuildEnvelope(sessionPriv, sessionID, token, transferHash, digest)
	require.NoError(t, err)

	env, err := ParseEnvelope(raw)
	require.NoError(t, err)

	// Reconstruction uses only envelope fields plus the owner address the
	// contract already knows.
	rebuilt := Digest(sep, SessionSignatureStructHash(SessionSignature{
		SessionID:         env.SessionID,
		VerifyingContract: env.VerifyingContract,
		StructHash:        env.StructHash,
	}))
	require.Equal(t, digest, rebuilt)

	recovered, err := crypto.SigToPub(rebuilt.Bytes(), env.Signature[:])
	require.NoError(t, err)
	require.Equal(t, sessionAddr, crypto.PubkeyToAddress(*recovered))
}
