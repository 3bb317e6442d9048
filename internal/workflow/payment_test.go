package workflow

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/cronosagent/gateway/internal/cryptoutil"
	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/scope"
	"github.com/cronosagent/gateway/internal/sessionkey"
	"github.com/cronosagent/gateway/internal/signing"
	"github.com/cronosagent/gateway/internal/signingservice"
)

const (
	payOwner   = "0x00000000000000000000000000000000000000ea"
	payAsset   = "0x00000000000000000000000000000000000000ac"
	paySession = "0xaabbccddaabbccddaabbccddaabbccddaabbccddaabbccddaabbccddaabbccdd"
)

// newPayingSigner builds a signing service whose session approves payAsset
// for EIP-3009 transfers, answering any number of lookups.
func newPayingSigner(t *testing.T) *signingservice.Service {
	t.Helper()

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	sessionPriv, err := crypto.GenerateKey()
	require.NoError(t, err)

	enc, err := cryptoutil.Encrypt(&serverKey.PublicKey, crypto.FromECDSA(sessionPriv))
	require.NoError(t, err)
	encJSON, err := json.Marshal(enc)
	require.NoError(t, err)

	scopesJSON, err := json.Marshal([]scope.Scope{{
		ID:                "x402-payments",
		Name:              "x402:payments",
		Kind:              scope.EIP712,
		ApprovedContracts: []scope.ApprovedContract{{Address: payAsset, Name: "USDC.e"}},
	}})
	require.NoError(t, err)
	paramsJSON, err := json.Marshal(scope.OnChainParams{})
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 4; i++ {
		rows := sqlmock.NewRows([]string{
			"id", "user_id", "session_id", "session_key_address", "encrypted_private_key",
			"scopes", "on_chain_params", "valid_after", "valid_until", "is_active", "revoked_at", "oauth_client_id",
		}).AddRow("sk_1", payOwner, paySession, crypto.PubkeyToAddress(sessionPriv.PublicKey).Hex(), encJSON,
			scopesJSON, paramsJSON, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), true, nil, "")
		mock.ExpectQuery("SELECT id, user_id, session_id, session_key_address, encrypted_private_key").
			WillReturnRows(rows)
	}

	return &signingservice.Service{
		Sessions:  sessionkey.NewWithDB(db),
		ServerKey: serverKey,
		ChainID:   big.NewInt(25),
	}
}

func TestPayGatedRequestRetriesWith402Payment(t *testing.T) {
	var gotPayment string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.Header.Get("X-PAYMENT"); p != "" {
			gotPayment = p
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"result":"paid"}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(paymentRequiredBody{PaymentRequirements: paymentRequirements{
			Scheme:            "exact",
			Network:           "eip155:25",
			PayTo:             "0x00000000000000000000000000000000000000ee",
			Asset:             payAsset,
			MaxAmountRequired: "1000000",
			MaxTimeoutSeconds: 120,
		}})
	}))
	defer upstream.Close()

	signer := newPayingSigner(t)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(http.MethodPost, upstream.URL, nil)
	require.NoError(t, err)

	resp, err := payGatedRequest(context.Background(), client, signer, nil, paySession, payOwner, req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, gotPayment)

	decoded, err := base64.StdEncoding.DecodeString(gotPayment)
	require.NoError(t, err)
	var payload paymentPayload
	require.NoError(t, json.Unmarshal(decoded, &payload))
	require.Equal(t, 1, payload.X402Version)
	require.Equal(t, "exact", payload.Scheme)
	require.Equal(t, "eip155:25", payload.Network)
	require.Equal(t, payOwner, payload.Payload.From)
	require.Equal(t, "1000000", payload.Payload.Value)
	require.Equal(t, payAsset, payload.Payload.Asset)
	require.Len(t, payload.Payload.Nonce, 2+64)

	// The header's signature is the full 149-byte session envelope, hex
	// encoded, and decodes back to the asset as verifyingContract.
	sigBytes, err := hex.DecodeString(payload.Payload.Signature[2:])
	require.NoError(t, err)
	env, err := signing.ParseEnvelope(sigBytes)
	require.NoError(t, err)
	require.Equal(t, payAsset, "0x"+hex.EncodeToString(env.VerifyingContract.Bytes()))
}

func TestPayGatedRequestFailsWhenRetryStillRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PAYMENT") != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(paymentRequiredBody{PaymentRequirements: paymentRequirements{
			Scheme: "exact", Network: "25", PayTo: "0x00000000000000000000000000000000000000ee",
			Asset: payAsset, MaxAmountRequired: "5",
		}})
	}))
	defer upstream.Close()

	signer := newPayingSigner(t)
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodPost, upstream.URL, nil)
	require.NoError(t, err)

	_, err = payGatedRequest(context.Background(), client, signer, nil, paySession, payOwner, req)
	require.True(t, gwerrors.Is(err, gwerrors.HTTP))
}

func TestPayGatedRequestPassesThroughNon402(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("X-PAYMENT"))
		_, _ = w.Write([]byte(`{"free":true}`))
	}))
	defer upstream.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)

	resp, err := payGatedRequest(context.Background(), client, nil, nil, paySession, payOwner, req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeriveChainID(t *testing.T) {
	id, err := deriveChainID("eip155:25")
	require.NoError(t, err)
	require.Equal(t, int64(25), id)

	id, err = deriveChainID("338")
	require.NoError(t, err)
	require.Equal(t, int64(338), id)

	_, err = deriveChainID("cronos-mainnet")
	require.Error(t, err)
}
