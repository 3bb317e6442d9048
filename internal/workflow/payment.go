package workflow

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/signingservice"
)

// paymentRequirements is the body the pay-gated upstream returns on 402,
// pinned to the body form (any header-only variant is not supported).
type paymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

type paymentRequiredBody struct {
	PaymentRequirements paymentRequirements `json:"paymentRequirements"`
}

// paymentPayload is the X-PAYMENT header's decoded JSON shape.
type paymentPayload struct {
	X402Version int                   `json:"x402Version"`
	Scheme      string                `json:"scheme"`
	Network     string                `json:"network"`
	Payload     paymentPayloadPayload `json:"payload"`
}

type paymentPayloadPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Asset       string `json:"asset"`
	Signature   string `json:"signature"`
}

// NonceSource supplies fresh payment nonces, registered for replay
// protection (the payment nonce namespace). A nil source falls back to
// untracked random nonces, which tests use.
type NonceSource interface {
	PaymentNonce(ctx context.Context) ([32]byte, error)
}

// payGatedRequest performs req; if the upstream responds 402, it signs an
// EIP-3009 transfer authorization for the advertised payment requirements
// via signer, retries req once with the X-PAYMENT header attached, and
// returns that response. Any non-2xx after payment is an HTTPError.
func payGatedRequest(ctx context.Context, client *http.Client, signer *signingservice.Service, nonces NonceSource, sessionID, fromAddress string, req *http.Request) (*http.Response, error) {
	bodyBytes, err := drainBody(req)
	if err != nil {
		return nil, gwerrors.New(gwerrors.HTTP, "reading request body", err)
	}

	resp, err := doWithBody(ctx, client, req, bodyBytes)
	if err != nil {
		return nil, gwerrors.New(gwerrors.HTTP, "performing http request", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return checkStatus(resp)
	}
	defer resp.Body.Close()

	var required paymentRequiredBody
	if err := json.NewDecoder(resp.Body).Decode(&required); err != nil {
		return nil, gwerrors.New(gwerrors.PaymentRequired, "decoding payment requirements", err)
	}

	header, err := buildPaymentHeader(ctx, signer, nonces, sessionID, fromAddress, required.PaymentRequirements)
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-PAYMENT", header)
	retryResp, err := doWithBody(ctx, client, req, bodyBytes)
	if err != nil {
		return nil, gwerrors.New(gwerrors.HTTP, "retrying http request with payment", err)
	}
	return checkStatus(retryResp)
}

func checkStatus(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, gwerrors.New(gwerrors.HTTP, fmt.Sprintf("upstream returned %d", resp.StatusCode), nil).
		WithData(map[string]any{"status": resp.StatusCode, "body": string(body)})
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	return b, err
}

func doWithBody(ctx context.Context, client *http.Client, req *http.Request, body []byte) (*http.Response, error) {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	return client.Do(clone)
}

// buildPaymentHeader signs a fresh EIP-3009 transfer authorization for
// req's payment requirements and base64-encodes the canonical X-PAYMENT
// payload.
func buildPaymentHeader(ctx context.Context, signer *signingservice.Service, nonces NonceSource, sessionID, fromAddress string, req paymentRequirements) (string, error) {
	if _, err := deriveChainID(req.Network); err != nil {
		return "", gwerrors.New(gwerrors.PaymentRequired, "deriving chain id from network", err)
	}

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return "", gwerrors.New(gwerrors.PaymentRequired, "maxAmountRequired is not a decimal integer", nil)
	}

	var nonce [32]byte
	if nonces != nil {
		var err error
		if nonce, err = nonces.PaymentNonce(ctx); err != nil {
			return "", gwerrors.NewInternal("generating payment nonce", err)
		}
	} else if _, err := rand.Read(nonce[:]); err != nil {
		return "", gwerrors.NewInternal("generating payment nonce", err)
	}

	now := time.Now()
	validAfter := big.NewInt(now.Add(-30 * time.Second).Unix())
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	validBefore := big.NewInt(now.Add(time.Duration(timeout) * time.Second).Unix())

	envelope, err := signer.Sign(ctx, signingservice.TransferRequest{
		SessionID:    sessionID,
		TokenAddress: req.Asset,
		From:         fromAddress,
		To:           req.PayTo,
		Value:        amount,
		ValidAfter:   validAfter,
		ValidBefore:  validBefore,
		Nonce:        nonce,
	})
	if err != nil {
		return "", err
	}

	payload := paymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     req.Network,
		Payload: paymentPayloadPayload{
			From:        fromAddress,
			To:          req.PayTo,
			Value:       amount.String(),
			ValidAfter:  validAfter.Int64(),
			ValidBefore: validBefore.Int64(),
			Nonce:       "0x" + hex.EncodeToString(nonce[:]),
			Asset:       req.Asset,
			Signature:   "0x" + hex.EncodeToString(envelope),
		},
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", gwerrors.NewInternal("marshaling payment payload", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// deriveChainID reads a CAIP-2-style "eip155:<id>" network string, or a
// bare decimal chain id, into its numeric chain id.
func deriveChainID(network string) (int64, error) {
	s := network
	if idx := strings.LastIndex(network, ":"); idx >= 0 {
		s = network[idx+1:]
	}
	return strconv.ParseInt(s, 10, 64)
}
