package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cronosagent/gateway/internal/scope"
	"github.com/cronosagent/gateway/internal/sessionkey"
)

func withSessionIDParam(r *http.Request, sessionID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sessionId", sessionID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestToScopeAndFromScopeRoundTrip(t *testing.T) {
	dto := scopeDTO{
		ID:          "s1",
		Name:        "execute",
		Description: "allow transfers",
		Kind:        "execute",
		Targets: []targetDTO{{
			Address: "0xabc",
			Name:    "token",
			Selectors: []selectorDTO{
				{Selector: "0xa9059cbb", Name: "transfer", Description: "ERC20 transfer"},
			},
		}},
	}

	s := dto.toScope()
	require.Equal(t, scope.Kind("execute"), s.Kind)
	require.Len(t, s.Targets, 1)
	require.Equal(t, "0xa9059cbb", s.Targets[0].Selectors[0].Selector)

	back := fromScope(s)
	require.Equal(t, dto.ID, back.ID)
	require.Equal(t, dto.Targets[0].Address, back.Targets[0].Address)
	require.Equal(t, dto.Targets[0].Selectors[0].Selector, back.Targets[0].Selectors[0].Selector)
}

func TestApprovedDTOConversions(t *testing.T) {
	dto := approvedDTO{Address: "0xdef", Name: "usdc", SupportedTypes: []string{"TransferWithAuthorization"}}
	dto.Domain.Name = "USDC"
	dto.Domain.Version = "2"

	ac := dto.toApprovedContract()
	require.Equal(t, "0xdef", ac.Address)
	require.Equal(t, "USDC", ac.Domain.Name)
	require.Equal(t, []string{"TransferWithAuthorization"}, ac.SupportedTypes)

	lac := dto.toLegacyApprovedContract()
	require.Equal(t, "0xdef", lac.Address)
	require.Equal(t, "2", lac.Domain.Version)
}

func TestListSessionsRequiresUserID(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()

	g.listSessions(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListSessionsReturnsActiveSessions(t *testing.T) {
	g := newTestGateway(t)
	mock := sqlmockFor(t, g)

	scopesJSON, _ := json.Marshal([]scope.Scope{})
	paramsJSON, _ := json.Marshal(scope.OnChainParams{})
	mock.ExpectQuery("SELECT id, user_id, session_id, session_key_address, scopes, on_chain_params").
		WithArgs("0xowner").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "session_id", "session_key_address", "scopes", "on_chain_params",
			"valid_after", "valid_until", "is_active", "revoked_at", "oauth_client_id",
		}).AddRow("sk_1", "0xowner", "0xsession", "0xkey", scopesJSON, paramsJSON,
			time.Now(), time.Now().Add(time.Hour), true, nil, ""))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set(authenticatedUserHeader, "0xowner")
	w := httptest.NewRecorder()

	g.listSessions(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "0xsession")
}

func TestGetSessionNotFound(t *testing.T) {
	g := newTestGateway(t)
	mock := sqlmockFor(t, g)
	mock.ExpectQuery("SELECT id, user_id, session_id, session_key_address, scopes, on_chain_params").
		WithArgs("0xowner", "missing").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	req.Header.Set(authenticatedUserHeader, "0xowner")
	req = withSessionIDParam(req, "missing")
	w := httptest.NewRecorder()

	g.getSession(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSessionRevokes(t *testing.T) {
	g := newTestGateway(t)
	mock := sqlmockFor(t, g)
	mock.ExpectExec("UPDATE session_keys").
		WithArgs("0xowner", "0xsession").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodDelete, "/sessions/0xsession", nil)
	req.Header.Set(authenticatedUserHeader, "0xowner")
	req = withSessionIDParam(req, "0xsession")
	w := httptest.NewRecorder()

	g.deleteSession(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestCreateSessionRejectsMissingFields(t *testing.T) {
	g := newTestGateway(t)
	body, _ := json.Marshal(map[string]any{"sessionId": ""})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	req.Header.Set(authenticatedUserHeader, "0xowner")
	w := httptest.NewRecorder()

	g.createSession(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionRejectsNonHexPrivateKey(t *testing.T) {
	g := newTestGateway(t)
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	g.ServerPubKey = &serverKey.PublicKey

	reqBody := sessionCreateRequest{
		SessionID:         "0x" + repeatHex(64),
		SessionKeyAddress: "0x" + repeatHex(40),
		PrivateKey:        "not-hex",
	}
	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	req.Header.Set(authenticatedUserHeader, "0xowner")
	w := httptest.NewRecorder()

	g.createSession(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionHappyPath(t *testing.T) {
	g := newTestGateway(t)
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	g.ServerPubKey = &serverKey.PublicKey
	mock := sqlmockFor(t, g)

	sessionID := "0x" + repeatHex(64)
	mock.ExpectExec("INSERT INTO session_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))

	scopesJSON, _ := json.Marshal([]scope.Scope{})
	paramsJSON, _ := json.Marshal(scope.OnChainParams{})
	mock.ExpectQuery("SELECT id, user_id, session_id, session_key_address, scopes, on_chain_params").
		WithArgs("0xowner", sessionID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "session_id", "session_key_address", "scopes", "on_chain_params",
			"valid_after", "valid_until", "is_active", "revoked_at", "oauth_client_id",
		}).AddRow("sk_1", "0xowner", sessionID, "0x"+repeatHex(40), scopesJSON, paramsJSON,
			time.Now(), time.Now().Add(time.Hour), true, nil, ""))

	reqBody := sessionCreateRequest{
		SessionID:         sessionID,
		SessionKeyAddress: "0x" + repeatHex(40),
		PrivateKey:        repeatHex(64),
		ValidAfter:        time.Now().Unix(),
		ValidUntil:        time.Now().Add(time.Hour).Unix(),
		ApprovedContracts: []approvedDTO{{Address: "0x" + repeatHex(40), Name: "usdc"}},
	}
	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	req.Header.Set(authenticatedUserHeader, "0xowner")
	w := httptest.NewRecorder()

	g.createSession(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), sessionID)
}

func TestSignTransferRequiresOwnedSession(t *testing.T) {
	g := newTestGateway(t)
	mock := sqlmockFor(t, g)
	mock.ExpectQuery("SELECT id, user_id, session_id, session_key_address, scopes, on_chain_params").
		WithArgs("0xowner", "0xsession").
		WillReturnError(sql.ErrNoRows)

	body, _ := json.Marshal(signRequest{Value: "1"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/0xsession/sign", bytes.NewReader(body))
	req.Header.Set(authenticatedUserHeader, "0xowner")
	req = withSessionIDParam(req, "0xsession")
	w := httptest.NewRecorder()

	g.signTransfer(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrimHexPrefix(t *testing.T) {
	require.Equal(t, "abcd", trimHexPrefix("0xabcd"))
	require.Equal(t, "abcd", trimHexPrefix("abcd"))
	require.Equal(t, "abcd", trimHexPrefix("0Xabcd"))
}

func repeatHex(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

// sqlmockFor rebuilds g's Sessions registry against a fresh sqlmock so each
// test can set its own expectations without interference from newTestGateway's
// own (unused) mock db.
func sqlmockFor(t *testing.T, g *Gateway) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	g.Sessions = sessionkey.NewWithDB(db)
	return mock
}
