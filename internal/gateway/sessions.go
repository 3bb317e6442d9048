package gateway

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/scope"
	"github.com/cronosagent/gateway/internal/sessionkey"
	"github.com/cronosagent/gateway/internal/signingservice"
)

// sessionCreateRequest is the dual-shape POST /sessions body: the new
// shape supplies scopes/onChainParams directly, the legacy
// shape supplies allowedTargets/allowedSelectors/approvedContracts and has
// a default x402:payments scope synthesized for it.
type sessionCreateRequest struct {
	SessionID         string         `json:"sessionId"`
	SessionKeyAddress string         `json:"sessionKeyAddress"`
	PrivateKey        string         `json:"privateKey"` // hex, never stored in the clear
	ValidAfter        int64          `json:"validAfter"` // unix seconds
	ValidUntil        int64          `json:"validUntil"`
	Scopes            []scopeDTO     `json:"scopes"`
	OnChainParams     *onChainDTO    `json:"onChainParams"`
	ApprovedContracts []approvedDTO  `json:"approvedContracts"`
	AllowedTargets    []string       `json:"allowedTargets"`
	AllowedSelectors  []string       `json:"allowedSelectors"`
}

type scopeDTO struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	Kind              string         `json:"kind"`
	Targets           []targetDTO    `json:"targets,omitempty"`
	ApprovedContracts []approvedDTO  `json:"approvedContracts,omitempty"`
}

type targetDTO struct {
	Address   string       `json:"address"`
	Name      string       `json:"name"`
	Selectors []selectorDTO `json:"selectors"`
}

type selectorDTO struct {
	Selector    string `json:"selector"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type approvedDTO struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Domain  struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"domain"`
	SupportedTypes []string `json:"supportedTypes"`
}

type onChainDTO struct {
	AllowedTargets   []string `json:"allowedTargets"`
	AllowedSelectors []string `json:"allowedSelectors"`
}

func (d scopeDTO) toScope() scope.Scope {
	s := scope.Scope{ID: d.ID, Name: d.Name, Description: d.Description, Kind: scope.Kind(d.Kind)}
	for _, t := range d.Targets {
		target := scope.Target{Address: t.Address, Name: t.Name}
		for _, sel := range t.Selectors {
			target.Selectors = append(target.Selectors, scope.Selector{
				Selector: sel.Selector, Name: sel.Name, Description: sel.Description,
			})
		}
		s.Targets = append(s.Targets, target)
	}
	for _, c := range d.ApprovedContracts {
		s.ApprovedContracts = append(s.ApprovedContracts, c.toApprovedContract())
	}
	return s
}

func (c approvedDTO) toApprovedContract() scope.ApprovedContract {
	ac := scope.ApprovedContract{Address: c.Address, Name: c.Name, SupportedTypes: c.SupportedTypes}
	ac.Domain.Name = c.Domain.Name
	ac.Domain.Version = c.Domain.Version
	return ac
}

func (c approvedDTO) toLegacyApprovedContract() sessionkey.LegacyApprovedContract {
	lac := sessionkey.LegacyApprovedContract{Address: c.Address, Name: c.Name}
	lac.Domain.Name = c.Domain.Name
	lac.Domain.Version = c.Domain.Version
	return lac
}

type sessionResponse struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	SessionID         string    `json:"sessionId"`
	SessionKeyAddress string    `json:"sessionKeyAddress"`
	Scopes            []scopeDTO `json:"scopes"`
	ValidAfter        time.Time `json:"validAfter"`
	ValidUntil        time.Time `json:"validUntil"`
	IsActive          bool      `json:"isActive"`
	OAuthClientID     string    `json:"oauthClientId,omitempty"`
}

func toSessionResponse(p sessionkey.Public) sessionResponse {
	out := sessionResponse{
		ID:                p.ID,
		UserID:            p.UserID,
		SessionID:         p.SessionID,
		SessionKeyAddress: p.SessionKeyAddress,
		ValidAfter:        p.ValidAfter,
		ValidUntil:        p.ValidUntil,
		IsActive:          p.IsActive,
		OAuthClientID:     p.OAuthClientID,
	}
	for _, s := range p.Scopes {
		out.Scopes = append(out.Scopes, fromScope(s))
	}
	return out
}

func fromScope(s scope.Scope) scopeDTO {
	d := scopeDTO{ID: s.ID, Name: s.Name, Description: s.Description, Kind: string(s.Kind)}
	for _, t := range s.Targets {
		td := targetDTO{Address: t.Address, Name: t.Name}
		for _, sel := range t.Selectors {
			td.Selectors = append(td.Selectors, selectorDTO{Selector: sel.Selector, Name: sel.Name, Description: sel.Description})
		}
		d.Targets = append(d.Targets, td)
	}
	for _, c := range s.ApprovedContracts {
		ac := approvedDTO{Address: c.Address, Name: c.Name, SupportedTypes: c.SupportedTypes}
		ac.Domain.Name, ac.Domain.Version = c.Domain.Name, c.Domain.Version
		d.ApprovedContracts = append(d.ApprovedContracts, ac)
	}
	return d
}

// listSessions implements GET /sessions.
func (g *Gateway) listSessions(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	sessions, err := g.Sessions.ListActive(r.Context(), uid)
	if err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// getSession implements GET /sessions/:sessionId.
func (g *Gateway) getSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	session, err := g.Sessions.Get(r.Context(), uid, chi.URLParam(r, "sessionId"))
	if err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(*session))
}

// deleteSession implements DELETE /sessions/:sessionId.
func (g *Gateway) deleteSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if err := g.Sessions.Revoke(r.Context(), uid, chi.URLParam(r, "sessionId")); err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createSession implements POST /sessions, accepting either the legacy or
// the new request shape.
func (g *Gateway) createSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.WriteJSON(w, gwerrors.NewValidation("invalid JSON body", err))
		return
	}
	if req.SessionID == "" || req.SessionKeyAddress == "" || req.PrivateKey == "" {
		gwerrors.WriteJSON(w, gwerrors.NewValidation("sessionId, sessionKeyAddress, and privateKey are required", nil))
		return
	}

	rawKey, err := hex.DecodeString(trimHexPrefix(req.PrivateKey))
	if err != nil {
		gwerrors.WriteJSON(w, gwerrors.NewValidation("privateKey must be hex-encoded", err))
		return
	}
	encrypted, err := g.encryptPrivateKey(rawKey)
	if err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}

	var scopes []scope.Scope
	for _, s := range req.Scopes {
		scopes = append(scopes, s.toScope())
	}

	params := scope.Flatten(scopes)
	if req.OnChainParams != nil {
		if len(req.OnChainParams.AllowedTargets) > 0 {
			params.AllowedTargets = req.OnChainParams.AllowedTargets
		}
		if len(req.OnChainParams.AllowedSelectors) > 0 {
			params.AllowedSelectors = req.OnChainParams.AllowedSelectors
		}
	} else if len(req.AllowedTargets) > 0 {
		params.AllowedTargets = req.AllowedTargets
		params.AllowedSelectors = req.AllowedSelectors
	}

	k := sessionkey.SessionKey{
		ID:                  uuid.NewString(),
		UserID:              uid,
		SessionID:           req.SessionID,
		SessionKeyAddress:   req.SessionKeyAddress,
		EncryptedPrivateKey: *encrypted,
		Scopes:              scopes,
		OnChainParams:       params,
		ValidAfter:          time.Unix(req.ValidAfter, 0),
		ValidUntil:          time.Unix(req.ValidUntil, 0),
	}

	var legacyApproved []sessionkey.LegacyApprovedContract
	for _, c := range req.ApprovedContracts {
		legacyApproved = append(legacyApproved, c.toLegacyApprovedContract())
	}

	if err := g.Sessions.CreateLegacy(r.Context(), k, legacyApproved); err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}

	public, err := g.Sessions.Get(r.Context(), uid, req.SessionID)
	if err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(*public))
}

// signRequest is POST /sessions/:sessionId/sign's body.
type signRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Value        string `json:"value"`
	ValidAfter   int64  `json:"validAfter"`
	ValidBefore  int64  `json:"validBefore"`
	Nonce        string `json:"nonce"`
	ChainID      int64  `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
}

// signTransfer implements POST /sessions/:sessionId/sign: verifies the
// caller owns the session, then signs an EIP-3009 transfer via the signing
// service.
func (g *Gateway) signTransfer(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")

	// Session-key ownership: signing succeeds only if the caller's user id
	// equals the session's owning user id.
	if _, err := g.Sessions.Get(r.Context(), uid, sessionID); err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}

	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.WriteJSON(w, gwerrors.NewValidation("invalid JSON body", err))
		return
	}

	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		gwerrors.WriteJSON(w, gwerrors.NewValidation("value must be a decimal integer", nil))
		return
	}
	var nonce [32]byte
	nonceBytes, err := hex.DecodeString(trimHexPrefix(req.Nonce))
	if err != nil || len(nonceBytes) != 32 {
		gwerrors.WriteJSON(w, gwerrors.NewValidation("nonce must be 32 bytes of hex", nil))
		return
	}
	copy(nonce[:], nonceBytes)

	envelope, err := g.Signer.Sign(r.Context(), signingservice.TransferRequest{
		SessionID:    sessionID,
		TokenAddress: req.TokenAddress,
		From:         req.From,
		To:           req.To,
		Value:        value,
		ValidAfter:   big.NewInt(req.ValidAfter),
		ValidBefore:  big.NewInt(req.ValidBefore),
		Nonce:        nonce,
	})
	if err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"signature": "0x" + hex.EncodeToString(envelope)})
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
