package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/ory/fosite"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/sessionkey"
)

// WorkflowTarget describes one on-chain address a workflow attached to the
// requested MCP server may call, surfaced to the consent UI.
type WorkflowTarget struct {
	Address  string `json:"address"`
	Workflow string `json:"workflow"`
}

// WorkflowTargetsLookup resolves the workflowTargets list for a slug; the
// gateway wires it to read the slug's workflow definitions through the
// tool registry. A nil lookup yields an empty list rather than failing the
// authorize request.
type WorkflowTargetsLookup func(slug string) []WorkflowTarget

type scopeDescriptor struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	Type              string `json:"type"`
	BudgetEnforceable bool   `json:"budgetEnforceable"`
}

type authorizeView struct {
	Client struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		URI     string `json:"uri,omitempty"`
		LogoURI string `json:"logoUri,omitempty"`
	} `json:"client"`
	RequestedScopes []scopeDescriptor `json:"requestedScopes"`
	Slug            string            `json:"slug,omitempty"`
	WorkflowTargets []WorkflowTarget  `json:"workflowTargets"`
}

// ScopeCatalog resolves scope identifiers to their descriptor (name,
// description, type, budget-enforceability); the gateway wires it to
// DefaultScopeCatalog's fixed vocabulary.
type ScopeCatalog func(id string) (scopeDescriptor, bool)

// defaultScopeDescriptors describes the fixed SupportedScopes vocabulary
// (discovery's scopes_supported).
var defaultScopeDescriptors = map[string]scopeDescriptor{
	"x402:payments": {
		ID: "x402:payments", Name: "x402:payments",
		Description:       "Authorize pay-gated HTTP requests signed with this session's key.",
		Type:              "eip712",
		BudgetEnforceable: false,
	},
	"mcp:tools": {
		ID: "mcp:tools", Name: "mcp:tools",
		Description:       "Invoke this server's registered MCP tools.",
		Type:              "execute",
		BudgetEnforceable: false,
	},
	"workflow:token-approvals": {
		ID: "workflow:token-approvals", Name: "workflow:token-approvals",
		Description:       "Authorize on-chain calls made by workflow tools on this session's behalf.",
		Type:              "execute",
		BudgetEnforceable: true,
	},
}

// DefaultScopeCatalog resolves against the fixed SupportedScopes
// vocabulary. Gateway wiring passes this unless a deployment needs a
// richer, tool-registry-aware catalog.
func DefaultScopeCatalog() ScopeCatalog {
	return func(id string) (scopeDescriptor, bool) {
		d, ok := defaultScopeDescriptors[id]
		return d, ok
	}
}

// requestWithParams clones r into a GET request carrying params as its
// query string, so fosite's request parsers read solely from the query
// string (never a POST JSON body) and see whatever redirect_uri/scope
// values this handler has already validated and, where necessary,
// substituted.
func requestWithParams(r *http.Request, params url.Values) *http.Request {
	clone := r.Clone(r.Context())
	clone.Method = http.MethodGet
	clone.Body = http.NoBody
	u := *r.URL
	u.RawQuery = params.Encode()
	clone.URL = &u
	return clone
}

// AuthorizeView implements GET /authorize: fosite.OAuth2Provider validates
// the request (client, redirect_uri, response_type, requested scopes,
// PKCE parameters) via NewAuthorizeRequest, and this handler renders the
// structured consent payload for an external UI from the fields fosite's
// AuthorizeRequester exposes.
func (s *Server) AuthorizeView(catalog ScopeCatalog, workflowTargets WorkflowTargetsLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		q := r.URL.Query()
		clientID := q.Get("client_id")
		redirectURI := q.Get("redirect_uri")
		slug := q.Get("mcp_slug")

		client, err := s.Store.lookupClient(ctx, clientID)
		if err != nil {
			writeError(w, gwerrors.NewValidation("unknown client_id", err))
			return
		}
		if redirectURI == "" || !client.MatchRedirectURI(redirectURI) {
			writeError(w, gwerrors.NewValidation("redirect_uri is not registered for this client", nil))
			return
		}

		params := url.Values{}
		for k, v := range q {
			params[k] = v
		}
		params.Set("redirect_uri", client.FositeRedirectURI(redirectURI))

		ar, err := s.Provider.NewAuthorizeRequest(ctx, requestWithParams(r, params))
		if err != nil {
			writeFositeError(w, err)
			return
		}

		var descriptors []scopeDescriptor
		for _, sc := range ar.GetRequestedScopes() {
			if catalog != nil {
				if d, ok := catalog(sc); ok {
					descriptors = append(descriptors, d)
					continue
				}
			}
			descriptors = append(descriptors, scopeDescriptor{ID: sc, Name: sc})
		}

		view := authorizeView{RequestedScopes: descriptors, Slug: slug, WorkflowTargets: []WorkflowTarget{}}
		view.Client.ID = client.GetID()
		view.Client.Name = client.ClientName
		view.Client.URI = client.ClientURI
		view.Client.LogoURI = client.LogoURI
		if workflowTargets != nil && slug != "" {
			view.WorkflowTargets = workflowTargets(slug)
		}

		noStoreJSON(w, http.StatusOK, view)
	}
}

type authorizeSubmission struct {
	ClientID       string   `json:"client_id"`
	RedirectURI    string   `json:"redirect_uri"`
	CodeChallenge  string   `json:"code_challenge"`
	ApprovedScopes []string `json:"approved_scopes"`
	SessionID      string   `json:"session_id"`
	State          string   `json:"state"`
	McpSlug        string   `json:"mcp_slug"`
}

// AuthorizeSubmit implements POST /authorize: the authenticated user's
// consent decision. userID comes from the gateway's session middleware.
// fosite.OAuth2Provider mints and persists the authorize code and its PKCE
// challenge (NewAuthorizeResponse); this handler's own job is binding the
// issued code to the caller's session key and building the
// {"redirect_url": ...} response from the parameters fosite's
// AuthorizeResponder attaches to the redirect.
func (s *Server) AuthorizeSubmit(sessions *sessionkey.Registry, userID func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req authorizeSubmission
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, gwerrors.NewValidation("invalid JSON body", err))
			return
		}

		uid := userID(r)
		client, err := s.Store.lookupClient(ctx, req.ClientID)
		if err != nil {
			writeError(w, gwerrors.NewValidation("unknown client_id", err))
			return
		}
		if req.RedirectURI == "" || !client.MatchRedirectURI(req.RedirectURI) {
			writeError(w, gwerrors.NewValidation("redirect_uri is not registered for this client", nil))
			return
		}

		session, err := sessions.Get(ctx, uid, req.SessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !session.IsActive {
			writeError(w, gwerrors.NewForbidden("session is not active", nil))
			return
		}

		params := url.Values{
			"client_id":             {req.ClientID},
			"redirect_uri":          {client.FositeRedirectURI(req.RedirectURI)},
			"response_type":         {"code"},
			"code_challenge":        {req.CodeChallenge},
			"code_challenge_method": {"S256"},
			"scope":                 {strings.Join(req.ApprovedScopes, " ")},
		}
		if req.State != "" {
			params.Set("state", req.State)
		}

		ar, err := s.Provider.NewAuthorizeRequest(ctx, requestWithParams(r, params))
		if err != nil {
			writeFositeError(w, err)
			return
		}
		for _, sc := range req.ApprovedScopes {
			if !client.HasScope(sc) {
				writeError(w, gwerrors.NewValidation("approved scope \""+sc+"\" is not allowed for this client", nil))
				return
			}
			ar.GrantScope(sc)
		}

		fositeSession := &fosite.DefaultSession{
			Subject: uid,
			Extra: map[string]interface{}{
				"wallet_address": uid,
				"session_id":     req.SessionID,
				"mcp_slug":       req.McpSlug,
			},
		}

		resp, err := s.Provider.NewAuthorizeResponse(ctx, ar, fositeSession)
		if err != nil {
			writeFositeError(w, err)
			return
		}

		if err := sessions.BindOAuthClient(ctx, req.SessionID, req.ClientID); err != nil {
			writeError(w, err)
			return
		}

		redirect, _ := url.Parse(req.RedirectURI)
		qs := redirect.Query()
		for k, v := range resp.GetParameters() {
			if len(v) > 0 {
				qs.Set(k, v[0])
			}
		}
		redirect.RawQuery = qs.Encode()

		noStoreJSON(w, http.StatusOK, map[string]string{"redirect_url": redirect.String()})
	}
}
