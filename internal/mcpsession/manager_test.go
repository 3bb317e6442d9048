package mcpsession

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cronosagent/gateway/internal/oauth"
	"github.com/cronosagent/gateway/internal/sessionkey"
	"github.com/cronosagent/gateway/internal/toolregistry"
	"github.com/cronosagent/gateway/internal/workflow"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tools := toolregistry.NewRegistry(&toolregistry.Store{}, 0)
	sessions := sessionkey.NewWithDB(nil)
	engine := &workflow.Engine{}
	return New(tools, sessions, engine)
}

func TestServeHTTPRejectsSessionBoundToDifferentSlug(t *testing.T) {
	m := newTestManager(t)
	m.bound["sess-1"] = binding{slug: "slug-a", principal: oauth.Principal{UserID: "0xowner"}}

	req := httptest.NewRequest(http.MethodPost, "/mcp/slug-b", nil)
	req.Header.Set(sessionIDHeader, "sess-1")
	w := httptest.NewRecorder()

	m.ServeHTTP(w, req, "slug-b", &oauth.Principal{UserID: "0xowner"})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestServeHTTPRejectsUnknownSessionOnGet(t *testing.T) {
	m := newTestManager(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp/slug-a", nil)
	req.Header.Set(sessionIDHeader, "unknown-session")
	w := httptest.NewRecorder()

	m.ServeHTTP(w, req, "slug-a", &oauth.Principal{UserID: "0xowner"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeHTTPDeleteClearsBinding(t *testing.T) {
	m := newTestManager(t)
	m.bound["sess-1"] = binding{slug: "slug-a", principal: oauth.Principal{UserID: "0xowner"}}

	req := httptest.NewRequest(http.MethodDelete, "/mcp/slug-a", nil)
	req.Header.Set(sessionIDHeader, "sess-1")
	w := httptest.NewRecorder()

	// slug-a has no live transport, so termination completes at the
	// manager: the binding is gone and the delete reports no content.
	m.ServeHTTP(w, req, "slug-a", &oauth.Principal{UserID: "0xowner"})
	require.Equal(t, http.StatusNoContent, w.Code)

	m.mu.RLock()
	_, stillBound := m.bound["sess-1"]
	m.mu.RUnlock()
	require.False(t, stillBound)
}

func TestJSONSchemaTypeMapping(t *testing.T) {
	require.Equal(t, "string", jsonSchemaType("address"))
	require.Equal(t, "string", jsonSchemaType("uint256"))
	require.Equal(t, "number", jsonSchemaType("number"))
	require.Equal(t, "boolean", jsonSchemaType("boolean"))
	require.Equal(t, "array", jsonSchemaType("array"))
	require.Equal(t, "object", jsonSchemaType("object"))
	require.Equal(t, "string", jsonSchemaType("unknown-type"))
}

func TestInputSchemaFromMarksRequiredFields(t *testing.T) {
	schema := inputSchemaFrom([]workflow.VariableDefinition{
		{Name: "amount", Type: "uint256", Required: true},
		{Name: "memo", Type: "string", Required: false},
	})
	require.Equal(t, "object", schema.Type)
	require.ElementsMatch(t, []string{"amount"}, schema.Required)
	require.Contains(t, schema.Properties, "amount")
	require.Contains(t, schema.Properties, "memo")
}

func TestLiteralMappingReflectsArgsAsInputExpressions(t *testing.T) {
	mapping := literalMapping(map[string]any{"to": "0xbeef", "amount": "5"})
	require.Equal(t, "$.input.to", mapping["to"])
	require.Equal(t, "$.input.amount", mapping["amount"])
}

func TestToolResultFromWorkflowFailure(t *testing.T) {
	result := workflow.Result{Success: false}
	out := toolResultFromWorkflow(result)
	require.True(t, out.IsError)
}

func TestNewSessionIDIsAValidUUID(t *testing.T) {
	id := NewSessionID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
}
