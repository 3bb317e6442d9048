// Package mcpsession implements the MCP session runtime: per-slug
// streamable-HTTP MCP servers built from the tool registry, bound to a
// generated session id.
package mcpsession

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/oauth"
	"github.com/cronosagent/gateway/internal/sessionkey"
	"github.com/cronosagent/gateway/internal/toolregistry"
	"github.com/cronosagent/gateway/internal/workflow"
)

// sessionIDHeader is the Streamable HTTP transport's session-binding
// header.
const sessionIDHeader = "Mcp-Session-Id"

type binding struct {
	slug      string
	principal oauth.Principal
}

// Manager owns one *server.MCPServer + *server.StreamableHTTPServer pair
// per slug and the session-id -> (slug, principal) binding table that
// enforces the slug-exclusivity rule.
type Manager struct {
	tools    *toolregistry.Registry
	sessions *sessionkey.Registry
	engine   *workflow.Engine

	mu      sync.RWMutex
	servers map[string]*slugServer
	bound   map[string]binding
}

type slugServer struct {
	mcp        *server.MCPServer
	streamable *server.StreamableHTTPServer
	config     *toolregistry.McpServerConfig
}

// New constructs a Manager and subscribes to tool-registry change
// notifications so a refreshTools(slug) call evicts that slug's cached
// MCP server immediately.
func New(tools *toolregistry.Registry, sessions *sessionkey.Registry, engine *workflow.Engine) *Manager {
	m := &Manager{
		tools:    tools,
		sessions: sessions,
		engine:   engine,
		servers:  make(map[string]*slugServer),
		bound:    make(map[string]binding),
	}
	tools.Subscribe(m.evictSlug)
	return m
}

func (m *Manager) evictSlug(slug string) {
	m.mu.Lock()
	delete(m.servers, slug)
	m.mu.Unlock()
}

// ServeHTTP handles one POST/GET/DELETE /mcp/:slug request for an already
// bearer-authenticated principal. It enforces the slug-binding rule before
// delegating to the slug's Streamable-HTTP transport, and records the
// freshly assigned session id the transport returns on an initialize
// request.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request, slug string, principal *oauth.Principal) {
	incomingID := r.Header.Get(sessionIDHeader)
	if incomingID != "" {
		m.mu.RLock()
		b, known := m.bound[incomingID]
		m.mu.RUnlock()
		if known && b.slug != slug {
			gwerrors.WriteJSON(w, gwerrors.NewForbidden("session id is bound to a different mcp slug", nil))
			return
		}
		if !known && r.Method == http.MethodGet {
			gwerrors.WriteJSON(w, gwerrors.NewNotFound("unknown mcp session", nil))
			return
		}
	}

	if r.Method == http.MethodDelete {
		if incomingID == "" {
			gwerrors.WriteJSON(w, gwerrors.NewValidation("mcp-session-id header is required", nil))
			return
		}
		m.mu.Lock()
		delete(m.bound, incomingID)
		srv := m.servers[slug]
		m.mu.Unlock()
		// Forward to the slug's transport when one is live so it tears down
		// its stream state too; with no server built there is nothing more
		// to terminate. Idempotent either way.
		if srv != nil {
			srv.streamable.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	srv, err := m.getOrBuildSlugServer(r.Context(), slug)
	if err != nil {
		gwerrors.WriteJSON(w, err)
		return
	}
	if srv == nil {
		gwerrors.WriteJSON(w, gwerrors.NewNotFound("mcp server not found for this slug", nil))
		return
	}

	srv.streamable.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))

	if newID := w.Header().Get(sessionIDHeader); newID != "" && newID != incomingID {
		m.mu.Lock()
		m.bound[newID] = binding{slug: slug, principal: *principal}
		m.mu.Unlock()
	}
}

type principalCtxKey struct{}

func withPrincipal(ctx context.Context, p *oauth.Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext recovers the bearer principal a tool handler runs
// on behalf of.
func PrincipalFromContext(ctx context.Context) *oauth.Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*oauth.Principal)
	return p
}

// getOrBuildSlugServer returns slug's cached MCP server, constructing it
// from the current tool-registry snapshot on a cache miss.
func (m *Manager) getOrBuildSlugServer(ctx context.Context, slug string) (*slugServer, error) {
	m.mu.RLock()
	srv, ok := m.servers[slug]
	m.mu.RUnlock()
	if ok {
		return srv, nil
	}

	cfg, err := m.tools.LoadToolsForSlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}

	srv = m.buildSlugServer(cfg)

	m.mu.Lock()
	m.servers[slug] = srv
	m.mu.Unlock()
	return srv, nil
}

func (m *Manager) buildSlugServer(cfg *toolregistry.McpServerConfig) *slugServer {
	mcpServer := server.NewMCPServer(
		"agent-access-gateway/"+cfg.Slug,
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	for _, p := range cfg.Proxies {
		proxy := p
		mcpServer.AddTool(proxyToolDefinition(proxy), m.proxyToolHandler(proxy))
	}
	for _, w := range cfg.Workflows {
		wf := w
		mcpServer.AddTool(workflowToolDefinition(wf), m.workflowToolHandler(wf))
	}

	streamable := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath("/mcp/"+cfg.Slug),
	)

	return &slugServer{mcp: mcpServer, streamable: streamable, config: cfg}
}

func proxyToolDefinition(p toolregistry.MaterializedProxyTool) mcp.Tool {
	return mcp.Tool{
		Name:        p.Name,
		Description: "Pay-gated proxy call to " + p.Proxy.TargetURL,
		InputSchema: inputSchemaFrom(p.Proxy.VariablesSchema),
	}
}

func workflowToolDefinition(w toolregistry.MaterializedWorkflowTool) mcp.Tool {
	description := w.Template.Description
	if description == "" {
		description = w.Template.Name
	}
	return mcp.Tool{
		Name:        w.Name,
		Description: description,
		InputSchema: inputSchemaFrom(w.Template.InputSchema),
	}
}

func inputSchemaFrom(vars []workflow.VariableDefinition) mcp.ToolInputSchema {
	properties := map[string]any{}
	var required []string
	for _, v := range vars {
		prop := map[string]any{"description": v.Description}
		if v.Type != "" {
			prop["type"] = jsonSchemaType(v.Type)
		}
		if v.Example != nil {
			prop["examples"] = []any{v.Example}
		}
		if v.Default != nil {
			prop["default"] = v.Default
		}
		properties[v.Name] = prop
		if v.Required {
			required = append(required, v.Name)
		}
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// jsonSchemaType maps the gateway's domain-level variable types onto the
// JSON Schema primitives an MCP client expects.
func jsonSchemaType(t string) string {
	switch t {
	case "address", "uint256", "string":
		return "string"
	case "number":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		return "array"
	case "object":
		return "object"
	default:
		return "string"
	}
}

// proxyToolHandler performs a single pay-gated HTTP call against the
// proxy's target, over the same protocol an http workflow step uses.
func (m *Manager) proxyToolHandler(p toolregistry.MaterializedProxyTool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principal := PrincipalFromContext(ctx)
		if principal == nil {
			return mcp.NewToolResultError("missing authenticated principal"), nil
		}

		var args map[string]any
		if err := req.BindArguments(&args); err != nil {
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}

		def := workflow.Definition{
			Steps: []workflow.Step{{
				ID:       "invoke",
				Name:     p.Name,
				Type:     workflow.StepHTTP,
				OutputAs: "result",
				HTTP: &workflow.HTTPStepConfig{
					ProxyID:     p.Proxy.ID,
					Method:      p.Proxy.HTTPMethod,
					BodyMapping: literalMapping(args),
				},
			}},
			OutputMapping: map[string]string{"response": "$.steps.result.output"},
		}

		key, err := m.sessions.GetWithSecret(ctx, principal.SessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result := m.engine.Run(ctx, def, args, principal.UserID, principal.SessionID, key.SessionKeyAddress)
		return toolResultFromWorkflow(result), nil
	}
}

// workflowToolHandler runs a workflow template to completion via the
// engine, surfacing its outputMapping as structured tool output.
func (m *Manager) workflowToolHandler(w toolregistry.MaterializedWorkflowTool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principal := PrincipalFromContext(ctx)
		if principal == nil {
			return mcp.NewToolResultError("missing authenticated principal"), nil
		}

		var args map[string]any
		if err := req.BindArguments(&args); err != nil {
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}

		key, err := m.sessions.GetWithSecret(ctx, principal.SessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result := m.engine.Run(ctx, w.Template.Definition, args, principal.UserID, principal.SessionID, key.SessionKeyAddress)
		return toolResultFromWorkflow(result), nil
	}
}

func toolResultFromWorkflow(result workflow.Result) *mcp.CallToolResult {
	if !result.Success {
		msg := "workflow execution failed"
		if result.Error != nil {
			msg = result.Error.Error()
		}
		return mcp.NewToolResultError(msg)
	}
	return mcp.NewToolResultStructuredOnly(result.Output)
}

// literalMapping builds a bodyMapping that reflects every tool-call
// argument straight through as "$.input.<name>", so a proxy tool's HTTP
// body is exactly the arguments the MCP client supplied.
func literalMapping(args map[string]any) map[string]string {
	mapping := make(map[string]string, len(args))
	for k := range args {
		mapping[k] = "$.input." + k
	}
	return mapping
}

// NewSessionID generates a fresh ≥128-bit session identifier. Exposed for
// callers (such as tests) that need the same id format the MCP transport
// itself would assign.
func NewSessionID() string {
	return uuid.NewString()
}
