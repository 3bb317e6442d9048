package toolregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	// Same driver-only import pattern as internal/sessionkey.
	_ "github.com/lib/pq"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/cryptoutil"
	"github.com/cronosagent/gateway/internal/workflow"
)

// Store persists ApiProxy, WorkflowTemplate and McpServer tool bindings.
type Store struct {
	db *sql.DB

	// HeaderDecrypt decrypts an ApiProxy's encryptedHeaders blob. Wired by
	// the caller at construction time (cmd/gateway) so the store never
	// holds the server's RSA private key itself.
	HeaderDecrypt HeaderDecrypter
}

// Open opens a Postgres connection pool for the tool registry's tables.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL for the tool-registry tables.
const Schema = `
CREATE TABLE IF NOT EXISTS api_proxies (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	slug               TEXT,
	owner_user_id      TEXT NOT NULL,
	target_url         TEXT NOT NULL,
	http_method        TEXT NOT NULL,
	encrypted_headers  JSONB,
	price_per_request  TEXT NOT NULL,
	payment_address    TEXT NOT NULL,
	variables_schema   JSONB NOT NULL,
	request_body_template JSONB,
	query_params_template JSONB,
	content_type       TEXT NOT NULL DEFAULT 'application/json',
	is_public          BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS workflow_templates (
	id           TEXT PRIMARY KEY,
	slug         TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT,
	input_schema JSONB NOT NULL,
	definition   JSONB NOT NULL,
	is_public    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS mcp_servers (
	id   TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS mcp_proxy_tools (
	id             TEXT PRIMARY KEY,
	mcp_server_id  TEXT NOT NULL REFERENCES mcp_servers(id),
	proxy_id       TEXT NOT NULL REFERENCES api_proxies(id),
	name           TEXT,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	display_order  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS mcp_workflow_tools (
	id                     TEXT PRIMARY KEY,
	mcp_server_id          TEXT NOT NULL REFERENCES mcp_servers(id),
	workflow_template_id   TEXT NOT NULL REFERENCES workflow_templates(id),
	name                   TEXT,
	enabled                BOOLEAN NOT NULL DEFAULT TRUE,
	display_order          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_mcp_proxy_tools_server ON mcp_proxy_tools (mcp_server_id, display_order);
CREATE INDEX IF NOT EXISTS idx_mcp_workflow_tools_server ON mcp_workflow_tools (mcp_server_id, display_order);
`

// Migrate applies the tool registry's DDL. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return gwerrors.NewInternal("migrating tool registry schema", err)
	}
	return nil
}

// mcpServerIDBySlug resolves an McpServer id by slug, or NotFound.
func (s *Store) mcpServerIDBySlug(ctx context.Context, slug string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM mcp_servers WHERE slug = $1`, slug).Scan(&id)
	if err == sql.ErrNoRows {
		return "", gwerrors.NewNotFound("mcp server not found", nil)
	}
	if err != nil {
		return "", gwerrors.NewInternal("looking up mcp server", err)
	}
	return id, nil
}

// LoadForSlug assembles the full McpServerConfig for slug from the
// relational tables, ordering both tool kinds by displayOrder ascending.
// Returns (nil, nil) when the slug is unregistered.
func (s *Store) LoadForSlug(ctx context.Context, slug string) (*McpServerConfig, error) {
	serverID, err := s.mcpServerIDBySlug(ctx, slug)
	if err != nil {
		if gwerrors.Is(err, gwerrors.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	proxies, err := s.loadProxyTools(ctx, serverID)
	if err != nil {
		return nil, err
	}
	workflows, err := s.loadWorkflowTools(ctx, serverID)
	if err != nil {
		return nil, err
	}

	return &McpServerConfig{
		McpServerID: serverID,
		Slug:        slug,
		Proxies:     proxies,
		Workflows:   workflows,
	}, nil
}

func (s *Store) loadProxyTools(ctx context.Context, serverID string) ([]MaterializedProxyTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(t.name, ''), p.id, p.name, COALESCE(p.slug, ''), p.owner_user_id, p.target_url, p.http_method,
		       p.encrypted_headers, p.price_per_request, p.payment_address,
		       p.variables_schema, p.request_body_template, p.query_params_template,
		       p.content_type, p.is_public
		FROM mcp_proxy_tools t
		JOIN api_proxies p ON p.id = t.proxy_id
		WHERE t.mcp_server_id = $1 AND t.enabled = TRUE
		ORDER BY t.display_order ASC
	`, serverID)
	if err != nil {
		return nil, gwerrors.NewInternal("querying proxy tools", err)
	}
	defer rows.Close()

	var out []MaterializedProxyTool
	for rows.Next() {
		var toolName string
		var proxy ApiProxy
		var encryptedHeaders, variablesSchema, bodyTemplate, queryTemplate sql.NullString
		if err := rows.Scan(&toolName, &proxy.ID, &proxy.Name, &proxy.Slug, &proxy.OwnerUserID, &proxy.TargetURL,
			&proxy.HTTPMethod, &encryptedHeaders, &proxy.PricePerRequest, &proxy.PaymentAddress,
			&variablesSchema, &bodyTemplate, &queryTemplate, &proxy.ContentType, &proxy.IsPublic); err != nil {
			return nil, gwerrors.NewInternal("scanning proxy tool", err)
		}

		if encryptedHeaders.Valid && encryptedHeaders.String != "" {
			var enc cryptoutil.Encrypted
			if err := json.Unmarshal([]byte(encryptedHeaders.String), &enc); err != nil {
				return nil, gwerrors.NewInternal("unmarshaling encrypted headers", err)
			}
			proxy.EncryptedHeaders = &enc
		}
		if variablesSchema.Valid && variablesSchema.String != "" {
			if err := json.Unmarshal([]byte(variablesSchema.String), &proxy.VariablesSchema); err != nil {
				return nil, gwerrors.NewInternal("unmarshaling variables schema", err)
			}
		}
		if bodyTemplate.Valid && bodyTemplate.String != "" {
			if err := json.Unmarshal([]byte(bodyTemplate.String), &proxy.RequestBodyTemplate); err != nil {
				return nil, gwerrors.NewInternal("unmarshaling request body template", err)
			}
		}
		if queryTemplate.Valid && queryTemplate.String != "" {
			if err := json.Unmarshal([]byte(queryTemplate.String), &proxy.QueryParamsTemplate); err != nil {
				return nil, gwerrors.NewInternal("unmarshaling query params template", err)
			}
		}

		name := toolName
		if name == "" && proxy.Name != "" {
			name = defaultToolName(proxy.Name)
		}
		if name == "" {
			name = defaultToolName(proxy.ID)
		}
		out = append(out, MaterializedProxyTool{Name: name, Proxy: proxy})
	}
	return out, rows.Err()
}

func (s *Store) loadWorkflowTools(ctx context.Context, serverID string) ([]MaterializedWorkflowTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(t.name, ''), w.id, w.slug, w.user_id, w.name, COALESCE(w.description, ''),
		       w.input_schema, w.definition, w.is_public
		FROM mcp_workflow_tools t
		JOIN workflow_templates w ON w.id = t.workflow_template_id
		WHERE t.mcp_server_id = $1 AND t.enabled = TRUE
		ORDER BY t.display_order ASC
	`, serverID)
	if err != nil {
		return nil, gwerrors.NewInternal("querying workflow tools", err)
	}
	defer rows.Close()

	var out []MaterializedWorkflowTool
	for rows.Next() {
		var toolName string
		var tmpl WorkflowTemplate
		var inputSchema, definitionJSON []byte
		if err := rows.Scan(&toolName, &tmpl.ID, &tmpl.Slug, &tmpl.UserID, &tmpl.Name,
			&tmpl.Description, &inputSchema, &definitionJSON, &tmpl.IsPublic); err != nil {
			return nil, gwerrors.NewInternal("scanning workflow tool", err)
		}
		if err := json.Unmarshal(inputSchema, &tmpl.InputSchema); err != nil {
			return nil, gwerrors.NewInternal("unmarshaling workflow input schema", err)
		}
		if err := json.Unmarshal(definitionJSON, &tmpl.Definition); err != nil {
			return nil, gwerrors.NewInternal("unmarshaling workflow definition", err)
		}

		name := toolName
		if name == "" {
			name = defaultToolName(tmpl.Name)
		}
		out = append(out, MaterializedWorkflowTool{Name: name, Template: tmpl})
	}
	return out, rows.Err()
}

// ResolveProxy implements workflow.ProxyResolver for the workflow engine's
// http steps that reference a proxyId.
func (s *Store) ResolveProxy(ctx context.Context, proxyID string) (workflow.ProxyMeta, error) {
	var proxy ApiProxy
	var encryptedHeaders sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT target_url, http_method, encrypted_headers, content_type
		FROM api_proxies WHERE id = $1
	`, proxyID).Scan(&proxy.TargetURL, &proxy.HTTPMethod, &encryptedHeaders, &proxy.ContentType)
	if err == sql.ErrNoRows {
		return workflow.ProxyMeta{}, gwerrors.NewNotFound("proxy not found", nil)
	}
	if err != nil {
		return workflow.ProxyMeta{}, gwerrors.NewInternal("querying proxy", err)
	}

	meta := workflow.ProxyMeta{
		TargetURL:  proxy.TargetURL,
		HTTPMethod: proxy.HTTPMethod,
		ContentType: proxy.ContentType,
	}
	if encryptedHeaders.Valid && encryptedHeaders.String != "" {
		var enc cryptoutil.Encrypted
		if err := json.Unmarshal([]byte(encryptedHeaders.String), &enc); err != nil {
			return workflow.ProxyMeta{}, gwerrors.NewInternal("unmarshaling encrypted headers", err)
		}
		meta.DecryptedHeaders, err = s.decryptHeaders(&enc)
		if err != nil {
			return workflow.ProxyMeta{}, err
		}
	}
	return meta, nil
}

// HeaderDecrypter decrypts a proxy's hybrid-encrypted header blob. The
// store is handed a decrypter rather than an *rsa.PrivateKey directly so
// it never holds the server's key material itself.
type HeaderDecrypter func(enc *cryptoutil.Encrypted) (map[string]string, error)

// defaultHeaderDecrypter is used while Store.HeaderDecrypt is unset: a
// proxy with encrypted headers then fails to resolve with an Internal
// error rather than being called without its headers. cmd/gateway sets
// HeaderDecrypt at construction time.
var defaultHeaderDecrypter HeaderDecrypter = func(*cryptoutil.Encrypted) (map[string]string, error) {
	return nil, gwerrors.NewInternal("no header decrypter configured", nil)
}

func (s *Store) decryptHeaders(enc *cryptoutil.Encrypted) (map[string]string, error) {
	return s.headerDecrypter()(enc)
}

func (s *Store) headerDecrypter() HeaderDecrypter {
	if s.HeaderDecrypt != nil {
		return s.HeaderDecrypt
	}
	return defaultHeaderDecrypter
}

func defaultToolName(seed string) string {
	return sanitizeToolName(seed)
}
