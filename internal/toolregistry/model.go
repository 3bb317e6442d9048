// Package toolregistry resolves an McpServer's enabled proxy and workflow
// tools into a materialized McpServerConfig, cached per slug with a short
// TTL and single-shot change notifications.
package toolregistry

import (
	"github.com/cronosagent/gateway/internal/cryptoutil"
	"github.com/cronosagent/gateway/internal/workflow"
)

// ApiProxy is a pay-gated HTTP endpoint exposed as an MCP tool.
type ApiProxy struct {
	ID                  string
	Name                string
	Slug                string
	OwnerUserID         string
	TargetURL           string
	HTTPMethod          string
	EncryptedHeaders    *cryptoutil.Encrypted
	PricePerRequest     string
	PaymentAddress      string
	VariablesSchema     []workflow.VariableDefinition
	RequestBodyTemplate map[string]string
	QueryParamsTemplate map[string]string
	ContentType         string
	IsPublic            bool
}

// WorkflowTemplate is a named, reusable workflow.Definition exposed as an
// MCP tool.
type WorkflowTemplate struct {
	ID          string
	Slug        string
	UserID      string
	Name        string
	Description string
	InputSchema []workflow.VariableDefinition
	Definition  workflow.Definition
	IsPublic    bool
}

// ProxyTool binds an ApiProxy to an McpServer's tool list, in
// displayOrder.
type ProxyTool struct {
	ID           string
	McpServerID  string
	ProxyID      string
	Name         string
	Enabled      bool
	DisplayOrder int
}

// WorkflowTool binds a WorkflowTemplate to an McpServer's tool list.
type WorkflowTool struct {
	ID                 string
	McpServerID        string
	WorkflowTemplateID string
	Name               string
	Enabled            bool
	DisplayOrder       int
}

// McpServerConfig is the materialized, slug-scoped tool surface the MCP
// session manager registers tools from.
type McpServerConfig struct {
	McpServerID string
	Slug        string
	Proxies     []MaterializedProxyTool
	Workflows   []MaterializedWorkflowTool
}

// MaterializedProxyTool is a ProxyTool joined with its ApiProxy.
type MaterializedProxyTool struct {
	Name  string
	Proxy ApiProxy
}

// MaterializedWorkflowTool is a WorkflowTool joined with its
// WorkflowTemplate.
type MaterializedWorkflowTool struct {
	Name     string
	Template WorkflowTemplate
}
