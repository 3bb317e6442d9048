// Package workflow implements the workflow interpreter: a linear sequence
// of HTTP and on-chain steps, interleaved with pay-gated HTTP calls and
// session-key-signed on-chain batches, bound together with a small
// JSONPath-style expression language.
package workflow

// VariableDefinition describes one named input to a proxy tool or
// workflow tool. It is a data-driven schema, not a Go type: the
// MCP tool surface converts it into a JSON Schema property at
// registration time.
type VariableDefinition struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string|number|address|uint256|boolean|array|object
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Example     any    `json:"example,omitempty"`
	Validation  string `json:"validation,omitempty"`
}

// StepType discriminates the three step shapes a workflow can contain.
type StepType string

const (
	StepHTTP         StepType = "http"
	StepOnchain      StepType = "onchain"
	StepOnchainBatch StepType = "onchain_batch"
)

// HTTPStepConfig is the http-kind step's configuration.
type HTTPStepConfig struct {
	ProxyID        string            `json:"proxyId,omitempty"`
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method"`
	BodyMapping    map[string]string `json:"bodyMapping,omitempty"`
	QueryMapping   map[string]string `json:"queryMapping,omitempty"`
	HeadersMapping map[string]string `json:"headersMapping,omitempty"`
}

// OnchainOperation is one on-chain call, either pre-encoded or encoded
// lazily from an ABI fragment plus an expression-mapped argument list.
type OnchainOperation struct {
	Name         string            `json:"name,omitempty"`
	Target       string            `json:"target,omitempty"`
	TargetExpr   string            `json:"targetExpr,omitempty"`
	Value        string            `json:"value,omitempty"` // decimal string, expr-resolvable
	Calldata     string            `json:"calldata,omitempty"`
	ABIFragment  string            `json:"abiFragment,omitempty"`
	ArgsMapping  map[string]string `json:"argsMapping,omitempty"`
}

// OnchainStepConfig is the onchain-kind step's configuration.
type OnchainStepConfig struct {
	Operation OnchainOperation `json:"operation"`
}

// OnchainBatchStepConfig is the onchain_batch-kind step's configuration: a
// single session signature authorizes every operation in Operations.
type OnchainBatchStepConfig struct {
	Operations []OnchainOperation `json:"operations"`
}

// Step is the step tagged union. Exactly one of HTTP,
// Onchain, OnchainBatch is populated, selected by Type.
type Step struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     StepType `json:"type"`
	OutputAs string   `json:"outputAs"`

	HTTP         *HTTPStepConfig         `json:"http,omitempty"`
	Onchain      *OnchainStepConfig      `json:"onchain,omitempty"`
	OnchainBatch *OnchainBatchStepConfig `json:"onchain_batch,omitempty"`
}

// DynamicTarget is one address a workflow's scopeConfig allows calling
// without it being a declared execute-scope target, surfaced to the OAuth
// consent view's workflowTargets list.
type DynamicTarget struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ScopeConfig carries the workflow's own additional on-chain authority
// hints, beyond the session's own scopes.
type ScopeConfig struct {
	AllowedDynamicTargets []DynamicTarget `json:"allowedDynamicTargets,omitempty"`
}

// Definition is the full workflowDefinition record.
type Definition struct {
	Steps         []Step            `json:"steps"`
	OutputMapping map[string]string `json:"outputMapping"`
	ScopeConfig   *ScopeConfig      `json:"scopeConfig,omitempty"`
}

// executionModes are the ExecuteWithSession "mode" identifiers for
// single-call vs batched execution, mirroring the on-chain delegator
// contract's own mode constants.
var (
	ModeSingle = modeHash("AGENT_DELEGATOR_EXECUTE_SINGLE")
	ModeBatch  = modeHash("AGENT_DELEGATOR_EXECUTE_BATCH")
)
