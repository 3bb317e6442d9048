package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/signingservice"
)

// ProxyMeta is the subset of an ApiProxy an http step needs. It is
// defined here, not imported from internal/toolregistry, so that package
// can depend on workflow without workflow ever depending back on it.
type ProxyMeta struct {
	TargetURL        string
	HTTPMethod       string
	DecryptedHeaders map[string]string
	ContentType      string
}

// ProxyResolver looks up an ApiProxy's request-shape metadata by id. The
// tool registry's store implements this.
type ProxyResolver interface {
	ResolveProxy(ctx context.Context, proxyID string) (ProxyMeta, error)
}

// Relayer submits a signed ExecuteWithSession call to the external relayer
// that actually lands the transaction on-chain, returning its hash.
type Relayer interface {
	Submit(ctx context.Context, req RelayRequest) (txHash string, err error)
}

// RelayRequest is the body posted to the external relayer.
type RelayRequest struct {
	OwnerAddress  string
	SessionID     string
	Mode          [32]byte
	ExecutionData []byte
	Signature     []byte
	ChainID       int64
}

// HTTPRelayer is the production Relayer, POSTing JSON to a fixed relayer URL.
type HTTPRelayer struct {
	Client *http.Client
	URL    string
}

type relayRequestBody struct {
	OwnerAddress  string `json:"ownerAddress"`
	SessionID     string `json:"sessionId"`
	Mode          string `json:"mode"`
	ExecutionData string `json:"executionData"`
	Signature     string `json:"signature"`
	ChainID       int64  `json:"chainId"`
}

type relayResponseBody struct {
	TxHash string `json:"txHash"`
}

func (r *HTTPRelayer) Submit(ctx context.Context, req RelayRequest) (string, error) {
	body := relayRequestBody{
		OwnerAddress:  req.OwnerAddress,
		SessionID:     req.SessionID,
		Mode:          "0x" + common.Bytes2Hex(req.Mode[:]),
		ExecutionData: "0x" + common.Bytes2Hex(req.ExecutionData),
		Signature:     "0x" + common.Bytes2Hex(req.Signature),
		ChainID:       req.ChainID,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", gwerrors.NewInternal("marshaling relay request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(encoded))
	if err != nil {
		return "", gwerrors.NewInternal("building relay request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return "", gwerrors.New(gwerrors.HTTP, "calling relayer", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", gwerrors.New(gwerrors.HTTP, fmt.Sprintf("relayer returned %d", resp.StatusCode), nil)
	}

	var out relayResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", gwerrors.New(gwerrors.Encoding, "decoding relayer response", err)
	}
	return out.TxHash, nil
}

// Engine interprets a workflow Definition against an execution Context.
type Engine struct {
	Proxies ProxyResolver
	Signer  *signingservice.Service
	Relayer Relayer
	Client  *http.Client
	ChainID int64

	// Nonces tracks signed payment nonces for replay protection; optional
	// (nil falls back to untracked random nonces).
	Nonces NonceSource
}

// NewEngine constructs an Engine with a default 30s-timeout HTTP client.
func NewEngine(proxies ProxyResolver, signer *signingservice.Service, relayer Relayer, chainID int64) *Engine {
	return &Engine{
		Proxies: proxies,
		Signer:  signer,
		Relayer: relayer,
		Client:  &http.Client{Timeout: 30 * time.Second},
		ChainID: chainID,
	}
}

// Result is a workflow run's outcome.
type Result struct {
	Success bool
	Output  map[string]any
	Steps   map[string]any
	Error   *gwerrors.Error
}

// Run executes def sequentially against a fresh context seeded with input
// and the session's ambient values, honoring ctx's deadline/cancellation
// at each step boundary. Execution halts on the first step error.
func (e *Engine) Run(ctx context.Context, def Definition, input map[string]any, ownerAddress, sessionID, sessionKeyAddress string) Result {
	return e.execute(ctx, def, input, ownerAddress, sessionID, sessionKeyAddress, false)
}

// DryRun executes def with HTTP and relayer side effects simulated.
// Unresolved expressions sourced from earlier simulated steps are
// tolerated rather than failing the step.
func (e *Engine) DryRun(ctx context.Context, def Definition, input map[string]any, ownerAddress, sessionID, sessionKeyAddress string) Result {
	return e.execute(ctx, def, input, ownerAddress, sessionID, sessionKeyAddress, true)
}

func (e *Engine) execute(ctx context.Context, def Definition, input map[string]any, ownerAddress, sessionID, sessionKeyAddress string, dryRun bool) Result {
	wfCtx := NewContext(input, ownerAddress, sessionID, sessionKeyAddress, e.ChainID)

	for _, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			return e.deadlineResult(wfCtx, err)
		}

		output, err := e.runStep(ctx, wfCtx, step, def.ScopeConfig, dryRun)
		if err != nil {
			gerr := toGatewayError(err)
			return Result{Success: false, Steps: snapshotSteps(wfCtx), Error: gerr}
		}
		wfCtx.Record(step.OutputAs, output)
	}

	out := wfCtx.ResolveMapping(def.OutputMapping)
	return Result{Success: true, Output: out, Steps: snapshotSteps(wfCtx)}
}

func (e *Engine) deadlineResult(wfCtx *Context, err error) Result {
	if err == context.DeadlineExceeded {
		return Result{Success: false, Steps: snapshotSteps(wfCtx), Error: gwerrors.NewTimeout("workflow execution deadline exceeded", err)}
	}
	return Result{Success: false, Steps: snapshotSteps(wfCtx), Error: gwerrors.NewCanceled("workflow execution canceled", err)}
}

func toGatewayError(err error) *gwerrors.Error {
	var gerr *gwerrors.Error
	if e, ok := err.(*gwerrors.Error); ok {
		gerr = e
	} else {
		gerr = gwerrors.NewInternal(err.Error(), err)
	}
	return gerr
}

func snapshotSteps(wfCtx *Context) map[string]any {
	out := make(map[string]any, len(wfCtx.Steps))
	for k, v := range wfCtx.Steps {
		out[k] = v.Output
	}
	return out
}

func (e *Engine) runStep(ctx context.Context, wfCtx *Context, step Step, scopeCfg *ScopeConfig, dryRun bool) (any, error) {
	switch step.Type {
	case StepHTTP:
		return e.runHTTPStep(ctx, wfCtx, step, dryRun)
	case StepOnchain:
		return e.runOnchainStep(ctx, wfCtx, step, scopeCfg, dryRun, false)
	case StepOnchainBatch:
		return e.runOnchainStep(ctx, wfCtx, step, scopeCfg, dryRun, true)
	default:
		return nil, gwerrors.NewValidation(fmt.Sprintf("unknown step type %q", step.Type), nil)
	}
}

func (e *Engine) runHTTPStep(ctx context.Context, wfCtx *Context, step Step, dryRun bool) (any, error) {
	cfg := step.HTTP
	if cfg == nil {
		return nil, gwerrors.NewValidation("http step missing its http configuration", nil)
	}

	targetURL := cfg.URL
	method := cfg.Method
	headers := map[string]string{}
	contentType := "application/json"
	if cfg.ProxyID != "" {
		meta, err := e.Proxies.ResolveProxy(ctx, cfg.ProxyID)
		if err != nil {
			return nil, err
		}
		targetURL = meta.TargetURL
		if method == "" {
			method = meta.HTTPMethod
		}
		for k, v := range meta.DecryptedHeaders {
			headers[k] = v
		}
		if meta.ContentType != "" {
			contentType = meta.ContentType
		}
	}
	if method == "" {
		method = http.MethodPost
	}

	body := wfCtx.ResolveMapping(cfg.BodyMapping)
	query := wfCtx.ResolveMapping(cfg.QueryMapping)
	headerMapping := wfCtx.ResolveMapping(cfg.HeadersMapping)
	for k, v := range headerMapping {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	if dryRun {
		return map[string]any{
			"_simulated": true,
			"_message":   "http step simulated during dry run",
			"proxyId":    cfg.ProxyID,
			"url":        targetURL,
			"method":     method,
			"body":       body,
		}, nil
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, gwerrors.NewInternal("marshaling http step body", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, applyQuery(targetURL, query), bytes.NewReader(encoded))
	if err != nil {
		return nil, gwerrors.NewValidation("building http step request", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := payGatedRequest(ctx, e.Client, e.Signer, e.Nonces, wfCtx.SessionID, wfCtx.Wallet, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded any
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&decoded); err != nil {
		return map[string]any{"status": resp.StatusCode}, nil
	}
	return decoded, nil
}

// applyQuery appends a resolved query mapping to rawURL as a query string.
func applyQuery(rawURL string, query map[string]any) string {
	if len(query) == 0 {
		return rawURL
	}
	var b strings.Builder
	b.WriteString(rawURL)
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	for k, v := range query {
		b.WriteString(sep)
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fmt.Sprintf("%v", v))
		sep = "&"
	}
	return b.String()
}

func (e *Engine) runOnchainStep(ctx context.Context, wfCtx *Context, step Step, scopeCfg *ScopeConfig, dryRun, batch bool) (any, error) {
	var ops []OnchainOperation
	if batch {
		if step.OnchainBatch == nil {
			return nil, gwerrors.NewValidation("onchain_batch step missing its configuration", nil)
		}
		ops = step.OnchainBatch.Operations
	} else {
		if step.Onchain == nil {
			return nil, gwerrors.NewValidation("onchain step missing its configuration", nil)
		}
		ops = []OnchainOperation{step.Onchain.Operation}
	}

	if dryRun {
		return e.simulateOnchain(wfCtx, ops)
	}

	targets := make([]common.Address, len(ops))
	values := make([]*big.Int, len(ops))
	calldatas := make([][]byte, len(ops))
	execOps := make([]signingservice.ExecuteOperation, len(ops))
	for i, op := range ops {
		target, err := resolveTarget(wfCtx, op)
		if err != nil {
			return nil, err
		}
		// An expression-resolved target comes from workflow data (often a
		// prior HTTP step's response, which is untrusted upstream output),
		// so it must be explicitly declared in the workflow's own
		// allowedDynamicTargets before the signer is even asked.
		if op.TargetExpr != "" && !dynamicTargetAllowed(scopeCfg, target) {
			return nil, gwerrors.NewForbidden(
				fmt.Sprintf("dynamically resolved target %s is not declared in the workflow's allowed dynamic targets", target.Hex()), nil)
		}
		value, err := resolveValue(wfCtx, op.Value)
		if err != nil {
			return nil, err
		}
		calldata, err := resolveCalldata(wfCtx, op)
		if err != nil {
			return nil, err
		}
		targets[i] = target
		values[i] = value
		calldatas[i] = calldata
		execOps[i] = signingservice.ExecuteOperation{
			Target:   target.Hex(),
			Selector: calldataSelector(calldata),
		}
	}

	mode := ModeSingle
	var executionData []byte
	var err error
	if batch {
		mode = ModeBatch
		executionData, err = packBatchExecutionData(targets, values, calldatas)
	} else {
		executionData, err = packSingleExecutionData(targets[0], values[0], calldatas[0])
	}
	if err != nil {
		return nil, gwerrors.New(gwerrors.Encoding, "packing execution data", err)
	}

	sig, err := e.Signer.SignExecute(ctx, signingservice.ExecuteRequest{
		SessionID:     wfCtx.SessionID,
		Mode:          mode,
		ExecutionData: executionData,
		Operations:    execOps,
	})
	if err != nil {
		return nil, err
	}

	txHash, err := e.Relayer.Submit(ctx, RelayRequest{
		OwnerAddress:  wfCtx.Wallet,
		SessionID:     wfCtx.SessionID,
		Mode:          mode,
		ExecutionData: executionData,
		Signature:     sig,
		ChainID:       e.ChainID,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"txHash": txHash}, nil
}

// simulateOnchain builds the dry-run shape for an onchain/onchain_batch
// step, tolerating unresolved expressions sourced from earlier simulated
// HTTP output rather than failing the step.
func (e *Engine) simulateOnchain(wfCtx *Context, ops []OnchainOperation) (any, error) {
	out := make([]map[string]any, len(ops))
	for i, op := range ops {
		entry := map[string]any{"name": op.Name}

		target, err := resolveTarget(wfCtx, op)
		if err == nil {
			entry["target"] = target.Hex()
		} else if gwerrors.Is(err, gwerrors.UnresolvedArg) {
			entry["target"] = nil
		} else {
			return nil, err
		}

		var unresolved []string
		if op.TargetExpr != "" && entry["target"] == nil {
			unresolved = append(unresolved, "target: "+op.TargetExpr)
		}
		if op.Value != "" {
			unresolved = append(unresolved, wfCtx.unresolvedExpressions(map[string]string{"value": op.Value})...)
		}

		if op.Calldata != "" {
			entry["calldata"] = wfCtx.Resolve(op.Calldata)
			unresolved = append(unresolved, wfCtx.unresolvedExpressions(map[string]string{"calldata": op.Calldata})...)
		} else if op.ABIFragment != "" {
			resolvedArgs := wfCtx.ResolveMapping(op.ArgsMapping)
			entry["resolvedArgs"] = resolvedArgs
			unresolved = append(unresolved, wfCtx.unresolvedExpressions(op.ArgsMapping)...)

			if len(unresolved) == 0 {
				calldata, err := resolveCalldata(wfCtx, op)
				if err != nil {
					if gwerrors.Is(err, gwerrors.UnresolvedArg) {
						// already captured above; treat as tolerated.
					} else {
						return nil, err
					}
				} else {
					entry["calldata"] = "0x" + common.Bytes2Hex(calldata)
				}
			}
		}

		entry["value"] = op.Value
		entry["unresolvedExpressions"] = unresolved
		out[i] = entry
	}

	return map[string]any{
		"_simulated": true,
		"operations": out,
	}, nil
}
