package workflow

import (
	"strconv"
	"strings"
)

// Context is the append-only execution context an expression resolves
// against: the workflow's input variables, each completed step's output
// keyed by its outputAs, and a handful of ambient values every workflow
// can reference (wallet, chainId, sessionId, sessionKeyAddress).
//
// No cycles are representable: Context grows strictly
// step-by-step and an expression can only ever look backward.
type Context struct {
	Input              map[string]any
	Steps              map[string]StepResult
	Wallet             string
	ChainID            int64
	SessionID          string
	SessionKeyAddress  string
}

// StepResult is one completed step's recorded output.
type StepResult struct {
	Output any
}

// NewContext builds an empty execution context seeded with the workflow's
// input and ambient values.
func NewContext(input map[string]any, wallet, sessionID, sessionKeyAddress string, chainID int64) *Context {
	return &Context{
		Input:             input,
		Steps:             make(map[string]StepResult),
		Wallet:            wallet,
		ChainID:           chainID,
		SessionID:         sessionID,
		SessionKeyAddress: sessionKeyAddress,
	}
}

// Record commits a step's output into the context under outputAs. Step
// N+1 must never observe this until step N has committed; callers call
// Record only after a step succeeds.
func (c *Context) Record(outputAs string, output any) {
	c.Steps[outputAs] = StepResult{Output: output}
}

// asMap exposes the context as the root object $. resolves against.
func (c *Context) asMap() map[string]any {
	steps := make(map[string]any, len(c.Steps))
	for k, v := range c.Steps {
		steps[k] = map[string]any{"output": v.Output}
	}
	return map[string]any{
		"input":             c.Input,
		"steps":             steps,
		"wallet":            c.Wallet,
		"chainId":           c.ChainID,
		"sessionId":         c.SessionID,
		"sessionKeyAddress": c.SessionKeyAddress,
	}
}

// Resolve evaluates expr against the context. A string
// starting with "$." is walked as a dot-separated path with optional
// "name[index]" array indexing, returning nil (undefined) on any missing
// segment. Any other string is returned literally.
func (c *Context) Resolve(expr string) any {
	if !strings.HasPrefix(expr, "$.") {
		return expr
	}
	path := strings.TrimPrefix(expr, "$.")
	if path == "" {
		return nil
	}
	return walk(c.asMap(), strings.Split(path, "."))
}

func walk(root any, segments []string) any {
	cur := root
	for _, seg := range segments {
		name, index, hasIndex := splitIndex(seg)
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		next, ok := m[name]
		if !ok {
			return nil
		}
		if hasIndex {
			arr, ok := next.([]any)
			if !ok || index < 0 || index >= len(arr) {
				return nil
			}
			next = arr[index]
		}
		cur = next
	}
	return cur
}

// splitIndex splits "name[3]" into ("name", 3, true); plain names return
// (name, 0, false).
func splitIndex(seg string) (string, int, bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, 0, false
	}
	idxStr := seg[open+1 : len(seg)-1]
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return seg, 0, false
	}
	return seg[:open], idx, true
}

// ResolveMapping applies Resolve to every string value in mapping; nested
// resolution is not needed since mapping values are always leaf
// expressions or literals per the step schemas in model.go.
func (c *Context) ResolveMapping(mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for k, v := range mapping {
		out[k] = c.Resolve(v)
	}
	return out
}

// unresolvedExpressions scans mapping for expressions that resolved to
// nil, returning "<key>: <expr>" descriptions for dry-run tolerance and
// live UnresolvedArg failures.
func (c *Context) unresolvedExpressions(mapping map[string]string) []string {
	var out []string
	for k, v := range mapping {
		if strings.HasPrefix(v, "$.") && c.Resolve(v) == nil {
			out = append(out, k+": "+v)
		}
	}
	return out
}
