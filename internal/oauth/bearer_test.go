package oauth

import (
	"testing"

	"github.com/stretchr/testify/require"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
)

func TestRequireSlugAllowsMatchingAndUnboundTokens(t *testing.T) {
	bound := &Principal{McpSlug: "alpha"}
	require.NoError(t, bound.RequireSlug("alpha"))

	unbound := &Principal{}
	require.NoError(t, unbound.RequireSlug("anything"))
}

func TestRequireSlugRejectsMismatchedSlug(t *testing.T) {
	p := &Principal{McpSlug: "alpha"}
	err := p.RequireSlug("beta")
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.Forbidden))
	require.Contains(t, err.Error(), `Token is scoped to slug "alpha", not "beta"`)
}
