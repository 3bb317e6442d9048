package oauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLoopbackHost(t *testing.T) {
	require.True(t, IsLoopbackHost("localhost"))
	require.True(t, IsLoopbackHost("LOCALHOST"))
	require.True(t, IsLoopbackHost("127.0.0.1"))
	require.True(t, IsLoopbackHost("::1"))
	require.False(t, IsLoopbackHost("example.com"))
}

func TestMatchRedirectURILoopbackAnyPort(t *testing.T) {
	c := NewClient("c1", []string{"http://127.0.0.1:8080/callback"}, "", nil)
	require.True(t, c.MatchRedirectURI("http://127.0.0.1:54321/callback"))
	require.False(t, c.MatchRedirectURI("http://127.0.0.1:54321/other-path"))
	require.False(t, c.MatchRedirectURI("https://127.0.0.1:54321/callback"))
}

func TestMatchRedirectURINonLoopbackRequiresExactMatch(t *testing.T) {
	c := NewClient("c1", []string{"https://app.example.com/callback"}, "", nil)
	require.True(t, c.MatchRedirectURI("https://app.example.com/callback"))
	require.False(t, c.MatchRedirectURI("https://app.example.com/callback2"))
}

func TestNormalizeRedirectURIsIsOrderAndCaseInsensitive(t *testing.T) {
	a := NormalizeRedirectURIs([]string{"https://B.example.com/x", "https://A.example.com/y"})
	b := NormalizeRedirectURIs([]string{"https://a.example.com/y", "https://b.example.com/x"})
	require.Equal(t, a, b)
}

func TestHasScope(t *testing.T) {
	c := NewClient("c1", []string{"http://localhost/cb"}, "", []string{"mcp:tools"})
	require.True(t, c.HasScope("mcp:tools"))
	require.False(t, c.HasScope("workflow:token-approvals"))
}

func TestFositeRedirectURIPrefersExactMatch(t *testing.T) {
	c := NewClient("c1", []string{"https://app.example.com/callback"}, "", nil)
	require.Equal(t, "https://app.example.com/callback", c.FositeRedirectURI("https://app.example.com/callback"))
}

func TestFositeRedirectURISubstitutesRegisteredLoopbackURI(t *testing.T) {
	c := NewClient("c1", []string{"http://127.0.0.1:8080/callback"}, "", nil)
	require.Equal(t, "http://127.0.0.1:8080/callback", c.FositeRedirectURI("http://127.0.0.1:54321/callback"))
}
