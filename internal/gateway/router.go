// Package gateway implements the HTTP surface: it mounts the OAuth
// authorization server's discovery/register/authorize/token endpoints, the
// session-key registry's REST surface, and the MCP streamable-HTTP runtime
// behind bearer validation and slug binding.
package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cronosagent/gateway/internal/cryptoutil"
	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/logging"
	"github.com/cronosagent/gateway/internal/mcpsession"
	"github.com/cronosagent/gateway/internal/oauth"
	"github.com/cronosagent/gateway/internal/sessionkey"
	"github.com/cronosagent/gateway/internal/signingservice"
	"github.com/cronosagent/gateway/internal/toolregistry"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Gateway holds every dependency the HTTP surface dispatches to.
type Gateway struct {
	Issuer        string
	McpPublicURL  string
	OAuth         *oauth.Server
	Sessions      *sessionkey.Registry
	Signer        *signingservice.Service
	Tools         *toolregistry.Registry
	MCP           *mcpsession.Manager
	ServerPubKey  *rsa.PublicKey
}

// New builds the gateway's chi router.
func (g *Gateway) New() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger,
		middleware.Timeout(middlewareTimeout),
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*", "mcp-session-id", "mcp-protocol-version", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Mcp-Session-Id"},
			AllowCredentials: false,
		}),
	)

	r.Get("/health", healthHandler)

	r.Get("/.well-known/oauth-authorization-server", g.OAuth.AuthorizationServerMetadata)
	r.Get("/.well-known/oauth-authorization-server/*", g.OAuth.AuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", g.OAuth.ProtectedResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/*", g.OAuth.ProtectedResourceMetadata)
	r.Get("/.well-known/openid-configuration", g.OAuth.OpenIDConfiguration)

	r.Post("/register", g.OAuth.Register)
	r.Get("/authorize", g.OAuth.AuthorizeView(oauth.DefaultScopeCatalog(), g.workflowTargetsForSlug))
	r.Post("/authorize", g.OAuth.AuthorizeSubmit(g.Sessions, userIDFromRequest))
	r.Post("/token", g.OAuth.Token(g.Sessions))

	r.Get("/oauth/{slug}/.well-known/oauth-authorization-server", g.OAuth.AuthorizationServerMetadata)
	r.Get("/oauth/{slug}/.well-known/oauth-protected-resource", g.OAuth.ProtectedResourceMetadata)
	r.Get("/oauth/{slug}/.well-known/openid-configuration", g.OAuth.OpenIDConfiguration)

	r.Get("/sessions", g.listSessions)
	r.Post("/sessions", g.createSession)
	r.Get("/sessions/{sessionId}", g.getSession)
	r.Delete("/sessions/{sessionId}", g.deleteSession)
	r.Post("/sessions/{sessionId}/sign", g.signTransfer)

	r.Get("/mcp/{slug}/.well-known/oauth-authorization-server", g.OAuth.AuthorizationServerMetadata)
	r.Get("/mcp/{slug}/.well-known/oauth-protected-resource", g.OAuth.ProtectedResourceMetadata)
	r.Handle("/mcp/{slug}", http.HandlerFunc(g.serveMCP))

	return r
}

func (g *Gateway) serveMCP(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	principal, ok := g.bearerPrincipal(r, w, slug)
	if !ok {
		return
	}
	g.MCP.ServeHTTP(w, r, slug, principal)
}

// workflowTargetsForSlug surfaces the on-chain addresses a slug's workflow
// tools may call, for the /authorize consent view.
func (g *Gateway) workflowTargetsForSlug(slug string) []oauth.WorkflowTarget {
	cfg, err := g.Tools.LoadToolsForSlug(context.Background(), slug)
	if err != nil || cfg == nil {
		return nil
	}
	var out []oauth.WorkflowTarget
	for _, w := range cfg.Workflows {
		for _, step := range w.Template.Definition.Steps {
			if step.Onchain != nil {
				out = append(out, oauth.WorkflowTarget{Address: step.Onchain.Operation.Target, Workflow: w.Name})
			}
			if step.OnchainBatch != nil {
				for _, op := range step.OnchainBatch.Operations {
					out = append(out, oauth.WorkflowTarget{Address: op.Target, Workflow: w.Name})
				}
			}
		}
		// Expression-resolved targets are not visible in the steps
		// themselves; surface the workflow's declared dynamic targets so
		// the consent view lists everything the workflow may call.
		if sc := w.Template.Definition.ScopeConfig; sc != nil {
			for _, dt := range sc.AllowedDynamicTargets {
				out = append(out, oauth.WorkflowTarget{Address: dt.Address, Workflow: w.Name})
			}
		}
	}
	return out
}

// encryptPrivateKey wraps raw under the gateway's RSA public key, failing
// closed: no partial ciphertext is ever returned.
func (g *Gateway) encryptPrivateKey(raw []byte) (*cryptoutil.Encrypted, error) {
	enc, err := cryptoutil.Encrypt(g.ServerPubKey, raw)
	if err != nil {
		return nil, gwerrors.NewInternal("encrypting session private key", err)
	}
	return enc, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Serve starts the HTTP server on addr and blocks until ctx is canceled,
// then gracefully shuts down within 10 seconds.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           g.New(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logging.Info("gateway stopped")
	return nil
}
