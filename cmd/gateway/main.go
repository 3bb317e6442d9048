// Command gateway runs the agent-access gateway: the OAuth 2.1
// authorization server, the session-key registry's REST surface, and the
// MCP streamable-HTTP session runtime, behind one HTTP listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cronosagent/gateway/internal/config"
	"github.com/cronosagent/gateway/internal/cryptoutil"
	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/gateway"
	"github.com/cronosagent/gateway/internal/logging"
	"github.com/cronosagent/gateway/internal/mcpsession"
	"github.com/cronosagent/gateway/internal/nonce"
	"github.com/cronosagent/gateway/internal/oauth"
	"github.com/cronosagent/gateway/internal/sessionkey"
	"github.com/cronosagent/gateway/internal/signingservice"
	"github.com/cronosagent/gateway/internal/toolregistry"
	"github.com/cronosagent/gateway/internal/workflow"
)

func main() {
	logging.Init()

	if err := run(); err != nil {
		logging.Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sessions, err := sessionkey.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening session-key registry: %w", err)
	}

	oauthStore, err := oauth.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening oauth store: %w", err)
	}
	oauthServer := &oauth.Server{
		Issuer:       cfg.IssuerURL,
		McpPublicURL: cfg.McpPublicURL,
		Store:        oauthStore,
		Provider:     oauth.NewProvider(oauthStore, cfg.SessionSecret),
	}

	toolStore, err := toolregistry.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening tool registry store: %w", err)
	}
	toolStore.HeaderDecrypt = func(enc *cryptoutil.Encrypted) (map[string]string, error) {
		plaintext, err := cryptoutil.Decrypt(cfg.ServerPrivateKey, enc)
		if err != nil {
			return nil, err
		}
		var headers map[string]string
		if err := json.Unmarshal(plaintext, &headers); err != nil {
			return nil, gwerrors.NewInternal("unmarshaling decrypted proxy headers", err)
		}
		return headers, nil
	}
	tools := toolregistry.NewRegistry(toolStore, 0)

	signer := &signingservice.Service{
		Sessions:  sessions,
		ServerKey: cfg.ServerPrivateKey,
		ChainID:   big.NewInt(cfg.ChainID),
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	nonces := nonce.New(redisClient)

	relayer := &workflow.HTTPRelayer{URL: cfg.RelayerURL, Client: &http.Client{Timeout: 30 * time.Second}}
	engine := workflow.NewEngine(toolStore, signer, relayer, cfg.ChainID)
	engine.Nonces = nonces

	mcp := mcpsession.New(tools, sessions, engine)

	migrateCtx := context.Background()
	if err := sessions.Migrate(migrateCtx); err != nil {
		return err
	}
	if err := oauthStore.Migrate(migrateCtx); err != nil {
		return err
	}
	if err := toolStore.Migrate(migrateCtx); err != nil {
		return err
	}

	secretHash, err := cryptoutil.HashSecret(cfg.MCPClientSecret)
	if err != nil {
		return fmt.Errorf("hashing platform client secret: %w", err)
	}
	if err := oauthStore.EnsureClient(context.Background(), cfg.MCPClientID, secretHash, "x402 MCP Platform"); err != nil {
		return fmt.Errorf("seeding platform oauth client: %w", err)
	}

	gw := &gateway.Gateway{
		Issuer:       cfg.IssuerURL,
		McpPublicURL: cfg.McpPublicURL,
		OAuth:        oauthServer,
		Sessions:     sessions,
		Signer:       signer,
		Tools:        tools,
		MCP:          mcp,
		ServerPubKey: cfg.ServerPublicKey,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return gw.Serve(ctx, fmt.Sprintf(":%d", cfg.Port))
}
