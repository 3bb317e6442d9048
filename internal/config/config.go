// Package config loads gateway configuration from the environment: a
// single Load() that reads os.Getenv with typed fallbacks, optionally
// loading a .env file for local development via godotenv.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration, resolved once at startup.
type Config struct {
	DatabaseURL  string
	RedisURL     string
	IssuerURL    string // NEXT_APP_URL
	McpPublicURL string
	Port         int
	ChainID      int64

	ServerPrivateKey *rsa.PrivateKey
	ServerPublicKey  *rsa.PublicKey

	MCPClientID     string
	MCPClientSecret string
	SessionSecret   []byte

	// RelayerURL is the on-chain relay service the workflow engine submits
	// signed ExecuteWithSession calls to. Optional: a deployment that only
	// runs http-step workflows can leave it unset.
	RelayerURL string
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real environment
// variables always take precedence since godotenv.Load does not
// overwrite already-set variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	required := []string{
		"DATABASE_URL", "REDIS_URL", "NEXT_APP_URL", "MCP_PUBLIC_URL",
		"CHAIN_ID", "SERVER_PRIVATE_KEY", "SERVER_PUBLIC_KEY",
		"MCP_CLIENT_SECRET", "SESSION_SECRET",
	}
	for _, key := range required {
		if os.Getenv(key) == "" {
			return nil, fmt.Errorf("missing required environment variable %s", key)
		}
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		IssuerURL:       os.Getenv("NEXT_APP_URL"),
		McpPublicURL:    os.Getenv("MCP_PUBLIC_URL"),
		Port:            getEnvInt("PORT", 3001),
		MCPClientID:     getEnv("MCP_CLIENT_ID", "x402-mcp-platform"),
		MCPClientSecret: os.Getenv("MCP_CLIENT_SECRET"),
		RelayerURL:      os.Getenv("RELAYER_URL"),
	}

	chainID, err := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CHAIN_ID: %w", err)
	}
	cfg.ChainID = chainID

	priv, err := parseRSAPrivateKey(os.Getenv("SERVER_PRIVATE_KEY"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PRIVATE_KEY: %w", err)
	}
	cfg.ServerPrivateKey = priv

	pub, err := parseRSAPublicKey(os.Getenv("SERVER_PUBLIC_KEY"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PUBLIC_KEY: %w", err)
	}
	cfg.ServerPublicKey = pub

	secret := os.Getenv("SESSION_SECRET")
	if len(secret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}
	cfg.SessionSecret = []byte(secret)

	return cfg, nil
}

func parseRSAPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

func parseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaKey, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
