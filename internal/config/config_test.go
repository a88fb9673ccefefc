package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
service:
  httpPort: 8080
  hmacClockSkew: 30s
  idempotencyBackend: file
  idempotencyStorePath: /tmp/escrow-idem.json
escrow:
  chainId: 31337
  verifyingContract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  owner: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
clients:
  - id: ops
    secret: s3cret
    address: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFileWithEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleYAML))
	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("IDEMPOTENCY_WINDOW", "3600")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Service.HTTPPort)
	require.Equal(t, 30*time.Second, cfg.Service.HMACClockSkew)
	require.Equal(t, time.Hour, cfg.Service.IdempotencyWindow)
	require.Equal(t, "file", cfg.Service.IdempotencyBackend)
	require.Equal(t, int64(31337), cfg.ChainID().Int64())
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, "memory", cfg.Chain.Mode)
	require.Len(t, cfg.Clients, 1)
	require.Equal(t, "ops", cfg.Clients[0].ID)
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cfg := defaults()
	cfg.Escrow.VerifyingContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	cfg.Escrow.Owner = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	require.NoError(t, cfg.Validate())

	cases := map[string]func(c *AppConfig){
		"zero owner":         func(c *AppConfig) { c.Escrow.Owner = "0x0000000000000000000000000000000000000000" },
		"postgres no dsn":    func(c *AppConfig) { c.Storage.Driver = "postgres" },
		"unknown chain mode": func(c *AppConfig) { c.Chain.Mode = "solana" },
		"ethereum no key":    func(c *AppConfig) { c.Chain.Mode = "ethereum"; c.Chain.RPCURL = "http://localhost:8545" },
		"mongo no uri":       func(c *AppConfig) { c.Service.IdempotencyBackend = "mongo" },
		"duplicate client": func(c *AppConfig) {
			cl := ClientConfig{ID: "a", Secret: "s", Address: c.Escrow.Owner}
			c.Clients = []ClientConfig{cl, cl}
		},
		"bad client address": func(c *AppConfig) {
			c.Clients = []ClientConfig{{ID: "a", Secret: "s", Address: "nope"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *cfg
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestEnvOrDuration(t *testing.T) {
	t.Setenv("D_GO", "90s")
	t.Setenv("D_SECS", "15")
	t.Setenv("D_BAD", "soon")

	require.Equal(t, 90*time.Second, envOrDuration("D_GO", time.Second))
	require.Equal(t, 15*time.Second, envOrDuration("D_SECS", time.Second))
	require.Equal(t, time.Second, envOrDuration("D_BAD", time.Second))
	require.Equal(t, time.Second, envOrDuration("D_UNSET", time.Second))
}
