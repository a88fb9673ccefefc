// Package config loads service settings from a YAML file, an optional .env
// file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig is the full service configuration.
type AppConfig struct {
	Service ServiceConfig  `yaml:"service"`
	Escrow  EscrowConfig   `yaml:"escrow"`
	Storage StorageConfig  `yaml:"storage"`
	Chain   ChainConfig    `yaml:"chain"`
	NATS    NATSConfig     `yaml:"nats"`
	Mongo   MongoConfig    `yaml:"mongo"`
	Clients []ClientConfig `yaml:"clients"`
}

type ServiceConfig struct {
	HTTPPort          int           `yaml:"httpPort"`
	HMACClockSkew     time.Duration `yaml:"hmacClockSkew"`
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow"`

	// IdempotencyBackend is one of memory, file, postgres or mongo.
	IdempotencyBackend   string   `yaml:"idempotencyBackend"`
	IdempotencyStorePath string   `yaml:"idempotencyStorePath"`
	CORSOrigins          []string `yaml:"corsOrigins"`
}

type EscrowConfig struct {
	ChainID           int64  `yaml:"chainId"`
	VerifyingContract string `yaml:"verifyingContract"`
	Owner             string `yaml:"owner"`
}

type StorageConfig struct {
	// Driver is memory or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ChainConfig struct {
	// Mode is memory (an in-process ledger) or ethereum.
	Mode           string        `yaml:"mode"`
	RPCURL         string        `yaml:"rpcUrl"`
	PrivateKey     string        `yaml:"privateKey"`
	ReceiptTimeout time.Duration `yaml:"receiptTimeout"`

	// Custody is the in-process custody account used in memory mode.
	Custody string `yaml:"custody"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type ClientConfig struct {
	ID      string `yaml:"id"`
	Secret  string `yaml:"secret"`
	Address string `yaml:"address"`
}

const defaultConfigPath = "config.yaml"

// Load reads CONFIG_PATH (default config.yaml), then applies environment
// overrides. A missing config file is not an error.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	path := envOr("CONFIG_PATH", defaultConfigPath)
	if err := loadFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *AppConfig {
	return &AppConfig{
		Service: ServiceConfig{
			HTTPPort:           3000,
			HMACClockSkew:      time.Minute,
			IdempotencyWindow:  24 * time.Hour,
			IdempotencyBackend: "memory",
		},
		Escrow:  EscrowConfig{ChainID: 1},
		Storage: StorageConfig{Driver: "memory"},
		Chain:   ChainConfig{Mode: "memory", ReceiptTimeout: 2 * time.Minute},
		NATS:    NATSConfig{SubjectPrefix: "escrow"},
		Mongo:   MongoConfig{Database: "escrow"},
	}
}

func loadFile(path string, cfg *AppConfig) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACClockSkew = envOrDuration("HMAC_CLOCK_SKEW", cfg.Service.HMACClockSkew)
	cfg.Service.IdempotencyWindow = envOrDuration("IDEMPOTENCY_WINDOW", cfg.Service.IdempotencyWindow)
	cfg.Service.IdempotencyBackend = envOr("IDEMPOTENCY_BACKEND", cfg.Service.IdempotencyBackend)
	cfg.Service.IdempotencyStorePath = envOr("IDEMPOTENCY_STORE_PATH", cfg.Service.IdempotencyStorePath)

	cfg.Escrow.ChainID = int64(envOrInt("ESCROW_CHAIN_ID", int(cfg.Escrow.ChainID)))
	cfg.Escrow.VerifyingContract = envOr("ESCROW_VERIFYING_CONTRACT", cfg.Escrow.VerifyingContract)
	cfg.Escrow.Owner = envOr("ESCROW_OWNER", cfg.Escrow.Owner)

	cfg.Storage.Driver = envOr("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = envOr("DATABASE_URL", cfg.Storage.DSN)

	cfg.Chain.Mode = envOr("CHAIN_MODE", cfg.Chain.Mode)
	cfg.Chain.RPCURL = envOr("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.PrivateKey = envOr("CHAIN_PRIVATE_KEY", cfg.Chain.PrivateKey)
	cfg.Chain.ReceiptTimeout = envOrDuration("CHAIN_RECEIPT_TIMEOUT", cfg.Chain.ReceiptTimeout)
	cfg.Chain.Custody = envOr("CHAIN_CUSTODY", cfg.Chain.Custody)

	cfg.NATS.URL = envOr("NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = envOr("NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)

	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)
}

// Validate rejects settings the service cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.httpPort %d out of range", c.Service.HTTPPort))
	}
	if c.Escrow.ChainID <= 0 {
		errs = append(errs, errors.New("escrow.chainId must be positive"))
	}
	if !common.IsHexAddress(c.Escrow.VerifyingContract) {
		errs = append(errs, fmt.Errorf("escrow.verifyingContract %q is not an address", c.Escrow.VerifyingContract))
	}
	if !common.IsHexAddress(c.Escrow.Owner) || common.HexToAddress(c.Escrow.Owner) == (common.Address{}) {
		errs = append(errs, fmt.Errorf("escrow.owner %q is not a non-zero address", c.Escrow.Owner))
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Chain.Mode {
	case "memory":
		if c.Chain.Custody != "" && !common.IsHexAddress(c.Chain.Custody) {
			errs = append(errs, fmt.Errorf("chain.custody %q is not an address", c.Chain.Custody))
		}
	case "ethereum":
		if c.Chain.RPCURL == "" || c.Chain.PrivateKey == "" {
			errs = append(errs, errors.New("chain.rpcUrl and chain.privateKey are required for ethereum"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown chain.mode %q", c.Chain.Mode))
	}

	switch c.Service.IdempotencyBackend {
	case "memory":
	case "file":
		if c.Service.IdempotencyStorePath == "" {
			errs = append(errs, errors.New("service.idempotencyStorePath is required for the file backend"))
		}
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres idempotency backend"))
		}
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo.uri is required for the mongo idempotency backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown service.idempotencyBackend %q", c.Service.IdempotencyBackend))
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		switch {
		case cl.ID == "" || cl.Secret == "":
			errs = append(errs, fmt.Errorf("clients[%d]: id and secret are required", i))
		case seen[cl.ID]:
			errs = append(errs, fmt.Errorf("clients[%d]: duplicate id %q", i, cl.ID))
		case !common.IsHexAddress(cl.Address):
			errs = append(errs, fmt.Errorf("clients[%d]: address %q is not an address", i, cl.Address))
		}
		seen[cl.ID] = true
	}
	return errors.Join(errs...)
}

func (c *AppConfig) ChainID() *big.Int {
	return big.NewInt(c.Escrow.ChainID)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return strings.TrimSpace(val)
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("90s") or bare seconds.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	val = strings.TrimSpace(val)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
