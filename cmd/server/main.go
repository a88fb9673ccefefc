package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/tint"

	"blindescrow/internal/asset"
	"blindescrow/internal/config"
	"blindescrow/internal/eip712"
	"blindescrow/internal/escrow"
	"blindescrow/internal/events"
	"blindescrow/internal/hmacauth"
	"blindescrow/internal/idempotency"
	"blindescrow/internal/server"
)

// Version will be set at build time
var Version = "development"

// devClientBalance is credited to every configured client in memory chain mode.
var devClientBalance = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	logger.Info("starting blind escrow ("+Version+")",
		"go", runtime.Version(),
		"os", runtime.GOOS,
		"arch", runtime.GOARCH)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	probes := map[string]any{}

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		log.Fatalf("ledger store error: %v", err)
	}
	if pg, ok := ledger.(*escrow.PostgresStore); ok {
		closers = append(closers, pg.Close)
	}
	probes["ledger"] = ledger

	clients := make([]hmacauth.Client, 0, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients = append(clients, hmacauth.Client{ID: c.ID, Secret: c.Secret, Address: common.HexToAddress(c.Address)})
	}

	assets, err := openAssets(ctx, cfg, clients, logger, &closers, probes)
	if err != nil {
		log.Fatalf("chain backend error: %v", err)
	}

	verifier, err := eip712.NewVerifier(eip712.Domain{
		ChainID:           cfg.ChainID(),
		VerifyingContract: common.HexToAddress(cfg.Escrow.VerifyingContract),
	})
	if err != nil {
		log.Fatalf("verifier error: %v", err)
	}

	metrics := server.NewMetrics()
	emitter := events.Fanout{
		events.Log{Logger: logger.With("component", "events")},
		events.NewMetrics(metrics.Registerer()),
	}
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATS(events.NATSOpts{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Logger:        logger.With("component", "nats"),
		})
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		closers = append(closers, pub.Close)
		probes["nats"] = pub
		emitter = append(emitter, pub)
	}

	esc, err := escrow.New(escrow.Options{
		Store:    ledger,
		Assets:   assets,
		Verifier: verifier,
		Emitter:  emitter,
		Logger:   logger.With("component", "escrow"),
	})
	if err != nil {
		log.Fatalf("escrow error: %v", err)
	}
	owner := common.HexToAddress(cfg.Escrow.Owner)
	switch err := esc.Initialize(ctx, owner); {
	case err == nil:
		logger.Info("escrow initialized", "owner", owner.Hex())
	case errors.Is(err, escrow.ErrAlreadyInitialized):
		current, _ := esc.Owner(ctx)
		logger.Info("escrow already initialized", "owner", current.Hex())
	default:
		log.Fatalf("initialize escrow: %v", err)
	}

	idem, err := openIdempotency(ctx, cfg)
	if err != nil {
		log.Fatalf("idempotency store error: %v", err)
	}
	switch s := idem.(type) {
	case *idempotency.PostgresStore:
		closers = append(closers, s.Close)
	case *idempotency.MongoStore:
		closers = append(closers, func() { _ = s.Close(context.Background()) })
	}

	apiServer, err := server.NewServer(server.ServerOpts{
		Port:              cfg.Service.HTTPPort,
		Escrow:            esc,
		Verifier:          verifier,
		Idempotency:       idem,
		IdempotencyWindow: cfg.Service.IdempotencyWindow,
		Clients:           clients,
		HMACClockSkew:     cfg.Service.HMACClockSkew,
		CORSOrigins:       cfg.Service.CORSOrigins,
		Metrics:           metrics,
		Logger:            logger.With("component", "api-server"),
	})
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	for name, dep := range probes {
		apiServer.AddProbe(name, dep)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server stopped", "error", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func openLedger(ctx context.Context, cfg *config.AppConfig) (escrow.Store, error) {
	if cfg.Storage.Driver == "postgres" {
		return escrow.NewPostgresStore(ctx, cfg.Storage.DSN)
	}
	return escrow.NewMemoryStore(), nil
}

func openAssets(ctx context.Context, cfg *config.AppConfig, clients []hmacauth.Client, logger *slog.Logger, closers *[]func(), probes map[string]any) (escrow.Assets, error) {
	if cfg.Chain.Mode == "ethereum" {
		backend, err := asset.NewEthBackend(ctx, asset.EthBackendConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
			Logger:         logger.With("component", "chain"),
		})
		if err != nil {
			return nil, err
		}
		if backend.ChainID().Cmp(cfg.ChainID()) != 0 {
			backend.Close()
			return nil, errors.New("rpc chain id does not match escrow.chainId")
		}
		*closers = append(*closers, backend.Close)
		probes["chain"] = backend
		return asset.NewAdapter(backend.Address(), backend, backend)
	}

	custody := common.HexToAddress(cfg.Escrow.VerifyingContract)
	if cfg.Chain.Custody != "" {
		custody = common.HexToAddress(cfg.Chain.Custody)
	}
	chain := asset.NewChain()
	for _, c := range clients {
		chain.Mint(escrow.Native, c.Address, devClientBalance)
	}
	logger.Warn("using in-memory chain", "custody", custody.Hex(), "fundedClients", len(clients))
	return asset.NewAdapter(custody, chain, chain)
}

func openIdempotency(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, error) {
	switch cfg.Service.IdempotencyBackend {
	case "file":
		return idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	case "postgres":
		return idempotency.NewPostgresStore(ctx, cfg.Storage.DSN)
	case "mongo":
		return idempotency.NewMongoStore(ctx, idempotency.MongoOpts{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
	default:
		return idempotency.NewMemoryStore(), nil
	}
}
