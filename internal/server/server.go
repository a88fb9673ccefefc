// Package server exposes the escrow over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"blindescrow/internal/eip712"
	"blindescrow/internal/escrow"
	"blindescrow/internal/hmacauth"
	"blindescrow/internal/idempotency"
)

// Escrow is the subset of *escrow.Escrow the HTTP layer drives.
type Escrow interface {
	Deposit(ctx context.Context, p escrow.DepositParams) (uint64, error)
	Get(ctx context.Context, id uint64) (*escrow.Deposit, error)
	Release(ctx context.Context, req escrow.ReleaseRequest, sig []byte) error
	Owner(ctx context.Context) (common.Address, error)
	PendingOwner(ctx context.Context) (common.Address, error)
	TransferOwnership(ctx context.Context, caller, newOwner common.Address) error
	AcceptOwnership(ctx context.Context, caller common.Address) error
	SweepNative(ctx context.Context, caller common.Address) (*big.Int, error)
	SweepToken(ctx context.Context, caller, token common.Address) (*big.Int, error)
}

// Pinger is implemented by dependencies the health endpoint can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	escrow      Escrow
	verifier    *eip712.Verifier
	store       idempotency.Store
	window      time.Duration
	auth        *hmacauth.Verifier
	metrics     *Metrics
	logger      *slog.Logger
	probes      map[string]Pinger
	router      chi.Router
	httpServer  *http.Server
	corsOrigins []string
	now         func() time.Time
}

type ServerOpts struct {
	Port     int
	Escrow   Escrow
	Verifier *eip712.Verifier
	// Idempotency caches deposit responses; memory when nil.
	Idempotency       idempotency.Store
	IdempotencyWindow time.Duration
	Clients           []hmacauth.Client
	HMACClockSkew     time.Duration
	CORSOrigins       []string
	// Metrics defaults to a fresh registry.
	Metrics *Metrics
	Logger  *slog.Logger
}

func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Escrow == nil || opts.Verifier == nil {
		return nil, errors.New("server: escrow and verifier are required")
	}
	if opts.Idempotency == nil {
		opts.Idempotency = idempotency.NewMemoryStore()
	}
	if opts.IdempotencyWindow <= 0 {
		opts.IdempotencyWindow = 24 * time.Hour
	}
	if opts.HMACClockSkew <= 0 {
		opts.HMACClockSkew = time.Minute
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"https://*", "http://*"}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		escrow:      opts.Escrow,
		verifier:    opts.Verifier,
		store:       opts.Idempotency,
		window:      opts.IdempotencyWindow,
		auth:        hmacauth.NewVerifier(opts.Clients, opts.HMACClockSkew),
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		probes:      make(map[string]Pinger),
		corsOrigins: opts.CORSOrigins,
		now:         time.Now,
	}
	s.AddProbe("idempotency", opts.Idempotency)
	s.routes()

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

// AddProbe registers dep with the health endpoint when it can be pinged.
func (s *Server) AddProbe(name string, dep any) {
	if p, ok := dep.(Pinger); ok {
		s.probes[name] = p
	}
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			hmacauth.HeaderClientID, hmacauth.HeaderSignature, hmacauth.HeaderTimestamp,
			headerIdempotencyKey,
		},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())

		r.Get("/domain", s.handleDomain)
		r.Get("/owner", s.handleOwner)
		r.Get("/deposits/{id}", s.handleGetDeposit)
		r.Post("/releases", s.handleRelease)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/deposits", s.handleDeposit)
			r.Post("/admin/ownership/transfer", s.handleTransferOwnership)
			r.Post("/admin/ownership/accept", s.handleAcceptOwnership)
			r.Post("/admin/sweep/native", s.handleSweepNative)
			r.Post("/admin/sweep/token", s.handleSweepToken)
		})
	})
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// logRequests logs one line per request and counts it by route pattern.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.incRequest(route, strconv.Itoa(status))
		s.logger.Info("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

type probeResult struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	results := make(map[string]probeResult, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		start := time.Now()
		err := s.probes[name].Ping(ctx)
		cancel()

		res := probeResult{Healthy: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			res.Error = err.Error()
			healthy = false
		}
		results[name] = res
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": results,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, reason string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: reason})
}

// writeEscrowError maps an escrow failure to its HTTP status.
func (s *Server) writeEscrowError(w http.ResponseWriter, r *http.Request, err error) {
	reason := escrow.Reason(err)
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("escrow call failed", "path", r.URL.Path, "error", err, "requestId", middleware.GetReqID(r.Context()))
	}
	writeError(w, status, reason, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrInvalidBeneficiaryHash),
		errors.Is(err, escrow.ErrInvalidZeroAddress):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrSignatureExpired),
		errors.Is(err, escrow.ErrSignatureInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrFundsAlreadyReleased),
		errors.Is(err, escrow.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrDepositNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, escrow.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
