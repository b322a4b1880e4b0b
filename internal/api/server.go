// Package api exposes the ramp state machine and price data over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bob-ramp/internal/contracts"
	"bob-ramp/internal/pricing"
	"bob-ramp/internal/ramp"
)

// RampService is the state machine surface the handlers drive.
type RampService interface {
	CreateOnRampQuote(ctx context.Context, bobAmount decimal.Decimal) (ramp.Quote, error)
	CreateOffRampQuote(ctx context.Context, bobtAmount decimal.Decimal) (ramp.Quote, error)
	GetQuote(id string) (ramp.Quote, error)
	CreateOnRampRequest(ctx context.Context, userAddress string, bobAmount decimal.Decimal) (ramp.Request, error)
	CreateOffRampRequest(ctx context.Context, userAddress string, bobtAmount decimal.Decimal, bankAccount, bankName string) (ramp.Request, error)
	Get(ctx context.Context, id string) (ramp.Request, error)
	ListByUser(ctx context.Context, userAddress string) ([]ramp.Request, error)
	ListPending(ctx context.Context) ([]ramp.Request, error)
	Cancel(ctx context.Context, id, userAddress string) (ramp.Request, error)
	PaymentInstructions(req ramp.Request) *ramp.PaymentInstructions
	ConfirmDeposit(ctx context.Context, id, bankReference, verifiedBy string) (ramp.Request, error)
	Complete(ctx context.Context, id, txHash string) (ramp.Request, error)
	Reconcile(ctx context.Context, id string) (ramp.Request, error)
}

var _ RampService = (*ramp.Service)(nil)

// Prices serves the aggregated market view.
type Prices interface {
	Current(ctx context.Context) (pricing.View, error)
}

// OracleReader reads the on-chain oracle.
type OracleReader interface {
	GetPrice(ctx context.Context) (contracts.OnChainPrice, error)
}

// TokenReader reads token balances.
type TokenReader interface {
	Balance(ctx context.Context, account common.Address) (decimal.Decimal, error)
	TotalSupply(ctx context.Context) (decimal.Decimal, error)
}

// TreasuryReader reads treasury limits.
type TreasuryReader interface {
	GetRateLimits(ctx context.Context) (contracts.RateLimits, error)
}

// Deps are the collaborators behind the routes. Only Ramp is required.
type Deps struct {
	Ramp     RampService
	Prices   Prices
	Oracle   OracleReader
	Token    TokenReader
	Treasury TreasuryReader
}

// Options configure the HTTP server.
type Options struct {
	Addr           string
	AdminJWTSecret string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// DisplayMaxAge marks price data older than this as stale.
	DisplayMaxAge time.Duration
	// SettlementTimeout bounds operator calls that drive a ledger submission.
	// They are detached from the client connection.
	SettlementTimeout time.Duration
}

// Server is the ramp HTTP API.
type Server struct {
	deps   Deps
	opts   Options
	router *mux.Router
	logger zerolog.Logger
	now    func() time.Time
}

// New builds the router.
func New(deps Deps, opts Options, logger zerolog.Logger) *Server {
	if opts.DisplayMaxAge <= 0 {
		opts.DisplayMaxAge = time.Hour
	}
	if opts.SettlementTimeout <= 0 {
		opts.SettlementTimeout = 2 * time.Minute
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recoverer, s.accessLog)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/quote/on-ramp", s.handleOnRampQuote).Methods(http.MethodPost)
	r.HandleFunc("/api/quote/off-ramp", s.handleOffRampQuote).Methods(http.MethodPost)
	r.HandleFunc("/api/quote/{id}", s.handleGetQuote).Methods(http.MethodGet)

	r.HandleFunc("/api/ramp/on-ramp", s.handleOnRampRequest).Methods(http.MethodPost)
	r.HandleFunc("/api/ramp/off-ramp", s.handleOffRampRequest).Methods(http.MethodPost)
	r.HandleFunc("/api/ramp/user/{address}", s.handleListByUser).Methods(http.MethodGet)
	r.HandleFunc("/api/ramp/{id}", s.handleGetRequest).Methods(http.MethodGet)
	r.HandleFunc("/api/ramp/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	r.HandleFunc("/api/prices/exchanges", s.handleExchangePrices).Methods(http.MethodGet)
	r.HandleFunc("/api/prices/oracle", s.handleOraclePrice).Methods(http.MethodGet)
	r.HandleFunc("/api/token/supply", s.handleTotalSupply).Methods(http.MethodGet)
	r.HandleFunc("/api/token/balance/{address}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/treasury/limits", s.handleRateLimits).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireOperator)
	admin.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	admin.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	admin.HandleFunc("/complete", s.handleComplete).Methods(http.MethodPost)
	admin.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("api server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("api server stopped")
	return nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("handler panic")
				writeFailure(w, http.StatusInternalServerError, internalMessage)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", s.now().Sub(started)).
			Msg("request served")
	})
}
