package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bob-ramp/internal/alerting"
	"bob-ramp/internal/api"
	"bob-ramp/internal/bank"
	"bob-ramp/internal/cache"
	"bob-ramp/internal/config"
	"bob-ramp/internal/contracts"
	"bob-ramp/internal/fetcher"
	"bob-ramp/internal/ledger"
	"bob-ramp/internal/metrics"
	"bob-ramp/internal/oracle"
	"bob-ramp/internal/pricing"
	"bob-ramp/internal/ramp"
	"bob-ramp/internal/service"
	"bob-ramp/internal/settlement"
	"bob-ramp/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// components is the object graph for one process. Optional parts are nil
// when their configuration is absent.
type components struct {
	store      *storage.Store
	snapshots  *cache.RateSnapshots
	eth        *ethclient.Client
	aggregator *pricing.Aggregator
	notifier   alerting.Notifier
	oracle     *contracts.Oracle
	token      *contracts.Token
	treasury   *contracts.Treasury
	submitter  *ledger.Submitter
	operator   common.Address
	updater    *oracle.Updater
	ramp       *ramp.Service
}

func (c *components) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
	if c.snapshots != nil {
		_ = c.snapshots.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

func (a *App) build(ctx context.Context) (*components, error) {
	c := &components{notifier: a.newNotifier()}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c.store = store

	if a.Config.Redis.Addr != "" {
		c.snapshots = cache.NewRateSnapshots(a.Config.Redis)
		if err := c.snapshots.Ping(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("redis unreachable; last-known-good rate kept in memory only")
		}
	}

	sources, err := a.newSources()
	if err != nil {
		return nil, err
	}
	var snapshots pricing.SnapshotStore
	if c.snapshots != nil {
		snapshots = c.snapshots
	}
	c.aggregator = pricing.New(sources, pricing.Options{
		CacheTTL:     a.Config.Pricing.CacheTTL,
		FetchTimeout: a.Config.Pricing.FetchTimeout,
		Concurrency:  a.Config.Pricing.Concurrency,
		MinSources:   a.Config.Pricing.MinQuoteSources,
	}, snapshots, a.Logger)

	if err := a.wireLedger(ctx, c); err != nil {
		return nil, err
	}

	c.ramp, err = a.newRampService(c)
	if err != nil {
		return nil, err
	}

	ok = true
	return c, nil
}

func (a *App) newSources() ([]fetcher.Source, error) {
	band := fetcher.Band{
		Min: decimal.NewFromFloat(a.Config.Pricing.BandMin),
		Max: decimal.NewFromFloat(a.Config.Pricing.BandMax),
	}
	sources := make([]fetcher.Source, 0, len(a.Config.Exchanges))
	for _, ex := range a.Config.Exchanges {
		src, err := fetcher.NewP2P(fetcher.P2POptions{
			Name:       ex.Name,
			Kind:       ex.Kind,
			BaseURL:    ex.BaseURL,
			Asset:      ex.Asset,
			Fiat:       ex.Fiat,
			Timeout:    ex.Timeout,
			UserAgent:  ex.UserAgent,
			Band:       band,
			Retries:    a.Config.Pricing.FetchRetries,
			RetryDelay: a.Config.Pricing.FetchRetryDelay,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w", ex.Name, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// wireLedger dials the node for contract reads and, with an operator key,
// builds the submission pipeline and the oracle updater.
func (a *App) wireLedger(ctx context.Context, c *components) error {
	cfg := a.Config.Ledger
	if cfg.RPCURL == "" {
		a.Logger.Warn().Msg("ledger.rpc_url not configured; on-chain features disabled")
		return nil
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial ledger rpc: %w", err)
	}
	c.eth = client

	if addr, err := contracts.ParseAddress(cfg.OracleAddress); err == nil {
		c.oracle = contracts.NewOracle(addr, client)
		c.oracle.SetCallTimeout(cfg.CallTimeout)
	} else if !errors.Is(err, contracts.ErrNotConfigured) {
		return fmt.Errorf("ledger.oracle_address: %w", err)
	}
	if addr, err := contracts.ParseAddress(cfg.TokenAddress); err == nil {
		c.token = contracts.NewToken(addr, client)
		c.token.SetCallTimeout(cfg.CallTimeout)
	} else if !errors.Is(err, contracts.ErrNotConfigured) {
		return fmt.Errorf("ledger.token_address: %w", err)
	}
	if addr, err := contracts.ParseAddress(cfg.TreasuryAddress); err == nil {
		c.treasury = contracts.NewTreasury(addr, client)
		c.treasury.SetCallTimeout(cfg.CallTimeout)
	} else if !errors.Is(err, contracts.ErrNotConfigured) {
		return fmt.Errorf("ledger.treasury_address: %w", err)
	}

	if !a.Config.LedgerEnabled() {
		a.Logger.Warn().Msg("ledger.operator_key not configured; settlement and oracle pushes disabled")
		return nil
	}

	backend, err := ledger.NewEthBackend(client, cfg.OperatorKey, ledger.EthOptions{
		ChainID:      cfg.ChainID,
		GasBufferPct: cfg.GasBufferPct,
	})
	if err != nil {
		return err
	}
	c.operator = backend.Address()

	var verifier ledger.Verifier
	if cfg.ExplorerURL != "" {
		verifier = ledger.NewExplorerVerifier(cfg.ExplorerURL, cfg.ExplorerAPIKey, cfg.CallTimeout)
	}
	c.submitter = ledger.NewSubmitter(backend, verifier, ledger.Options{
		PollInterval: cfg.PollInterval,
		PollAttempts: cfg.PollAttempts,
		CallTimeout:  cfg.CallTimeout,
	}, a.Logger)

	if a.Config.Oracle.Enabled && c.oracle != nil {
		var history oracle.History
		if c.store != nil {
			history = c.store
		}
		c.updater = oracle.New(c.aggregator, c.oracle, c.submitter, history, c.notifier, oracle.Options{
			Operator:          c.operator,
			MinExchanges:      a.Config.Oracle.MinExchanges,
			MaxSubmitAttempts: a.Config.Oracle.MaxSubmitAttempts,
			RetryDelay:        cfg.PollInterval,
		}, a.Logger)
	}

	a.Logger.Info().Str("operator", c.operator.Hex()).Str("network", cfg.Network).Msg("ledger configured")
	return nil
}

func (a *App) newRampService(c *components) (*ramp.Service, error) {
	cfg := a.Config.Ramp

	var repo ramp.Repository = ramp.NewMemoryRepository()
	if c.store != nil {
		repo = c.store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; ramp requests kept in memory")
	}

	deps := ramp.Deps{Rates: c.aggregator, Notifier: c.notifier}
	if c.submitter != nil && (c.token != nil || c.treasury != nil) {
		deps.Settler = settlement.New(c.submitter, c.token, c.treasury, c.aggregator, settlement.Options{
			Mode:     cfg.SettlementMode,
			Operator: c.operator,
		}, a.Logger)
	}
	if a.Config.Bank.BaseURL != "" {
		client, err := bank.NewClient(bank.Options{
			BaseURL: a.Config.Bank.BaseURL,
			APIKey:  a.Config.Bank.APIKey,
			Timeout: a.Config.Bank.Timeout,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		deps.Deposits = client
	}

	return ramp.NewService(repo, deps, ramp.Options{
		OnRampFeePct:    decimal.NewFromFloat(cfg.OnRampFeePct),
		OffRampFeePct:   decimal.NewFromFloat(cfg.OffRampFeePct),
		MinAmount:       decimal.NewFromFloat(cfg.MinAmount),
		MaxAmount:       decimal.NewFromFloat(cfg.MaxAmount),
		QuoteValidity:   cfg.QuoteValidity,
		PaymentTimeout:  cfg.PaymentTimeout,
		DisplayMaxAge:   a.Config.Pricing.DisplayMaxAge,
		ReferencePrefix: cfg.ReferencePrefix,
		MaxQuotes:       cfg.MaxQuotes,
		TreasuryBank: ramp.BankAccount{
			BankName:      cfg.TreasuryBank.BankName,
			AccountNumber: cfg.TreasuryBank.AccountNumber,
			AccountHolder: cfg.TreasuryBank.AccountHolder,
			AccountType:   cfg.TreasuryBank.AccountType,
		},
	}, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func (a *App) newJobs(c *components) *service.Service {
	var (
		job    service.OracleJob
		locker storage.AdvisoryLocker
	)
	if c.updater != nil {
		job = c.updater
	}
	if c.store != nil {
		locker = c.store
	}
	return service.New(job, c.ramp, locker, service.Options{
		OracleInterval:  a.Config.Scheduler.OracleInterval,
		SweepInterval:   a.Config.Scheduler.SweepInterval,
		AlignToBucket:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
}

func (a *App) newAPI(c *components) *api.Server {
	deps := api.Deps{Ramp: c.ramp, Prices: c.aggregator}
	if c.oracle != nil {
		deps.Oracle = c.oracle
	}
	if c.token != nil {
		deps.Token = c.token
	}
	if c.treasury != nil {
		deps.Treasury = c.treasury
	}
	return api.New(deps, api.Options{
		Addr:              a.Config.API.Addr,
		AdminJWTSecret:    a.Config.API.AdminJWTSecret,
		ReadTimeout:       a.Config.API.ReadTimeout,
		WriteTimeout:      a.Config.API.WriteTimeout,
		DisplayMaxAge:     a.Config.Pricing.DisplayMaxAge,
		SettlementTimeout: a.Config.Ramp.SettlementTimeout,
	}, a.Logger)
}

// Run serves the HTTP API and runs the oracle and sweep jobs until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	metrics.Serve(ctx, a.Config.Metrics.Addr, nil, a.Logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.newAPI(c).Run(ctx) })
	g.Go(func() error { return a.newJobs(c).Run(ctx) })

	a.Logger.Info().Bool("oracle", c.updater != nil).Bool("settlement", c.submitter != nil).Msg("bobramp started")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("bobramp stopped")
	return nil
}

// ExportOptions hold parameters for exporting oracle history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// Status keeps only runs with this outcome when set.
	Status string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Status string
}
