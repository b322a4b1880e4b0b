package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"bob-ramp/internal/contracts"
	"bob-ramp/internal/logging"
)

// Networks recognised by the ledger section.
const (
	NetworkTestnet = "testnet"
	NetworkMainnet = "mainnet"
)

// Settlement modes for the on-ramp leg.
const (
	SettlementMint     = "mint"
	SettlementTreasury = "treasury"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Logging   logging.Config   `mapstructure:"logging"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Pricing   PricingConfig    `mapstructure:"pricing"`
	Ledger    LedgerConfig     `mapstructure:"ledger"`
	Oracle    OracleConfig     `mapstructure:"oracle"`
	Ramp      RampConfig       `mapstructure:"ramp"`
	Bank      BankConfig       `mapstructure:"bank"`
	API       APIConfig        `mapstructure:"api"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Alerting  AlertingConfig   `mapstructure:"alerting"`
	Export    ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RedisConfig locates the rate snapshot cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	DB       int           `mapstructure:"db"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs the periodic jobs.
type SchedulerConfig struct {
	OracleInterval  time.Duration `mapstructure:"oracle_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ExchangeConfig describes one P2P market polled for the BOB rate.
type ExchangeConfig struct {
	Name      string        `mapstructure:"name"`
	Kind      string        `mapstructure:"kind"`
	BaseURL   string        `mapstructure:"base_url"`
	Asset     string        `mapstructure:"asset"`
	Fiat      string        `mapstructure:"fiat"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// PricingConfig tunes the aggregator.
type PricingConfig struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	Concurrency     int           `mapstructure:"concurrency"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	FetchRetries    int           `mapstructure:"fetch_retries"`
	FetchRetryDelay time.Duration `mapstructure:"fetch_retry_delay"`
	BandMin         float64       `mapstructure:"band_min"`
	BandMax         float64       `mapstructure:"band_max"`
	OracleMaxAge    time.Duration `mapstructure:"oracle_max_age"`
	DisplayMaxAge   time.Duration `mapstructure:"display_max_age"`
	MinQuoteSources int           `mapstructure:"min_quote_sources"`
}

// LedgerConfig covers chain access and the submission protocol.
type LedgerConfig struct {
	Network         string        `mapstructure:"network"`
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	ExplorerURL     string        `mapstructure:"explorer_url"`
	ExplorerAPIKey  string        `mapstructure:"explorer_api_key"`
	OperatorKey     string        `mapstructure:"operator_key"`
	OracleAddress   string        `mapstructure:"oracle_address"`
	TokenAddress    string        `mapstructure:"token_address"`
	TreasuryAddress string        `mapstructure:"treasury_address"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollAttempts    int           `mapstructure:"poll_attempts"`
	GasBufferPct    int           `mapstructure:"gas_buffer_pct"`
}

// OracleConfig governs price pushes.
type OracleConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MinExchanges      int  `mapstructure:"min_exchanges"`
	MaxSubmitAttempts int  `mapstructure:"max_submit_attempts"`
}

// RampConfig holds fee and limit policy for on/off ramp.
type RampConfig struct {
	OnRampFeePct      float64             `mapstructure:"on_ramp_fee_pct"`
	OffRampFeePct     float64             `mapstructure:"off_ramp_fee_pct"`
	MinAmount         float64             `mapstructure:"min_amount"`
	MaxAmount         float64             `mapstructure:"max_amount"`
	QuoteValidity     time.Duration       `mapstructure:"quote_validity"`
	PaymentTimeout    time.Duration       `mapstructure:"payment_timeout"`
	ReferencePrefix   string              `mapstructure:"reference_prefix"`
	SettlementMode    string              `mapstructure:"settlement_mode"`
	TreasuryBank      TreasuryBankAccount `mapstructure:"treasury_bank"`
	SettlementTimeout time.Duration       `mapstructure:"settlement_timeout"`
	MaxQuotes         int                 `mapstructure:"max_quotes"`
}

// TreasuryBankAccount is shown to users as payment instructions.
type TreasuryBankAccount struct {
	BankName      string `mapstructure:"bank_name"`
	AccountNumber string `mapstructure:"account_number"`
	AccountHolder string `mapstructure:"account_holder"`
	AccountType   string `mapstructure:"account_type"`
}

// BankConfig points at the deposit verification endpoint.
type BankConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr           string        `mapstructure:"addr"`
	AdminJWTSecret string        `mapstructure:"admin_jwt_secret"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOBRAMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyNetworkDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bobramp")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("redis.key", "bobramp:rate:last_good")
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("scheduler.oracle_interval", "5m")
	v.SetDefault("scheduler.sweep_interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x424f4254))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("exchanges", []map[string]any{
		{"name": "binance", "kind": "binance", "asset": "USDT", "fiat": "BOB"},
		{"name": "bybit", "kind": "bybit", "asset": "USDT", "fiat": "BOB"},
		{"name": "okx", "kind": "okx", "asset": "USDT", "fiat": "BOB"},
	})

	v.SetDefault("pricing.cache_ttl", "45s")
	v.SetDefault("pricing.concurrency", 3)
	v.SetDefault("pricing.fetch_timeout", "8s")
	v.SetDefault("pricing.fetch_retries", 2)
	v.SetDefault("pricing.fetch_retry_delay", "300ms")
	v.SetDefault("pricing.band_min", 5.0)
	v.SetDefault("pricing.band_max", 15.0)
	v.SetDefault("pricing.oracle_max_age", "10m")
	v.SetDefault("pricing.display_max_age", "1h")
	v.SetDefault("pricing.min_quote_sources", 1)

	v.SetDefault("ledger.network", NetworkTestnet)
	v.SetDefault("ledger.call_timeout", "15s")
	v.SetDefault("ledger.poll_interval", "1s")
	v.SetDefault("ledger.poll_attempts", 30)
	v.SetDefault("ledger.gas_buffer_pct", 20)

	v.SetDefault("oracle.enabled", true)
	v.SetDefault("oracle.min_exchanges", 2)
	v.SetDefault("oracle.max_submit_attempts", 2)

	v.SetDefault("ramp.on_ramp_fee_pct", 0.5)
	v.SetDefault("ramp.off_ramp_fee_pct", 0.5)
	v.SetDefault("ramp.min_amount", 10.0)
	v.SetDefault("ramp.max_amount", 100000.0)
	v.SetDefault("ramp.quote_validity", "15m")
	v.SetDefault("ramp.payment_timeout", "60m")
	v.SetDefault("ramp.reference_prefix", "BOBT")
	v.SetDefault("ramp.settlement_mode", SettlementMint)
	v.SetDefault("ramp.settlement_timeout", "2m")
	v.SetDefault("ramp.max_quotes", 10000)

	v.SetDefault("bank.timeout", "10s")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "90s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

type networkDefaults struct {
	rpcURL      string
	explorerURL string
	chainID     int64
}

var knownNetworks = map[string]networkDefaults{
	NetworkTestnet: {
		rpcURL:      "https://ethereum-sepolia-rpc.publicnode.com",
		explorerURL: "https://api-sepolia.etherscan.io/api",
		chainID:     11155111,
	},
	NetworkMainnet: {
		rpcURL:      "https://ethereum-rpc.publicnode.com",
		explorerURL: "https://api.etherscan.io/api",
		chainID:     1,
	},
}

func (c *Config) applyNetworkDefaults() {
	c.Ledger.Network = strings.ToLower(strings.TrimSpace(c.Ledger.Network))
	defaults, ok := knownNetworks[c.Ledger.Network]
	if !ok {
		return
	}
	if c.Ledger.RPCURL == "" {
		c.Ledger.RPCURL = defaults.rpcURL
	}
	if c.Ledger.ExplorerURL == "" {
		c.Ledger.ExplorerURL = defaults.explorerURL
	}
	if c.Ledger.ChainID == 0 {
		c.Ledger.ChainID = defaults.chainID
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, ok := knownNetworks[c.Ledger.Network]; !ok {
		return fmt.Errorf("ledger.network must be %q or %q", NetworkTestnet, NetworkMainnet)
	}
	if c.Scheduler.OracleInterval <= 0 || c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	for i, ex := range c.Exchanges {
		if ex.Name == "" || ex.Kind == "" {
			return fmt.Errorf("exchanges[%d]: name and kind are required", i)
		}
	}
	if c.Pricing.BandMin <= 0 || c.Pricing.BandMax <= c.Pricing.BandMin {
		return fmt.Errorf("pricing band must satisfy 0 < band_min < band_max")
	}
	if c.Pricing.CacheTTL < 0 {
		return fmt.Errorf("pricing.cache_ttl cannot be negative")
	}
	if c.Ledger.PollInterval <= 0 || c.Ledger.PollAttempts <= 0 {
		return fmt.Errorf("ledger.poll_interval and ledger.poll_attempts must be greater than zero")
	}
	if c.Oracle.Enabled {
		for i, ex := range c.Exchanges {
			if !isOracleSlot(ex.Name) {
				return fmt.Errorf("exchanges[%d]: name %q has no oracle slot; use one of %s", i, ex.Name, strings.Join(contracts.OracleSlots, ", "))
			}
		}
	}
	if c.Oracle.MinExchanges < 1 {
		return fmt.Errorf("oracle.min_exchanges must be at least 1")
	}
	if c.Oracle.MaxSubmitAttempts < 1 {
		return fmt.Errorf("oracle.max_submit_attempts must be at least 1")
	}
	if c.Ramp.OnRampFeePct < 0 || c.Ramp.OnRampFeePct >= 100 || c.Ramp.OffRampFeePct < 0 || c.Ramp.OffRampFeePct >= 100 {
		return fmt.Errorf("ramp fee percentages must be within [0, 100)")
	}
	if c.Ramp.MinAmount <= 0 || c.Ramp.MaxAmount < c.Ramp.MinAmount {
		return fmt.Errorf("ramp amounts must satisfy 0 < min_amount <= max_amount")
	}
	if c.Ramp.MaxQuotes < 0 {
		return fmt.Errorf("ramp.max_quotes cannot be negative")
	}
	if c.Ramp.QuoteValidity <= 0 || c.Ramp.PaymentTimeout <= 0 {
		return fmt.Errorf("ramp.quote_validity and ramp.payment_timeout must be greater than zero")
	}
	switch c.Ramp.SettlementMode {
	case SettlementMint, SettlementTreasury:
	default:
		return fmt.Errorf("ramp.settlement_mode must be %q or %q", SettlementMint, SettlementTreasury)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func isOracleSlot(name string) bool {
	for _, slot := range contracts.OracleSlots {
		if name == slot {
			return true
		}
	}
	return false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// LedgerEnabled reports whether enough is configured to write to the chain.
func (c *Config) LedgerEnabled() bool {
	return c.Ledger.RPCURL != "" && c.Ledger.OperatorKey != ""
}
