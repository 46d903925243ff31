// Package config defines the flashsched configuration: the capacity
// registry, strategy profiles, executor guard rails and the connection
// settings of every backing service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and are then
// overridden by FLASHSCHED_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Wallet     WalletConfig     `toml:"wallet"`
	Chain      ChainConfig      `toml:"chain"`
	Quote      QuoteConfig      `toml:"quote"`
	Capacity   CapacityConfig   `toml:"capacity"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Executor   ExecutorConfig   `toml:"executor"`
	Protocols  []ProtocolConfig `toml:"protocols"`
	Assets     []AssetConfig    `toml:"assets"`
	Strategies []StrategyConfig `toml:"strategies"`

	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// WalletConfig holds the operator key. PrivateKey wins over the encrypted file.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// EndpointConfig is one upstream URL metered by a capacity provider.
type EndpointConfig struct {
	Provider string `toml:"provider"`
	URL      string `toml:"url"`
}

// ChainConfig describes the settlement chain and the executor contract.
type ChainConfig struct {
	ChainID          int64            `toml:"chain_id"`
	RPC              []EndpointConfig `toml:"rpc"`
	ExecutorContract string           `toml:"executor_contract"`
	// SettlementAsset is the symbol of the [[assets]] entry whose balance is
	// guarded by the reserve floor.
	SettlementAsset string `toml:"settlement_asset"`
	// NativePrice converts gas spent in the native coin into the settlement
	// asset.
	NativePrice float64 `toml:"native_price"`
	GasLimit    uint64  `toml:"gas_limit"`
	FeeLevel    string  `toml:"fee_level"`
}

// QuoteConfig lists the quote/swap API endpoints.
type QuoteConfig struct {
	Endpoints []EndpointConfig `toml:"endpoints"`
}

// ProviderConfig is one entry of the capacity registry.
type ProviderConfig struct {
	ID           string   `toml:"id"`
	MaxPerSecond float64  `toml:"max_per_second"`
	MaxPerMinute float64  `toml:"max_per_minute"`
	MaxPerHour   float64  `toml:"max_per_hour"`
	Priority     int      `toml:"priority"`
	RetryDelay   duration `toml:"retry_delay"`
	MaxRetries   int      `toml:"max_retries"`
}

// CapacityConfig is the capacity registry plus its global margins.
type CapacityConfig struct {
	SafetyBuffer      float64          `toml:"safety_buffer"`
	BackgroundPerHour float64          `toml:"background_per_hour"`
	StaleAfter        duration         `toml:"stale_after"`
	Providers         []ProviderConfig `toml:"providers"`
	// Distributed enforces request ceilings in Redis so several processes
	// share one budget.
	Distributed bool `toml:"distributed"`
}

// SchedulerConfig holds the allocator's ranking mode, cadence and tunables.
type SchedulerConfig struct {
	RankingMode       string   `toml:"ranking_mode"`
	RecomputeInterval duration `toml:"recompute_interval"`
	GrowThreshold     float64  `toml:"grow_threshold"`
	TargetHeadroom    float64  `toml:"target_headroom"`
	MaxDecrease       float64  `toml:"max_decrease"`
	MaxChange         float64  `toml:"max_change"`
	TopPriorityFloor  float64  `toml:"top_priority_floor"`
	AlertOvershoot    float64  `toml:"alert_overshoot"`
}

// ExecutorConfig holds the scanner and executor guard rails.
type ExecutorConfig struct {
	ReservedFloor      float64  `toml:"reserved_floor"`
	MinNetProfit       float64  `toml:"min_net_profit"`
	FixedExecutionCost float64  `toml:"fixed_execution_cost"`
	LoanFraction       float64  `toml:"loan_fraction"`
	MaxSlippageBps     int      `toml:"max_slippage_bps"`
	NetworkFeeEstimate float64  `toml:"network_fee_estimate"`
	OwnCapital         float64  `toml:"own_capital"`
	PollInterval       duration `toml:"poll_interval"`
	DefaultBudget      duration `toml:"default_budget"`
	IOTimeout          duration `toml:"io_timeout"`
	QuoteTimeout       duration `toml:"quote_timeout"`
	ScanConcurrency    int      `toml:"scan_concurrency"`
	// LedgerProvider names the capacity provider whose retry policy drives
	// post-timeout confirmation polls. Empty means the first RPC endpoint.
	LedgerProvider string `toml:"ledger_provider"`
	// DistributedLocks holds the per-strategy execution lock in Redis.
	DistributedLocks bool `toml:"distributed_locks"`
}

// ProtocolConfig is one flash-loan lending protocol.
type ProtocolConfig struct {
	ID                  string   `toml:"id"`
	MaxLoanAmount       float64  `toml:"max_loan_amount"`
	FeeRate             float64  `toml:"fee_rate"`
	ExecutionTimeBudget duration `toml:"execution_time_budget"`
	Lender              string   `toml:"lender"`
}

// AssetConfig is one token on the settlement chain.
type AssetConfig struct {
	Symbol   string `toml:"symbol"`
	Address  string `toml:"address"`
	Decimals int32  `toml:"decimals"`
}

// PairConfig references two [[assets]] symbols and the venues traded.
type PairConfig struct {
	Base        string `toml:"base"`
	Quote       string `toml:"quote"`
	SourceVenue string `toml:"source_venue"`
	TargetVenue string `toml:"target_venue"`
}

// StrategyConfig seeds a strategy profile and its scan universe. Persisted
// learned fields and intervals take precedence over these seeds on restart.
type StrategyConfig struct {
	ID                     string       `toml:"id"`
	RequestsPerTrade       float64      `toml:"requests_per_trade"`
	RequestsPerHealthCheck float64      `toml:"requests_per_health_check"`
	HealthCheckIntervalMs  int64        `toml:"health_check_interval_ms"`
	MinIntervalMs          int64        `toml:"min_interval_ms"`
	MaxIntervalMs          int64        `toml:"max_interval_ms"`
	InitialIntervalMs      int64        `toml:"initial_interval_ms"`
	MaxTradesPerDay        int          `toml:"max_trades_per_day"`
	FeeLevel               string       `toml:"fee_level"`
	Protocols              []string     `toml:"protocols"`
	Pairs                  []PairConfig `toml:"pairs"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the cold-storage move of old execution records.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds operator API parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// MetricsConfig toggles the /metrics endpoint on the operator API.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with every tunable set.
func Defaults() Config {
	return Config{
		Mode:     "run",
		LogLevel: "info",
		Chain: ChainConfig{
			ChainID:  8453,
			FeeLevel: "medium",
		},
		Capacity: CapacityConfig{
			SafetyBuffer: 0.8,
			StaleAfter:   duration{24 * time.Hour},
		},
		Scheduler: SchedulerConfig{
			RankingMode:       string(domain.RankBalanced),
			RecomputeInterval: duration{time.Hour},
			GrowThreshold:     0.8,
			TargetHeadroom:    0.10,
			MaxDecrease:       0.30,
			MaxChange:         0.50,
			TopPriorityFloor:  0.8,
			AlertOvershoot:    1.2,
		},
		Executor: ExecutorConfig{
			LoanFraction:    0.8,
			MaxSlippageBps:  50,
			PollInterval:    duration{500 * time.Millisecond},
			DefaultBudget:   duration{60 * time.Second},
			IOTimeout:       duration{10 * time.Second},
			QuoteTimeout:    duration{5 * time.Second},
			ScanConcurrency: 4,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "flashsched",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flashsched-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Notify: NotifyConfig{
			Events: []string{"capacity_exceeded", "reserve_breach", "archive_failed"},
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			RateLimitPerMinute: 120,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

var validModes = map[string]bool{
	"run":      true,
	"scan":     true,
	"allocate": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validFeeLevels = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

// Validate checks Config and returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: run, scan, allocate)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if mode == "run" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			add("wallet: either private_key or encrypted_key_path must be set for mode run")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			add("wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.ExecutorContract == "" {
			add("chain: executor_contract must be set for mode run")
		}
		if len(c.Chain.RPC) == 0 {
			add("chain: at least one rpc endpoint is required for mode run")
		}
	}

	// Capacity registry.
	providers := make(map[string]bool, len(c.Capacity.Providers))
	if len(c.Capacity.Providers) == 0 {
		add("capacity: at least one provider is required")
	}
	for i, p := range c.Capacity.Providers {
		switch {
		case p.ID == "":
			add("capacity.providers[%d]: id must not be empty", i)
		case providers[p.ID]:
			add("capacity.providers[%d]: duplicate id %q", i, p.ID)
		}
		providers[p.ID] = true
		if p.MaxPerSecond < 0 || p.MaxPerMinute < 0 || p.MaxPerHour < 0 {
			add("capacity.providers[%d]: ceilings must not be negative", i)
		}
		if p.MaxPerSecond == 0 && p.MaxPerMinute == 0 && p.MaxPerHour == 0 {
			add("capacity.providers[%d]: at least one of max_per_second, max_per_minute, max_per_hour must be set", i)
		}
	}
	if c.Capacity.SafetyBuffer <= 0 || c.Capacity.SafetyBuffer > 1 {
		add("capacity: safety_buffer must be in (0, 1], got %g", c.Capacity.SafetyBuffer)
	}
	if c.Capacity.BackgroundPerHour < 0 {
		add("capacity: background_per_hour must not be negative")
	}

	checkEndpoints := func(section string, eps []EndpointConfig) {
		for i, e := range eps {
			if e.URL == "" {
				add("%s[%d]: url must not be empty", section, i)
			}
			if !providers[e.Provider] {
				add("%s[%d]: unknown capacity provider %q", section, i, e.Provider)
			}
		}
	}
	checkEndpoints("chain.rpc", c.Chain.RPC)
	if len(c.Quote.Endpoints) == 0 {
		add("quote: at least one endpoint is required")
	}
	checkEndpoints("quote.endpoints", c.Quote.Endpoints)
	if c.Executor.LedgerProvider != "" && !providers[c.Executor.LedgerProvider] {
		add("executor: ledger_provider %q is not a capacity provider", c.Executor.LedgerProvider)
	}
	if !validFeeLevels[c.Chain.FeeLevel] {
		add("chain: unknown fee_level %q (valid: low, medium, high, critical)", c.Chain.FeeLevel)
	}

	// Scheduler.
	if !domain.RankingMode(c.Scheduler.RankingMode).Valid() {
		add("scheduler: unknown ranking_mode %q (valid: profit, success, balanced)", c.Scheduler.RankingMode)
	}
	if c.Scheduler.RecomputeInterval.Duration <= 0 {
		add("scheduler: recompute_interval must be positive")
	}

	// Executor.
	if c.Executor.ReservedFloor < 0 {
		add("executor: reserved_floor must not be negative")
	}
	if c.Executor.LoanFraction <= 0 || c.Executor.LoanFraction > 1 {
		add("executor: loan_fraction must be in (0, 1], got %g", c.Executor.LoanFraction)
	}
	if c.Executor.MaxSlippageBps < 0 || c.Executor.MaxSlippageBps > 10000 {
		add("executor: max_slippage_bps must be 0-10000, got %d", c.Executor.MaxSlippageBps)
	}
	if c.Executor.PollInterval.Duration <= 0 {
		add("executor: poll_interval must be positive")
	}

	// Assets, protocols and strategies.
	assets := make(map[string]bool, len(c.Assets))
	for i, a := range c.Assets {
		if a.Symbol == "" {
			add("assets[%d]: symbol must not be empty", i)
		}
		if assets[a.Symbol] {
			add("assets[%d]: duplicate symbol %q", i, a.Symbol)
		}
		assets[a.Symbol] = true
		if a.Decimals < 0 || a.Decimals > 36 {
			add("assets[%d]: decimals must be 0-36, got %d", i, a.Decimals)
		}
	}
	if c.Chain.SettlementAsset != "" && !assets[c.Chain.SettlementAsset] {
		add("chain: settlement_asset %q is not a configured asset", c.Chain.SettlementAsset)
	}
	if mode == "run" && c.Chain.SettlementAsset == "" {
		add("chain: settlement_asset must be set for mode run")
	}

	protocols := make(map[string]bool, len(c.Protocols))
	for i, p := range c.Protocols {
		if p.ID == "" {
			add("protocols[%d]: id must not be empty", i)
		}
		if protocols[p.ID] {
			add("protocols[%d]: duplicate id %q", i, p.ID)
		}
		protocols[p.ID] = true
		if p.MaxLoanAmount <= 0 {
			add("protocols[%d]: max_loan_amount must be positive", i)
		}
		if p.FeeRate < 0 || p.FeeRate >= 1 {
			add("protocols[%d]: fee_rate must be in [0, 1), got %g", i, p.FeeRate)
		}
	}

	if len(c.Strategies) == 0 {
		add("strategies: at least one strategy is required")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if seen[s.ID] {
			add("strategies[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if err := s.Profile().Validate(); err != nil {
			add("strategies[%d]: %v", i, err)
		}
		if s.FeeLevel != "" && !validFeeLevels[s.FeeLevel] {
			add("strategies[%d]: unknown fee_level %q", i, s.FeeLevel)
		}
		for _, pid := range s.Protocols {
			if !protocols[pid] {
				add("strategies[%d]: unknown protocol %q", i, pid)
			}
		}
		if len(s.Pairs) == 0 {
			add("strategies[%d]: at least one pair is required", i)
		}
		for j, p := range s.Pairs {
			if !assets[p.Base] || !assets[p.Quote] {
				add("strategies[%d].pairs[%d]: %s/%s references an unknown asset", i, j, p.Base, p.Quote)
			}
			if p.Base == p.Quote {
				add("strategies[%d].pairs[%d]: base and quote must differ", i, j)
			}
		}
	}

	// Backing services.
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	needsRedis := c.Capacity.Distributed || c.Executor.DistributedLocks
	if needsRedis && !c.Redis.Enabled {
		add("redis: must be enabled for distributed capacity or locks")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.Archive.Enabled {
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if c.Archive.Cron == "" {
			add("archive: cron must not be empty")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty when archive is enabled")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			add("s3: access_key and secret_key must be set together")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
