package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/flashsched/internal/blob/s3"
	"github.com/alanyoungcy/flashsched/internal/cache/redis"
	"github.com/alanyoungcy/flashsched/internal/config"
	"github.com/alanyoungcy/flashsched/internal/crypto"
	"github.com/alanyoungcy/flashsched/internal/domain"
	"github.com/alanyoungcy/flashsched/internal/notify"
	"github.com/alanyoungcy/flashsched/internal/platform/evm"
	"github.com/alanyoungcy/flashsched/internal/platform/quoteapi"
	"github.com/alanyoungcy/flashsched/internal/ratelimit"
	"github.com/alanyoungcy/flashsched/internal/store/postgres"
)

// Dependencies bundles the concrete collaborators the modes run on. Optional
// members are nil interfaces, never typed nils.
type Dependencies struct {
	Postgres   *postgres.Client
	Profiles   domain.ProfileStore
	Executions *postgres.ExecutionStore
	Audit      domain.AuditStore

	// Redis is nil when disabled; Locks, Bus and Limiter are nil with it.
	Redis   *redis.Client
	Locks   domain.LockManager
	Bus     domain.SignalBus
	Limiter domain.RateLimiter

	Gate   domain.RequestGate
	Quotes domain.QuoteSource

	// Chain, Signer and Key are only wired in run mode.
	Chain    *evm.Pool
	Key      *crypto.Signer
	Ledger   domain.Ledger
	Balances domain.BalanceSource
	Signer   domain.BundleSigner

	// S3 and Archiver are only wired when archiving is enabled in run mode.
	S3       *s3blob.Client
	Archiver domain.Archiver

	Notifier *notify.Notifier
}

// Wire constructs every dependency the configured mode needs and returns a
// cleanup function releasing them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{}

	// --- PostgreSQL: profiles are persisted in every mode ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("wire: postgres migrations: %w", err)
		}
	}
	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.Profiles = postgres.NewProfileStore(pool)
	deps.Executions = postgres.NewExecutionStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis ---
	var redisLimiter *redis.RateLimiter
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		redisLimiter = redis.NewRateLimiter(redisClient, cfg.CapacityProviders(), cfg.Capacity.SafetyBuffer)
		deps.Redis = redisClient
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Limiter = redisLimiter
		if cfg.Executor.DistributedLocks {
			deps.Locks = redis.NewLockManager(redisClient)
		}
	}

	// --- Request gate: in-process unless several processes share one budget ---
	if cfg.Capacity.Distributed && redisLimiter != nil {
		deps.Gate = redisLimiter
	} else {
		deps.Gate = ratelimit.NewGate(cfg.CapacityProviders(), cfg.Capacity.SafetyBuffer)
	}

	// --- Operator key: required to sign, optional otherwise ---
	if mode == "run" {
		key, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		}, cfg.Chain.ChainID)
		if err != nil {
			return fail("wire: operator key: %w", err)
		}
		deps.Key = key
	}

	// --- Quote API ---
	if mode != "allocate" {
		// Routes are built for the executor contract, which holds the
		// borrowed funds while the swaps run.
		quotes, err := quoteapi.New(quoteEndpoints(cfg), deps.Gate, cfg.Chain.ChainID, cfg.Chain.ExecutorContract, logger)
		if err != nil {
			return fail("wire: quote api: %w", err)
		}
		deps.Quotes = quotes
	}

	// --- Settlement chain ---
	if mode == "run" {
		chain, err := evm.Dial(ctx, rpcEndpoints(cfg), deps.Gate, logger)
		if err != nil {
			return fail("wire: chain: %w", err)
		}
		closers = append(closers, chain.Close)
		deps.Chain = chain

		settlement, _ := cfg.Asset(cfg.Chain.SettlementAsset)
		deps.Ledger = evm.NewLedger(chain, cfg.Chain.NativePrice)
		deps.Balances = evm.NewBalances(chain, settlement)
		signer, err := evm.NewBundleSigner(chain, deps.Key, signerConfig(cfg))
		if err != nil {
			return fail("wire: bundle signer: %w", err)
		}
		deps.Signer = signer
	}

	// --- S3 archive ---
	if mode == "run" && cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Executions,
			deps.Audit,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// priority returns the registry priority of a provider; unknown providers
// sort last.
func priority(cfg *config.Config, providerID string) int {
	if p, ok := cfg.Provider(providerID); ok {
		return p.Priority
	}
	return int(^uint(0) >> 1)
}

func quoteEndpoints(cfg *config.Config) []quoteapi.Endpoint {
	out := make([]quoteapi.Endpoint, 0, len(cfg.Quote.Endpoints))
	for _, e := range cfg.Quote.Endpoints {
		out = append(out, quoteapi.Endpoint{
			ProviderID: e.Provider,
			BaseURL:    e.URL,
			Priority:   priority(cfg, e.Provider),
		})
	}
	return out
}

func rpcEndpoints(cfg *config.Config) []evm.Endpoint {
	out := make([]evm.Endpoint, 0, len(cfg.Chain.RPC))
	for _, e := range cfg.Chain.RPC {
		out = append(out, evm.Endpoint{
			ProviderID: e.Provider,
			URL:        e.URL,
			Priority:   priority(cfg, e.Provider),
		})
	}
	return out
}

func signerConfig(cfg *config.Config) evm.SignerConfig {
	levels := make(map[string]evm.FeeLevel)
	for _, s := range cfg.Strategies {
		if s.FeeLevel != "" {
			levels[s.ID] = evm.FeeLevel(s.FeeLevel)
		}
	}
	return evm.SignerConfig{
		Contract:     cfg.Chain.ExecutorContract,
		GasLimit:     cfg.Chain.GasLimit,
		DefaultLevel: evm.FeeLevel(cfg.Chain.FeeLevel),
		Levels:       levels,
	}
}

// ledgerProvider is the capacity provider whose retry policy governs
// confirmation backoff: the configured one, else the highest-priority RPC
// endpoint's.
func ledgerProvider(cfg *config.Config) (domain.CapacityProvider, bool) {
	id := cfg.Executor.LedgerProvider
	if id == "" {
		eps := rpcEndpoints(cfg)
		if len(eps) == 0 {
			return domain.CapacityProvider{}, false
		}
		best := eps[0]
		for _, e := range eps[1:] {
			if e.Priority < best.Priority {
				best = e
			}
		}
		id = best.ProviderID
	}
	return cfg.Provider(id)
}
