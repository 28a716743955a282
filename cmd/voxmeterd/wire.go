package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/auth"
	"github.com/ineyio/voxmeter/billing/stripe"
	"github.com/ineyio/voxmeter/entitlement"
	"github.com/ineyio/voxmeter/httpapi"
	"github.com/ineyio/voxmeter/ledger"
	"github.com/ineyio/voxmeter/ledger/postgres"
	"github.com/ineyio/voxmeter/ledger/redis"
	"github.com/ineyio/voxmeter/meter"
	"github.com/ineyio/voxmeter/notify"
	"github.com/ineyio/voxmeter/provider/gemini"
	"github.com/ineyio/voxmeter/provider/gonka"
	"github.com/ineyio/voxmeter/provider/openai"
)

// stores groups the persistence ports the pipeline needs.
type stores struct {
	ledger  voxmeter.Ledger
	history voxmeter.HistoryStore
	subs    voxmeter.SubscriptionStore
	events  voxmeter.EventLog

	pg    *postgres.Store
	pool  *pgxpool.Pool
	redis *goredis.Client
}

func (s *stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func openStores(ctx context.Context, cfg daemonConfig, logger *slog.Logger) (*stores, error) {
	s := &stores{}
	mem := ledger.NewMemoryStore()
	s.ledger, s.history, s.subs, s.events = mem, mem, mem, mem

	if cfg.usesPostgres() {
		pool, err := postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		s.pg = postgres.New(pool, postgres.WithTablePrefix(cfg.Postgres.TablePrefix))
		if cfg.AutoMigrate {
			if err := s.pg.EnsureSchema(ctx); err != nil {
				s.close()
				return nil, err
			}
		}
		s.subs, s.events = s.pg, s.pg
		if cfg.LedgerBackend == backendPostgres {
			s.ledger, s.history = s.pg, s.pg
		}
		logger.InfoContext(ctx, "postgres_connected", "table_prefix", cfg.Postgres.TablePrefix)
	}

	if cfg.usesRedis() {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			s.close()
			return nil, err
		}
		s.redis = rdb
		if cfg.LedgerBackend == backendRedis {
			rs := redis.New(rdb, redis.WithKeyPrefix(cfg.Redis.KeyPrefix))
			s.ledger, s.history = rs, rs
		}
		logger.InfoContext(ctx, "redis_connected", "key_prefix", cfg.Redis.KeyPrefix)
	}

	logger.InfoContext(ctx, "stores_ready", "ledger", cfg.LedgerBackend, "durable_subscriptions", s.pg != nil)
	return s, nil
}

func buildProviders(cfg daemonConfig, mcfg voxmeter.Config) ([]voxmeter.Provider, error) {
	var providers []voxmeter.Provider
	for _, pc := range mcfg.Providers {
		switch pc.Kind {
		case voxmeter.ProviderKindGonka:
			p, err := gonka.FromConfig(pc)
			if err != nil {
				return nil, fmt.Errorf("voxmeterd: provider %q: %w", pc.Name, err)
			}
			providers = append(providers, p)
		case voxmeter.ProviderKindGemini:
			providers = append(providers, gemini.FromConfig(pc))
		default:
			providers = append(providers, openai.FromConfig(pc))
		}
	}
	if len(providers) == 0 {
		if cfg.OpenAIAPIKey != "" {
			providers = append(providers, openai.NewOpenAI(openai.WithAPIKey(cfg.OpenAIAPIKey)))
		}
		if cfg.GroqAPIKey != "" {
			providers = append(providers, openai.NewGroq(openai.WithAPIKey(cfg.GroqAPIKey)))
		}
		if cfg.GeminiAPIKey != "" {
			providers = append(providers, gemini.New(cfg.GeminiAPIKey))
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("voxmeterd: no providers configured; set OPENAI_API_KEY, GROQ_API_KEY or GEMINI_API_KEY, or list providers in the config file")
	}
	return providers, nil
}

// daemon holds everything serve runs.
type daemon struct {
	handler http.Handler
	stores  *stores
	hub     *notify.Hub
	bridge  *notify.RedisBridge
}

func buildDaemon(ctx context.Context, cfg daemonConfig, logger *slog.Logger) (*daemon, error) {
	mcfg, err := cfg.meteringConfig()
	if err != nil {
		return nil, err
	}
	providers, err := buildProviders(cfg, mcfg)
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifierFromConfig(cfg.Auth)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := meter.NewPrometheusMeter(reg)
	m := meter.Multi{prom, meter.NewLogMeter(logger)}

	hub := notify.NewHub(16)
	var notifier voxmeter.Notifier = hub
	var bridge *notify.RedisBridge
	if cfg.RedisNotify {
		notifier = notify.NewRedisPublisher(st.redis)
		bridge = notify.NewRedisBridge(st.redis, hub, logger)
	}

	recorder := voxmeter.NewRecorder(mcfg, st.ledger, st.history,
		voxmeter.WithRecorderNotifier(notifier),
		voxmeter.WithRecorderMeter(m),
		voxmeter.WithRecorderLogger(logger),
	)
	orch, err := voxmeter.NewOrchestrator(mcfg, providers,
		voxmeter.WithAuthenticator(verifier),
		voxmeter.WithLedger(st.ledger),
		voxmeter.WithHistory(st.history),
		voxmeter.WithRecorder(recorder),
		voxmeter.WithMeter(m),
		voxmeter.WithLogger(logger),
	)
	if err != nil {
		st.close()
		return nil, err
	}

	opts := httpapi.Options{
		Service:  orch,
		Verifier: verifier,
		Hub:      hub,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Ready:    map[string]httpapi.ReadyCheck{},
		Logger:   logger,
	}
	if st.pool != nil {
		opts.Ready["postgres"] = postgres.Healthcheck(st.pool)
	}
	if st.redis != nil {
		rdb := st.redis
		opts.Ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	if cfg.StripeSecretKey != "" {
		sc := client.New(cfg.StripeSecretKey, nil)
		syncer := entitlement.NewSynchronizer(mcfg, st.ledger, st.subs,
			entitlement.WithFetcher(stripe.NewFetcher(sc)),
			entitlement.WithNotifier(notifier),
			entitlement.WithLogger(logger),
		)
		opts.Webhook = entitlement.NewHandler(stripe.NewVerifier(cfg.StripeWebhookSecret), syncer,
			entitlement.WithEventLog(st.events),
			entitlement.WithObserver(prom),
			entitlement.WithHandlerLogger(logger),
		)
		if cfg.Checkout.PriceID != "" {
			opts.Checkout = stripe.NewCheckout(cfg.Checkout, sc, st.subs, logger)
		}
	} else {
		logger.WarnContext(ctx, "billing_disabled", "reason", "STRIPE_SECRET_KEY not set")
	}

	return &daemon{
		handler: httpapi.NewRouter(opts),
		stores:  st,
		hub:     hub,
		bridge:  bridge,
	}, nil
}

// cleanupProcessedEvents prunes the webhook deduplication log on an interval.
func cleanupProcessedEvents(ctx context.Context, pg *postgres.Store, every, olderThan time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := pg.CleanupProcessedEvents(ctx, olderThan)
			if err != nil {
				logger.ErrorContext(ctx, "processed_events_cleanup_failed", "error", err)
				continue
			}
			logger.InfoContext(ctx, "processed_events_cleaned", "deleted", n)
		}
	}
}

func runMigrations(ctx context.Context, cfg daemonConfig, logger *slog.Logger) error {
	if cfg.Postgres.ConnectionString == "" {
		return fmt.Errorf("voxmeterd: DATABASE_URL is required to migrate")
	}
	pool, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.New(pool, postgres.WithTablePrefix(cfg.Postgres.TablePrefix)).EnsureSchema(ctx); err != nil {
		return err
	}
	logger.InfoContext(ctx, "schema_ready", "table_prefix", cfg.Postgres.TablePrefix)
	return nil
}
