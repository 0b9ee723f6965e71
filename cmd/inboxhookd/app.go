package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/inbox_hooks/internal/api"
	"github.com/austindbirch/inbox_hooks/internal/auth"
	"github.com/austindbirch/inbox_hooks/internal/config"
	"github.com/austindbirch/inbox_hooks/internal/db"
	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/health"
	"github.com/austindbirch/inbox_hooks/internal/lock"
	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/metrics"
	"github.com/austindbirch/inbox_hooks/internal/queue"
	"github.com/austindbirch/inbox_hooks/internal/store/memory"
	"github.com/austindbirch/inbox_hooks/internal/store/postgres"
	"github.com/austindbirch/inbox_hooks/internal/webhook"
)

// engineStore is satisfied by both the postgres and the memory store.
type engineStore interface {
	delivery.Store
	webhook.Store
	api.MessageStore
}

// app holds the wired engine and everything that must be closed with it.
type app struct {
	cfg        config.Config
	log        *logging.Logger
	store      engineStore
	pool       *pgxpool.Pool
	redis      *redis.Client
	producer   *nsq.Producer
	registry   *prometheus.Registry
	executor   *delivery.Executor
	dispatcher *delivery.Dispatcher
	reconciler *delivery.Reconciler
	webhooks   *webhook.Registry
	health     []health.Check
}

func newApp(ctx context.Context, cfg config.Config, log *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.Redis.URL != "" {
		client, err := lock.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.health = append(a.health, health.Check{Name: "redis", Pinger: health.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})})
	}

	if cfg.NSQ.Enabled || cfg.NSQ.PublishDLQ {
		p, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.producer = p
		a.health = append(a.health, health.Check{Name: "nsqd", Pinger: health.PingFunc(func(context.Context) error {
			return p.Ping()
		})})
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(a.registry)

	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	a.executor = delivery.NewExecutor(a.store, client, delivery.ExecutorConfig{
		Timeout:         cfg.Delivery.Timeout,
		MaxResponseBody: cfg.Delivery.MaxResponseBody,
		UserAgent:       cfg.Delivery.UserAgent,
		Schedule:        delivery.Schedule(cfg.Delivery.Backoff()),
	})
	a.executor.Logger = log
	if cfg.NSQ.PublishDLQ {
		a.executor.Notifier = queue.NewDeadLetterPublisher(a.producer, cfg.NSQ.DLQTopic)
	}

	a.dispatcher = delivery.NewDispatcher(a.store, a.executor)
	a.dispatcher.Logger = log

	a.reconciler = delivery.NewReconciler(a.store, a.executor)
	a.reconciler.Logger = log
	a.reconciler.DefaultLimit = cfg.Sweep.BatchSize
	a.reconciler.MaxLimit = cfg.Sweep.MaxBatch
	if cfg.Sweep.LockTTL > 0 {
		a.reconciler.LockTTL = cfg.Sweep.LockTTL
	}
	if a.redis != nil {
		a.reconciler.Locker = lock.NewRedisLocker(a.redis)
	}

	a.webhooks = webhook.NewRegistry(a.store, log)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case "memory":
		a.log.Plain().Warn("using in-memory store, deliveries will not survive a restart")
		a.store = memory.New()
		return nil
	case "postgres":
		pool, err := db.Connect(ctx, a.cfg.DSN(), db.Options{MaxConns: a.cfg.DB.MaxConns})
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		a.pool = pool
		a.store = postgres.New(pool)
		a.health = append(a.health, health.Check{Name: "database", Pinger: pool})
		return nil
	default:
		return fmt.Errorf("unknown store %q", a.cfg.Store)
	}
}

// users builds the caller authenticator for the webhook management routes.
func (a *app) users() (*auth.JWTValidator, error) {
	pemKey, err := a.cfg.Auth.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	var v *auth.JWTValidator
	if pemKey == "" {
		a.log.Plain().Warn("no JWT public key configured, only proxy-authenticated requests are accepted")
		v = auth.NewJWTValidatorFromKey(nil, "", "")
		v.TrustProxy = true
		return v, nil
	}
	v, err = auth.NewJWTValidator(pemKey, a.cfg.Auth.Issuer, a.cfg.Auth.Audience)
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}
	v.TrustProxy = a.cfg.Auth.TrustProxy
	return v, nil
}

func (a *app) server(users api.Authenticator, metricsHandler http.Handler) *api.Server {
	opts := api.Options{
		Registry:   a.webhooks,
		Messages:   a.store,
		Dispatcher: a.dispatcher,
		Sweeper:    a.reconciler,
		Users:      users,
		Cron:       auth.NewCronAuthorizer(a.cfg.Auth.CronSecret),
		Health:     a.health,
		Metrics:    metricsHandler,
		Logger:     a.log,
	}
	if a.cfg.NSQ.Enabled {
		opts.Publisher = queue.NewEventPublisher(a.producer, a.cfg.NSQ.EventsTopic)
	}
	return api.NewServer(opts)
}

func (a *app) Close() {
	if a.producer != nil {
		a.producer.Stop()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
