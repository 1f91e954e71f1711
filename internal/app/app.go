// Package app implements the boot/shutdown sequencer: it takes the loaded
// config, runs migrations, wires every component, recovers inflight processing,
// starts the consumer, scheduler, and HTTP intake, and reverses that
// order cleanly on shutdown. App is the one record created at boot and
// destroyed at shutdown — no component reaches for a package-level
// singleton.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/chain"
	"github.com/everclearorg/mark/internal/config"
	"github.com/everclearorg/mark/internal/consumer"
	"github.com/everclearorg/mark/internal/dbconn"
	"github.com/everclearorg/mark/internal/kvstore"
	"github.com/everclearorg/mark/internal/logger"
	"github.com/everclearorg/mark/internal/metrics"
	"github.com/everclearorg/mark/internal/processor"
	"github.com/everclearorg/mark/internal/purchase"
	"github.com/everclearorg/mark/internal/queue"
	"github.com/everclearorg/mark/internal/rebalance"
	"github.com/everclearorg/mark/internal/scheduler"
	"github.com/everclearorg/mark/internal/tracing"
	"github.com/everclearorg/mark/internal/webhook"
)

// shutdownTimeout is the hard cap bounding the total graceful-shutdown
// sequence.
const shutdownTimeout = 30 * time.Second

// App holds every component constructed at boot and torn down at
// Shutdown.
type App struct {
	cfg config.Config
	log *zap.Logger

	db             *dbconn.DB
	store          *kvstore.RedisStore
	purchases      *purchase.Cache
	eventQueue     *queue.Queue
	proc           *processor.Processor
	eventConsumer  *consumer.Consumer
	maintScheduler *scheduler.Scheduler
	httpServer     *http.Server
	webhookHandler *webhook.Handler
	tracerShutdown tracing.Shutdown
	httpMetrics    *metrics.HTTPMetrics
	queueMetrics   *metrics.QueueMetrics

	shutdownOnce sync.Once
	shutdownErr  error
}

// New takes the loaded cfg and wires every component, but does not yet start any of
// them — see Start. Boot order: migrate, initialize adapters, then
// construct the consumer, scheduler, and HTTP intake (those three are
// actually started in Start, since migrations must run before anything
// reads the store).
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log := logger.New("mark", cfg.LogLevel)

	tracerShutdown, err := tracing.Init("mark", cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	db, err := dbconn.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		tracerShutdown(ctx)
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := (dbconn.NoopMigrator{}).Migrate(ctx); err != nil {
		db.Close()
		tracerShutdown(ctx)
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store, err := kvstore.Connect(ctx, kvstore.Options{Addr: cfg.RedisAddr})
	if err != nil {
		db.Close()
		tracerShutdown(ctx)
		return nil, fmt.Errorf("connect key-value store: %w", err)
	}

	purchases := purchase.New(store)
	eventQueue := queue.New(store, log, nil)

	httpMetrics := metrics.NewHTTPMetrics("mark")
	queueMetrics := metrics.NewQueueMetrics("mark")

	chainProvider := chain.NewStaticProvider()
	proc := processor.New(
		purchases,
		chainProvider,
		chainProvider,
		chain.NoopSubmitter{},
		rebalance.NaivePlanner{},
		rebalance.NoopEvaluator{},
		log,
	)

	eventConsumer := consumer.New(eventQueue, proc, log,
		consumer.WithMaxConcurrency(cfg.MaxConcurrentEvents),
		consumer.WithMetrics(queueMetrics),
	)

	maintScheduler := scheduler.New(
		eventQueue,
		scheduler.NoopUpstreamEventSource{},
		scheduler.NoopEarmarkStore{},
		scheduler.NoopRebalanceStore{},
		scheduler.NoopRebalanceTrigger{},
		queueMetrics,
		cfg.PollingInterval,
		cfg.DeadLetterTTL.Milliseconds(),
		log,
	)

	webhookHandler := webhook.New(eventQueue, cfg.WebhookSecret, cfg.WebhookMinBlockNumber, cfg.EventMaxRetries, log)
	router := webhook.NewRouter(webhookHandler, httpMetrics, log)

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	return &App{
		cfg:            cfg,
		log:            log,
		db:             db,
		store:          store,
		purchases:      purchases,
		eventQueue:     eventQueue,
		proc:           proc,
		eventConsumer:  eventConsumer,
		maintScheduler: maintScheduler,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
		httpMetrics:    httpMetrics,
		queueMetrics:   queueMetrics,
		webhookHandler: webhookHandler,
	}, nil
}
