// Command invoice-agent runs the full invoice email pipeline: webhook
// ingestion, the poller safety net, enrichment, posting, and
// notification, each as its own queue-consuming worker pool, plus the
// public HTTP surface (webhook endpoint, vendor admin API) and the
// scheduled subscription renewal task.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/afoxnyc3/invoice-agent/internal/config"
	"github.com/afoxnyc3/invoice-agent/internal/database"
	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/internal/logging"
	"github.com/afoxnyc3/invoice-agent/internal/tracing"

	"github.com/afoxnyc3/invoice-agent/pkg/blobstore"
	"github.com/afoxnyc3/invoice-agent/pkg/breaker"
	"github.com/afoxnyc3/invoice-agent/pkg/dedup"
	"github.com/afoxnyc3/invoice-agent/pkg/enricher"
	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
	"github.com/afoxnyc3/invoice-agent/pkg/notifier"
	"github.com/afoxnyc3/invoice-agent/pkg/obsmetrics"
	"github.com/afoxnyc3/invoice-agent/pkg/poster"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/ratelimiter"
	"github.com/afoxnyc3/invoice-agent/pkg/retry"
	"github.com/afoxnyc3/invoice-agent/pkg/subscription"
	"github.com/afoxnyc3/invoice-agent/pkg/txn"
	"github.com/afoxnyc3/invoice-agent/pkg/vendor"
	"github.com/afoxnyc3/invoice-agent/pkg/vendorextractor"
	"github.com/afoxnyc3/invoice-agent/pkg/webhook"
)

const (
	queueRaw    = "raw-queue"
	queueNotif  = "notif-queue"
	queuePost   = "post-queue"
	queueNotify = "notify-queue"
)

// applicationContext wires every dependency in the process, built once
// in main and handed to the things that need it — no component reaches
// for a package-level global.
type applicationContext struct {
	cfg *config.Config
	log logr.Logger

	kv       kvstore.Store
	blobs    blobstore.Store
	bus      queuebus.Bus
	breakers *breaker.Registry

	mail      mailclient.MailClient
	extractor *vendorextractor.Extractor

	txns     *txn.Store
	vendors  *vendor.Store
	subs     *subscription.Store
	dd       *dedup.Deduplicator
	limiter  *ratelimiter.Limiter
	loopGuard *webhook.LoopPrevention

	metrics *obsmetrics.Server
}

func main() {
	configPath := os.Getenv("INVOICE_AGENT_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		log.Error(err, "failed to build application context")
		os.Exit(1)
	}

	app.metrics.StartAsync()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.metrics.Stop(shutdownCtx)
	}()

	app.run(ctx)
}

func build(ctx context.Context, cfg *config.Config, log logr.Logger) (*applicationContext, error) {
	db, err := database.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "open database")
	}
	pgStore := kvstore.NewPostgresStore(db)

	blobs, err := blobstore.NewS3Store(ctx, cfg.Blob.Bucket, cfg.Blob.Region, cfg.Blob.Endpoint)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "open blob store")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	bus := queuebus.NewRedisBus(rdb, log.WithName("queuebus"))

	breakers := breaker.NewRegistry(
		breaker.Setting{Name: "mail", FailMax: uint32(cfg.Breaker.Mail.FailMax), ResetTimeout: time.Duration(cfg.Breaker.Mail.ResetSeconds) * time.Second},
		breaker.Setting{Name: "extractor", FailMax: uint32(cfg.Breaker.Extractor.FailMax), ResetTimeout: time.Duration(cfg.Breaker.Extractor.ResetSeconds) * time.Second},
		breaker.Setting{Name: "kvstore", FailMax: uint32(cfg.Breaker.KVStore.FailMax), ResetTimeout: time.Duration(cfg.Breaker.KVStore.ResetSeconds) * time.Second},
		log,
	)
	kv := kvstore.NewBreakerStore(pgStore, breakers.KVStore)

	retryPol := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
	}

	tokens := mailclient.NewOAuthTokenProvider(
		os.Getenv("MAIL_CLIENT_ID"), os.Getenv("MAIL_CLIENT_SECRET"), os.Getenv("MAIL_TOKEN_URL"),
		[]string{"https://graph.microsoft.com/.default"},
	)
	mail := mailclient.NewHTTPClient(os.Getenv("MAIL_BASE_URL"), tokens, breakers.Mail, retryPol, cfg.Timeouts.Mail(), log.WithName("mailclient"))

	llm := anthropic.NewClient(option.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY")))
	extractor := vendorextractor.New(
		llm, cfg.Extractor.Enabled, anthropic.Model(cfg.Extractor.Model), breakers.Extractor,
		vendorextractor.Config{MaxPdfBytes: cfg.Extractor.MaxBytes()},
		log.WithName("vendorextractor"),
	)

	app := &applicationContext{
		cfg:      cfg,
		log:      log,
		kv:       kv,
		blobs:    blobs,
		bus:      bus,
		breakers: breakers,
		mail:     mail,
		extractor: extractor,
		txns:     txn.NewStore(kv),
		vendors:  vendor.NewStore(kv),
		subs:     subscription.NewStore(kv),
		dd:       dedup.New(kv, cfg.Dedup.StaleClaimWindow()),
		limiter:  ratelimiter.New(rdb, cfg.RateLimit.Limit(), time.Minute),
		loopGuard: webhook.NewLoopPrevention(cfg.MonitoredMailbox, cfg.APAddress, cfg.LoopPrevention.Prefixes()),
		metrics:  obsmetrics.NewServer(metricsAddr(), log.WithName("metrics")),
	}
	return app, nil
}

func metricsAddr() string {
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		return addr
	}
	return ":9090"
}

// run starts every worker pool, the scheduled tasks, and the HTTP
// server, then blocks until ctx is canceled.
func (a *applicationContext) run(ctx context.Context) {
	consumeOpts := queuebus.ConsumeOptions{
		Concurrency: a.cfg.Queue.WithDefaults().Concurrency,
		Visibility:  a.cfg.Queue.Visibility(),
		MaxDequeue:  a.cfg.Queue.WithDefaults().MaxDequeue,
	}

	processor := webhook.NewProcessor(a.mail, a.blobs, a.dd, a.txns, a.extractor, a.cfg.Extractor.Enabled, a.loopGuard, a.bus, queueRaw, a.log.WithName("processor"))
	enrich := enricher.New(a.vendors, a.txns, a.blobs, a.extractor, a.cfg.Extractor.Enabled, enricher.LookupByDomain, a.bus, queuePost, a.log.WithName("enricher"))
	post := poster.New(a.mail, a.blobs, a.txns, a.cfg.MonitoredMailbox, a.cfg.APAddress, a.bus, queueNotify, a.log.WithName("poster"))
	notify := notifier.New(os.Getenv("SLACK_WEBHOOK_URL"), a.log.WithName("notifier"))

	a.goConsume(ctx, queueNotif, consumeOpts, processor.HandleNotice)
	a.goConsume(ctx, queueRaw, consumeOpts, enrich.Handle)
	a.goConsume(ctx, queuePost, consumeOpts, post.Handle)
	a.goConsume(ctx, queueNotify, consumeOpts, notify.Handle)

	receiver := webhook.NewReceiver(a.subs, a.limiter, a.bus, queueNotif, a.log.WithName("receiver"))
	if a.cfg.Poller.Enabled {
		poller := webhook.NewPoller(a.mail, processor, a.cfg.MonitoredMailbox, a.cfg.Poller.Interval(), a.log.WithName("poller"))
		go poller.Run(ctx)
	}

	subMgr := subscription.NewManager(a.subs, a.mail, a.cfg.MonitoredMailbox, a.cfg.Webhook.PublicURL+a.cfg.Webhook.Path, a.cfg.Subscription.TTL(), a.log.WithName("subscription"))
	go a.runReconcile(ctx, subMgr)
	go a.pollQueueDepth(ctx, queueNotif, queueRaw, queuePost, queueNotify)

	srv := a.httpServer(receiver)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error(err, "http server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func (a *applicationContext) goConsume(ctx context.Context, queue string, opts queuebus.ConsumeOptions, handler queuebus.Handler) {
	go func() {
		if err := a.bus.Consume(ctx, queue, opts, tracedHandler(queue, handler)); err != nil && ctx.Err() == nil {
			a.log.Error(err, "queue consumer exited unexpectedly", "queue", queue)
		}
	}()
}

// tracedHandler wraps handler in a span named for the queue, so every
// stage boundary shows up in a trace backend without each package
// importing internal/tracing itself, and records the stage's duration
// and terminal outcome on the process's metrics.
func tracedHandler(queue string, handler queuebus.Handler) queuebus.Handler {
	return func(ctx context.Context, msg queuebus.Message) error {
		ctx, span := tracing.StartStage(ctx, queue, msg.ID)
		start := time.Now()
		err := handler(ctx, msg)
		obsmetrics.PipelineStageDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		obsmetrics.RecordEmailProcessed(outcome)
		tracing.End(span, err)
		return err
	}
}

func (a *applicationContext) runReconcile(ctx context.Context, mgr *subscription.Manager) {
	if err := mgr.Reconcile(ctx); err != nil {
		a.log.Error(err, "initial subscription reconcile failed")
	}

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mgr.Reconcile(ctx); err != nil {
				a.log.Error(err, "scheduled subscription reconcile failed")
			}
		}
	}
}

// pollQueueDepth samples each queue's depth onto the QueueDepth gauge
// every 15s until ctx is canceled.
func (a *applicationContext) pollQueueDepth(ctx context.Context, queues ...string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		for _, q := range queues {
			obsmetrics.QueueDepth.WithLabelValues(q).Set(float64(a.bus.Depth(q)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *applicationContext) httpServer(receiver *webhook.Receiver) *http.Server {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Post(a.cfg.Webhook.Path, receiver.ServeHTTP)
	r.Get(a.cfg.Webhook.Path, receiver.ServeHTTP)

	vendorHandler := vendor.NewAdminHandler(a.vendors, a.log.WithName("vendor-admin"))
	r.Post("/vendors", vendorHandler.Upsert)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{Addr: httpAddr(), Handler: r}
}

func httpAddr() string {
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
