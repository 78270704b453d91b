package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"smsbridge/internal/awsutil"
	"smsbridge/internal/config"
	"smsbridge/internal/dispatch"
	"smsbridge/internal/feeder"
	"smsbridge/internal/gateway"
	"smsbridge/internal/httpserver"
	"smsbridge/internal/logging"
	"smsbridge/internal/observability"
	"smsbridge/internal/platform"
	sqsqueue "smsbridge/internal/queue/sqs"
	"smsbridge/internal/reconcile"
	"smsbridge/internal/store/pg"
	"smsbridge/internal/tenants"
	"smsbridge/internal/util"
	"smsbridge/internal/worker"
)

func main() {
	cfg := config.LoadBridge()
	logging.Init("bridge", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.WebhookEventsQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	tenantCache := tenants.NewCache(st, cfg.TenantCacheTTL)

	gw := &gateway.Client{
		BaseURL: cfg.GatewayBaseURL,
		HTTP:    &http.Client{Timeout: cfg.SendTimeout},
	}
	pf := &platform.Client{
		BaseURL: cfg.PlatformBaseURL,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Tokens:  platform.StaticToken(cfg.PlatformAPIToken),
	}

	disp := &dispatch.Service{
		Store:    st,
		Tenants:  tenantCache,
		Platform: pf,
		IDGen:    util.NewJobID,
		AckDelay: cfg.AckDelay,
	}
	drain := &feeder.Drain{Store: st}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.GatewayRPS), cfg.GatewayBurst)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sms-gateway",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
	wk := &worker.Worker{
		Store:        st,
		Tenants:      tenantCache,
		Sender:       gw,
		Platform:     pf,
		Limiter:      limiter,
		Breaker:      breaker,
		WorkerID:     workerID,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Lease:        cfg.WorkerLease,
		SendTimeout:  cfg.SendTimeout,
		BackoffUnit:  cfg.RetryBackoffUnit,
	}

	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.WebhookEventsQueueURL}
	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.WebhookEventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	rec := &reconcile.Reconciler{Store: st}

	s := httpserver.New(observability.HTTPRequests)
	api := &httpserver.API{Dispatch: disp, Drain: drain, Tenants: tenantCache, Gateway: gw}
	api.Register(s.Mux)
	wh := &httpserver.Webhook{Producer: producer}
	wh.Register(s.Mux)
	lc := &httpserver.Lifecycle{Store: st, Cache: tenantCache}
	lc.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz).Methods(http.MethodGet)
	s.Mux.Handle("/readyz", httpserver.Readyz(db)).Methods(http.MethodGet)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}

	httpErrCh := make(chan error, 1)
	go func() {
		slog.Info("bridge listening", "port", cfg.Port)
		httpErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	workerErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatch worker starting", "worker_id", workerID, "concurrency", cfg.WorkerConcurrency)
		workerErrCh <- wk.Run(ctx)
	}()
	go func() {
		if err := wk.RunReaper(ctx); err != nil && err != context.Canceled {
			slog.Error("lease reaper stopped", "err", err)
		}
	}()
	go func() {
		if err := wk.RunDecisionSweep(ctx, time.Minute); err != nil && err != context.Canceled {
			slog.Error("decision sweep stopped", "err", err)
		}
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("reconciler starting", "queue_url", cfg.WebhookEventsQueueURL, "concurrency", cfg.ReconcilerConcurrency)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.ReconcilerConcurrency, rec.Process)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-httpErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
			os.Exit(1)
		}
	case err := <-workerErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("dispatch worker failed", "err", err)
			os.Exit(1)
		}
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("reconciler poll failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("bridge shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Let in-flight sends and buffered events drain.
	for _, ch := range []chan error{workerErrCh, pollErrCh} {
		select {
		case <-ch:
		case <-time.After(10 * time.Second):
			slog.Info("shutdown timeout waiting for background loop")
		}
	}
}
