// Command pipelined runs the document pipeline core as an HTTP/WebSocket
// service: monitoring routes, alert evaluation, and the real-time
// broadcaster, backed by Postgres when configured or an in-memory store
// for local runs. Grounded on the teacher's cmd/gateway/main.go server
// lifecycle (http.Server timeouts, signal-based graceful shutdown), with
// the Marble/mTLS/OAuth machinery stripped since this service has no
// enclave or wallet-auth surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/R3E-Network/document-pipeline-core/infrastructure/logging"
	"github.com/R3E-Network/document-pipeline-core/infrastructure/metrics"
	"github.com/R3E-Network/document-pipeline-core/infrastructure/middleware"
	"github.com/R3E-Network/document-pipeline-core/infrastructure/ratelimit"
	"github.com/R3E-Network/document-pipeline-core/internal/httpapi"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/alertsvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/broadcast"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/idempotency"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/metricssvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/perf"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/processor"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/retry"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/sequencer"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/stagetracker"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store/memory"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store/postgres"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/validation"
	"github.com/R3E-Network/document-pipeline-core/pkg/config"
	"github.com/R3E-Network/document-pipeline-core/pkg/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(version.FullVersion())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New("pipelined", cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	db, closeDB := openStore(ctx, cfg, log)
	if closeDB != nil {
		defer closeDB()
	}

	idem := idempotency.New(db)
	orchestrator := retry.New(db, retry.Policy{MaxRetries: 3}, 4)
	perfCollector := perf.New(db)
	metricsSvc := metricssvc.New(db)
	defer metricsSvc.Close()

	hub := broadcast.New(jwtSecretFrom(cfg), metricsSvc, log, time.Duration(cfg.Pipeline.BroadcastTickSeconds)*time.Second)
	tracker := stagetracker.New(db, hub)

	smtp := &alertsvc.SMTPSink{
		Host:     cfg.SMTP.Host,
		Port:     strconv.Itoa(cfg.SMTP.Port),
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.FromEmail,
		UseTLS:   cfg.SMTP.UseTLS,
	}
	slack := alertsvc.NewSlackSink(cfg.Slack.WebhookURL, cfg.Slack.MaxRetries, cfg.Slack.TimeoutSeconds)
	alerts := alertsvc.New(db, metricsSvc, smtp, slack)

	runner := &processor.BaseRunner{
		DB:           db,
		Idempotency:  idem,
		Orchestrator: orchestrator,
		Perf:         perfCollector,
		Tracker:      tracker,
		Alerts:       alerts,
		Logger:       log,
		Version:      version.Version,
	}

	// sequencer is built but not yet reachable from an HTTP route: document
	// submission is an external collaborator's concern (spec Non-goals).
	// It is wired here so a future upload route has a ready orchestrator.
	_ = sequencer.New(runner, sequencer.Registry{}, cfg.Pipeline.CriticalStages, 4)

	alertCtx, cancelAlerts := context.WithCancel(ctx)
	defer cancelAlerts()
	go runAlertLoop(alertCtx, alerts, log)

	broadcastCtx, cancelBroadcast := context.WithCancel(ctx)
	defer cancelBroadcast()
	go hub.Run(broadcastCtx)

	valCfg := validation.DefaultConfig()
	valCfg.MaxRequestBytes = cfg.Security.MaxRequestBytes
	valCfg.MaxUploadBytes = cfg.Security.MaxUploadBytes
	if len(cfg.Security.AllowedFileExts) > 0 {
		valCfg.AllowedFileExts = cfg.Security.AllowedFileExts
	}

	var promMetrics *metrics.Metrics
	if metrics.Enabled() {
		promMetrics = metrics.Init("pipelined")
	}

	handler := httpapi.NewRouter(httpapi.Deps{
		Version:    version.Version,
		Metrics:    metricsSvc,
		Alerts:     alerts,
		Tracker:    tracker,
		Hub:        hub,
		Validation: valCfg,
		RateLimit:  ratelimit.DefaultConfig(),
		Prometheus: promMetrics,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		cancelBroadcast()
		cancelAlerts()
		hub.Close()
	})
	shutdown.ListenForSignals()

	log.WithFields(map[string]interface{}{"addr": addr}).Info("pipelined starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	shutdown.Wait()
	return nil
}

// openStore connects to Postgres when POSTGRES_URL is configured, falling
// back to the in-memory store for local runs and tests. The in-memory
// store is a genuine store.Port implementation, not a degraded mode: the
// graceful-degradation path (nil store) in processor.BaseRunner is
// reserved for connection loss after startup, not for this fallback.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (store.Port, func()) {
	if cfg.Database.URL == "" {
		log.Info(ctx, "no POSTGRES_URL configured, using in-memory store", nil)
		return memory.New(), nil
	}
	db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.SchemaPrefix)
	if err != nil {
		log.WithError(err).Warn("postgres unavailable, falling back to in-memory store")
		return memory.New(), nil
	}
	return db, func() { _ = db }
}

func runAlertLoop(ctx context.Context, alerts *alertsvc.Service, log *logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := alerts.EvaluateAlerts(ctx); err != nil {
				log.WithError(err).Warn("alert evaluation failed")
			}
		}
	}
}

func jwtSecretFrom(cfg *config.Config) []byte {
	if secret := os.Getenv("BROADCAST_JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	_ = cfg
	return []byte("dev-insecure-broadcast-secret")
}
