package cmd

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"

	"club-ticketing/config"
	"club-ticketing/handlers"
	"club-ticketing/internal/payments"
	_ "club-ticketing/migrations"
	"club-ticketing/monitoring"
	"club-ticketing/security"
	"club-ticketing/services"
	"club-ticketing/utils"
)

func Start() error {
	app := pocketbase.New()

	cfg := config.LoadConfig()

	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// PubNub is optional; without keys the notifier stays silent.
	var pn *pubnub.PubNub
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pn = pubnub.NewPubNub(pnConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deviceID := cfg.DeviceID
	if deviceID == "" {
		code, err := utils.GenerateCode(8)
		if err != nil {
			return err
		}
		deviceID = "device-" + code
	}

	breakerSettings := utils.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Cooldown:         cfg.BreakerCooldown,
		HalfOpenMax:      cfg.BreakerHalfOpenMax,
	}
	backendBreaker := utils.NewCircuitBreaker("backend", breakerSettings)
	paymentsBreaker := utils.NewCircuitBreaker("payments", breakerSettings)

	verifier := security.NewVerifier(cfg.ScanSecret)
	webhookVerifier := security.NewWebhookVerifier(cfg.WebhookSecret, redisClient, cfg.FreshnessWindow, cfg.ReplayGuardTTL)

	scanLimiter := security.NewRateLimiter(redisClient, "scan", cfg.ScanRateMax, cfg.ScanRateWindow, cfg.ViolationHistory)
	orderLimiter := security.NewRateLimiter(redisClient, "order", cfg.OrderRateMax, cfg.OrderRateWindow, cfg.ViolationHistory)
	authLimiter := security.NewRateLimiter(redisClient, "auth", cfg.AuthRateMax, cfg.AuthRateWindow, cfg.ViolationHistory)
	apiLimiter := security.NewRateLimiter(redisClient, "api", cfg.APIRateMax, cfg.APIRateWindow, cfg.ViolationHistory)
	webhookLimiter := security.NewRateLimiter(redisClient, "webhook", cfg.WebhookRateMax, cfg.WebhookRateWindow, cfg.ViolationHistory)
	limiters := []*security.RateLimiter{scanLimiter, orderLimiter, authLimiter, apiLimiter, webhookLimiter}

	monitor := monitoring.NewMonitor()

	store := services.NewPBTicketStore(app)
	cache := services.NewCacheService(redisClient, store)
	queue := services.NewOfflineQueue(redisClient)
	admission := services.NewAdmissionService(
		store, cache, queue,
		verifier, backendBreaker, monitor,
		cfg.SameScanWindow, cfg.StoreTimeout,
	)

	payClient := payments.NewClient(cfg.PaymentAPIURL, cfg.PaymentAPIKey, cfg.PaymentTimeout)
	webhookService := services.NewWebhookService(
		store, webhookVerifier, verifier, webhookLimiter,
		payClient, paymentsBreaker, monitor,
	)

	notifier := services.NewNotifier(pn, cfg.AdminChannel)
	queue.NotifyConflicts(notifier.PublishConflict)

	scanHandler := handlers.NewScanHandler(admission, queue, cache, notifier, scanLimiter, monitor, cfg.OperatorPINHash, deviceID)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	adminHandler := handlers.NewAdminHandler(app, map[string]*utils.CircuitBreaker{
		backendBreaker.Name():  backendBreaker,
		paymentsBreaker.Name(): paymentsBreaker,
	}, limiters)

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Background loops: breaker telemetry, auto-replay on recovery, probing,
	// periodic cache refresh, queue depth sampling.
	go notifier.WatchBreaker(ctx, backendBreaker.Name(), backendBreaker)
	go watchBreakerMetrics(ctx, backendBreaker, monitor)
	go watchBreakerMetrics(ctx, paymentsBreaker, monitor)
	go replayOnRecovery(ctx, backendBreaker, queue, admission, notifier)
	go probeLoop(ctx, admission, backendBreaker, cfg.ProbeInterval)
	go monitor.WatchQueueDepth(ctx, queue, 15*time.Second)

	go handleShutdown(cancel)

	requestLimits := &handlers.RequestLimits{
		API:     apiLimiter,
		Auth:    authLimiter,
		Order:   orderLimiter,
		Monitor: monitor,
	}

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		e.Router.BindFunc(requestLimits.Middleware)

		// Scan endpoints
		e.Router.POST("/api/v1/scan", scanHandler.Scan)
		e.Router.POST("/api/v1/scan/reconcile", scanHandler.Reconcile)
		e.Router.POST("/api/v1/scan/replay", scanHandler.Replay)
		e.Router.GET("/api/v1/scan/pending", scanHandler.Pending)
		e.Router.GET("/api/v1/scan/conflicts", scanHandler.Conflicts)
		e.Router.POST("/api/v1/scan/conflicts/{seq}/resolve", scanHandler.ResolveConflict)
		e.Router.POST("/api/v1/cache/sync/{eventId}", scanHandler.SyncCache)

		// Webhook ingest from the sales platform
		e.Router.POST("/api/v1/webhooks/tickets", webhookHandler.Ingest)

		// Admin endpoints
		e.Router.GET("/api/v1/admin/circuits", adminHandler.Circuits)
		e.Router.POST("/api/v1/admin/circuits/{name}/force-open", adminHandler.ForceOpen)
		e.Router.POST("/api/v1/admin/circuits/{name}/force-close", adminHandler.ForceClose)
		e.Router.GET("/api/v1/admin/rate-violations", adminHandler.RateViolations)
		e.Router.GET("/api/v1/admin/scan-logs", adminHandler.ScanLogs)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{
				"status":  "healthy",
				"backend": backendBreaker.State().String(),
			})
		})

		// Prometheus metrics
		metricsHandler := promhttp.Handler()
		e.Router.GET("/metrics", func(e *core.RequestEvent) error {
			metricsHandler.ServeHTTP(e.Response, e.Request)
			return nil
		})

		log.Println("Server routes registered")

		go cacheSyncLoop(ctx, app, cache, cfg.CacheSyncEvery)

		return e.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// watchBreakerMetrics mirrors breaker transitions into prometheus.
func watchBreakerMetrics(ctx context.Context, cb *utils.CircuitBreaker, monitor *monitoring.Monitor) {
	changes, cancel := cb.Subscribe()
	defer cancel()

	monitor.TrackBreakerState(cb.Name(), int(cb.State()))
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			monitor.TrackBreakerState(cb.Name(), int(change.To))
			monitor.TrackBreakerTransition(cb.Name(), change.From.String(), change.To.String())
		}
	}
}

// replayOnRecovery drains the offline queue whenever the backend breaker
// returns to closed.
func replayOnRecovery(ctx context.Context, cb *utils.CircuitBreaker, queue *services.OfflineQueue, admission *services.AdmissionService, notifier *services.Notifier) {
	changes, cancel := cb.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			if change.To != utils.StateClosed {
				continue
			}
			report, err := queue.Replay(ctx, admission.ReplayAdmit)
			if err != nil {
				slog.Warn("auto replay halted", "error", err)
			}
			if report != nil && (report.Confirmed > 0 || report.Conflicted > 0) {
				notifier.PublishReplayReport(report)
			}
		}
	}
}

// probeLoop keeps poking the backend through the breaker so an idle device
// still discovers recovery.
func probeLoop(ctx context.Context, admission *services.AdmissionService, cb *utils.CircuitBreaker, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cb.State() == utils.StateClosed {
				continue
			}
			if err := admission.Probe(ctx); err != nil {
				slog.Debug("backend probe failed", "error", err)
			}
		}
	}
}

// cacheSyncLoop periodically refreshes the local snapshot for events that
// have issued tickets.
func cacheSyncLoop(ctx context.Context, app *pocketbase.PocketBase, cache *services.CacheService, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, err := app.FindRecordsByFilter("tickets", "status = 'issued'", "", -1, 0)
			if err != nil {
				slog.Warn("cache sync sweep failed", "error", err)
				continue
			}
			events := map[string]struct{}{}
			for _, rec := range records {
				events[rec.GetString("event_id")] = struct{}{}
			}
			for eventID := range events {
				if _, err := cache.SyncEvent(ctx, eventID); err != nil {
					slog.Warn("cache sync failed", "event_id", eventID, "error", err)
				}
			}
		}
	}
}

func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
