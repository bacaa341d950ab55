// @title RPC Gateway Request-Plane API
// @version 1.0
// @description TLS-terminating JSON-RPC reverse proxy: admission, dual-upstream dispatch, and admin telemetry.

// @contact.name Platform Team

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:443
// @BasePath /

// @securityDefinitions.apikey AdminKeyAuth
// @in header
// @name X-Admin-Key

//go:generate swag init --generalInfo main.go --output ../../docs
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rpcgateway/configs"
	"rpcgateway/internal/admin"
	"rpcgateway/internal/aggregate"
	"rpcgateway/internal/alerts"
	"rpcgateway/internal/blacklist"
	"rpcgateway/internal/breaker"
	"rpcgateway/internal/cache"
	"rpcgateway/internal/dispatch"
	"rpcgateway/internal/logging"
	"rpcgateway/internal/ratelimit"
	"rpcgateway/internal/rejectlog"
	"rpcgateway/internal/server"
	"rpcgateway/internal/store"
)

func main() {
	cfg := configs.AppConfig

	// Spec §6: the process exits if the TLS cert/key cannot be read, before
	// any other bootstrap work happens.
	if _, err := os.ReadFile(cfg.TLSCertPath); err != nil {
		log.Fatalf("proxy: cannot read TLS cert %s: %v", cfg.TLSCertPath, err)
	}
	if _, err := os.ReadFile(cfg.TLSKeyPath); err != nil {
		log.Fatalf("proxy: cannot read TLS key %s: %v", cfg.TLSKeyPath, err)
	}

	db, err := store.OpenDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("proxy: failed to open database: %v", err)
	}

	caps := store.DetectCapabilities(db)
	logging.Infof("proxy: detected store capabilities: %+v", caps)

	storeAdapter, err := store.NewAdapter(db, caps)
	if err != nil {
		log.Fatalf("proxy: failed to initialize store adapter: %v", err)
	}
	storeReader := store.NewReader(db, caps)

	alertSink := alerts.NewWebhookSink(cfg.AlertWebhookURL, cfg.AlertSigningSecret, cfg.AlertRatePerSecond)

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		PrimaryURL:       cfg.PrimaryUpstreamURL,
		FallbackURL:      cfg.FallbackUpstreamURL,
		Alerts:           alertSink,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Breaker:                  cb,
		RequestTimeout:           cfg.RequestTimeout,
		FallbackTimeoutBudget:    cfg.FallbackTimeoutBudget,
		AllowInsecureUpstreamTLS: cfg.AllowInsecureUpstreamTLS,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Store: storeReader,
		Limits: ratelimit.Limits{
			OriginHourly: int64(cfg.OriginHourlyLimit),
			IPHourly:     int64(cfg.IPHourlyLimit),
			OriginDaily:  int64(cfg.OriginDailyLimit),
			IPDaily:      int64(cfg.IPDailyLimit),
		},
		Flags: ratelimit.FeatureFlags{
			HasSlidingWindowColumns: caps.HasSlidingWindowColumns,
			HasDailyColumns:         caps.HasDailyColumns,
			HasPerHourOriginMap:     caps.HasPerHourOriginMap,
		},
		PollFailureN: cfg.PollFailureThreshold,
	})

	bl := blacklist.New(cfg.BlacklistFilePath, cfg.BlacklistPollPeriod)

	cacheMgr := cache.NewManager(cfg.RedisURL, cfg.AdminSnapshotTTL)

	agg := aggregate.New(aggregate.Config{
		Store:            storeAdapter,
		SyntheticOrigins: cfg.SyntheticOrigins,
		OnFlushed:        cacheMgr.InvalidateAggregateFlush,
	})

	rejectLog := rejectlog.New(os.Stderr, cfg.RejectLogFlushSize, cfg.RejectLogFlushPeriod)
	if cfg.RejectLogPath != "" {
		if f, err := os.OpenFile(cfg.RejectLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err != nil {
			logging.Errorf("proxy: could not open reject log file %s, using stderr: %v", cfg.RejectLogPath, err)
		} else {
			rejectLog.SetSink(f)
		}
	}

	adminHandlers := admin.New(admin.Config{
		AdminKeyHash: cfg.AdminAPIKeyHash,
		Cache:        cacheMgr,
		SnapshotTTL:  cfg.AdminSnapshotTTL,
		Breaker:      cb,
		Limiter:      limiter,
		Blacklist:    bl,
	})

	srv := server.New(server.Config{
		Blacklist:  bl,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Aggregator: agg,
		RejectLog:  rejectLog,
		Admin:      adminHandlers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})

	go bl.Watch(stop)
	go limiter.Run(ctx, cfg.RateLimitPollInterval, stop)
	go agg.Run(ctx, cfg.BackgroundTasksInterval, stop)

	httpServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: srv.Engine(),
	}

	go func() {
		logging.Infof("proxy: listening on :%s (TLS)", cfg.ServerPort)
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil && err != http.ErrServerClosed {
			log.Fatalf("proxy: TLS server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Infof("proxy: shutting down")
	close(stop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
}
