// cmd/sheetbridge/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sheetbridge/internal/common/aws"
	"sheetbridge/internal/common/config"
	"sheetbridge/internal/common/database"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/common/observability"
	"sheetbridge/internal/common/ratelimit"
	"sheetbridge/internal/common/validation"
	"sheetbridge/internal/httpapi"
	"sheetbridge/internal/sheets"
	"sheetbridge/internal/storage/deadletter"
	"sheetbridge/internal/storage/idempotency"
	"sheetbridge/internal/storage/rows"

	appendrows "sheetbridge/internal/workers/rows/append-rows"
	queryrows "sheetbridge/internal/workers/rows/query-rows"
	reconcilerows "sheetbridge/internal/workers/sync/reconcile-rows"
	retrydeadletters "sheetbridge/internal/workers/sync/retry-dead-letters"
)

const maintenanceInterval = time.Minute

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err,
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	configPath := flag.String("config", "", "config file (defaults to configs/config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sheetbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	log, err := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	log.Info("Starting sheetbridge...", map[string]interface{}{
		"environment": cfg.App.Environment,
		"version":     cfg.App.Version,
		"driver":      cfg.Database.Driver,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := observability.New(cfg.App.Name, nil, log)
	defer obs.Shutdown()

	// --- Local store ---
	var db *database.SQLClient
	err = retryWithBackoff(func() error {
		var err error
		db, err = database.Open(ctx, cfg.Database)
		return err
	}, 5, time.Second, log, "database connection")
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("Database ready", map[string]interface{}{"driver": cfg.Database.Driver})

	store := rows.NewStore(db, rows.Options{
		KeyColumn:    cfg.Cache.KeyColumn,
		UpsertStrict: cfg.Cache.UpsertStrict,
	}, log)
	if cfg.Cache.KeyColumn != "" {
		n, err := store.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("reindex rows: %w", err)
		}
		log.Info("Row keys reindexed", map[string]interface{}{"keyColumn": cfg.Cache.KeyColumn, "changed": n})
	}

	validator := validation.NewValidator(cfg.Schema.JSONPath, log)
	if err := validator.Load(); err != nil {
		return err
	}

	// --- Idempotency ledger ---
	var idemStore idempotency.Store = idempotency.NewSQLStore(db)
	ttl := config.Seconds(cfg.Idempotency.TTLSeconds)
	if cfg.Idempotency.Backend == "redis" {
		rdb, err := database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := retryWithBackoff(func() error { return rdb.Ping(ctx) }, 5, time.Second, log, "Redis connection"); err != nil {
			return err
		}
		idemStore = idempotency.NewRedisStore(rdb.GetClient(), ttl)
		log.Info("Idempotency ledger backed by Redis", map[string]interface{}{"address": cfg.Database.Redis.Address})
	}
	ledger := idempotency.NewLedger(idemStore, ttl, log)

	// --- Dead-letter queue ---
	var notifier deadletter.Notifier
	if cfg.Integrations.AWS.SNS.Enabled && cfg.DLQ.NotifyTopicARN != "" {
		sns, err := aws.NewSNSClient(ctx, cfg.Integrations.AWS.Region, cfg.DLQ.NotifyTopicARN)
		if err != nil {
			log.Warn("SNS notifier disabled", map[string]interface{}{"error": err})
		} else {
			notifier = sns
		}
	}
	dlq := deadletter.NewQueue(db, notifier, log)

	// --- Remote sheet ---
	var (
		writer appendrows.RemoteWriter
		retryW retrydeadletters.RemoteWriter
		reader reconcilerows.RemoteReader
	)
	if cfg.Sheets.SheetID != "" {
		client, err := sheets.New(ctx, cfg.Sheets, log)
		switch {
		case errors.Is(err, sheets.ErrNoCredentials):
			log.Warn("Remote sheet credentials not configured, running cache-only", nil)
		case err != nil:
			log.Error("Remote sheet client unavailable, running cache-only", map[string]interface{}{"error": err})
		default:
			writer, retryW, reader = client, client, client
			log.Info("Remote sheet configured", map[string]interface{}{
				"sheetId":   cfg.Sheets.SheetID,
				"worksheet": cfg.Sheets.Worksheet,
				"scope":     sheets.Scope(cfg.Sheets),
			})
		}
	}

	// --- Handlers ---
	appendHandler := appendrows.NewHandler(appendrows.LoadConfig(cfg), appendrows.Dependencies{
		Rows:      store,
		Validator: validator,
		Ledger:    ledger,
		DLQ:       dlq,
		Writer:    writer,
		Obs:       obs,
	}, log)
	queryHandler := queryrows.NewHandler(queryrows.LoadConfig(), store, log)
	reconciler := reconcilerows.NewHandler(reconcilerows.LoadConfig(cfg), reader, store, validator, obs, log)
	retrier := retrydeadletters.NewHandler(retrydeadletters.LoadConfig(cfg), dlq, retryW, obs, log)
	limiter := ratelimit.New(cfg.RateLimit)

	if cfg.Sync.OnStart {
		if _, err := reconciler.RunOnce(ctx); err != nil {
			log.Warn("Initial reconciliation failed", map[string]interface{}{"error": err})
		}
	}

	// --- Background loops ---
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		retrier.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		maintain(ctx, ledger, limiter, config.Seconds(cfg.RateLimit.IdleSeconds), log)
	}()
	go func() {
		defer wg.Done()
		reloadOnHangup(ctx, configPath, validator, reconciler, log)
	}()

	// --- HTTP server ---
	api := httpapi.NewServer(httpapi.LoadConfig(cfg), httpapi.Dependencies{
		DB:        db,
		Rows:      store,
		Validator: validator,
		Ledger:    ledger,
		DLQ:       dlq,
		Append:    appendHandler,
		Query:     queryHandler,
		Reconcile: reconciler,
		Retry:     retrier,
		Limiter:   limiter,
		Auth:      cfg.Auth,
	}, log)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", map[string]interface{}{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// --- Graceful Shutdown ---
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received, stopping...", nil)
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", map[string]interface{}{"error": err})
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", map[string]interface{}{"error": err})
	}
	wg.Wait()

	log.Info("sheetbridge stopped gracefully", nil)
	return nil
}

// reloadOnHangup re-reads configuration on SIGHUP and applies the settings
// that can change at runtime: the contract path and the scheduler switch.
func reloadOnHangup(ctx context.Context, configPath string, validator *validation.Validator, reconciler *reconcilerows.Handler, log logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Reload(configPath)
			if err != nil {
				log.Error("config reload failed", map[string]interface{}{"error": err})
				continue
			}
			if err := validator.Reload(cfg.Schema.JSONPath); err != nil {
				log.Error("contract reload failed", map[string]interface{}{"error": err})
			}
			if cfg.Sync.Enabled {
				reconciler.Enable()
			} else {
				reconciler.Disable()
			}
			log.Info("configuration reloaded", map[string]interface{}{"syncEnabled": cfg.Sync.Enabled})
		}
	}
}

// maintain purges expired idempotency entries and evicts idle rate limit
// buckets until ctx is done.
func maintain(ctx context.Context, ledger *idempotency.Ledger, limiter *ratelimit.Limiter, idle time.Duration, log logger.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := ledger.PurgeExpired(ctx); err != nil {
				log.Warn("idempotency purge failed", map[string]interface{}{"error": err})
			} else if n > 0 {
				log.Debug("idempotency entries purged", map[string]interface{}{"purged": n})
			}
			if idle > 0 && limiter.Enabled() {
				if n := limiter.Sweep(idle); n > 0 {
					log.Debug("idle rate limit buckets evicted", map[string]interface{}{"evicted": n})
				}
			}
		}
	}
}
