package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-chat/chat-persist-service/internal/config"
	"github.com/weiawesome/wes-io-chat/chat-persist-service/internal/consumer"
	"github.com/weiawesome/wes-io-chat/pkg/bus"
	"github.com/weiawesome/wes-io-chat/pkg/cache"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/metrics"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	cfg.Log.InstanceID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	log.Init(cfg.Log)
	l := log.L()
	l.Info().
		Str(log.FieldDriver, cfg.Bus.Driver).
		Str("store", cfg.Store.Driver).
		Msg("starting chat persist service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	persistMetrics := metrics.NewPersist(reg)

	// History store; nothing can be persisted without it.
	historyStore, err := connectStore(ctx, cfg.Store)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect history store")
	}
	defer historyStore.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := historyStore.Migrate(migrateCtx); err != nil {
		l.Fatal().Err(err).Msg("failed to migrate history store")
	}
	cancel()

	// History cache; an unreachable cache only delays invalidations.
	historyCache := cache.NewRedisHistoryCache(cfg.Cache)
	defer historyCache.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := historyCache.Ping(pingCtx); err != nil {
		l.Warn().Err(err).Msg("history cache not reachable yet, invalidations will fail until it is")
	}
	cancel()

	driver, err := bus.New(cfg.Bus, bus.RoleConsumer)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create bus consumer")
	}
	defer driver.Close()

	processor := consumer.NewProcessor(historyStore, historyCache, persistMetrics, cfg.Store.Timeout)

	// Health and metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		state := driver.State()
		status := "healthy"
		w.Header().Set("Content-Type", "application/json")
		if state != bus.StateConnected {
			// Not persisting while the bus is down.
			status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"bus":    state.String(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      log.HTTPMiddleware(l)(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return driver.Run(gctx)
	})

	g.Go(func() error {
		return driver.Consume(gctx, processor.Handle)
	})

	g.Go(func() error {
		l.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down chat persist service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("chat persist service exited with error")
	}
	l.Info().Msg("chat persist service stopped")
}

// connectStore retries the initial connection until ctx is done.
func connectStore(ctx context.Context, cfg store.Config) (store.Store, error) {
	l := log.L()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var s store.Store
	err := backoff.RetryNotify(func() error {
		var err error
		s, err = store.New(ctx, cfg)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, delay time.Duration) {
		l.Warn().Err(err).Str(log.FieldDriver, cfg.Driver).Dur(log.FieldDelay, delay).Msg("history store not reachable, retrying")
	})
	return s, err
}
