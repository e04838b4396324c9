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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-chat/chat-history-service/internal/config"
	"github.com/weiawesome/wes-io-chat/chat-history-service/internal/handler"
	"github.com/weiawesome/wes-io-chat/chat-history-service/internal/service"
	"github.com/weiawesome/wes-io-chat/pkg/cache"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/metrics"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	cfg.Log.InstanceID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	log.Init(cfg.Log)
	l := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	historyMetrics := metrics.NewHistory(reg)

	// Initialize history store
	historyStore, err := store.New(ctx, cfg.Store)
	if err != nil {
		l.Fatal().Err(err).Str(log.FieldDriver, cfg.Store.Driver).Msg("failed to connect history store")
	}
	defer historyStore.Close()

	// Initialize Redis cache
	historyCache := cache.NewRedisHistoryCache(cfg.Cache)
	defer historyCache.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := historyCache.Ping(pingCtx); err != nil {
		l.Warn().Err(err).Msg("history cache not reachable, serving from store")
	}
	cancel()

	chatHistoryService := service.NewChatHistoryService(historyStore, historyCache, historyMetrics, service.Options{
		Limit:        cfg.History.Limit,
		TTL:          cfg.Cache.TTL,
		Singleflight: cfg.History.Singleflight,
		StoreTimeout: cfg.Store.Timeout,
	})
	httpHandler := handler.NewHTTPHandler(chatHistoryService)

	// Setup Gin router
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinMiddleware(l))

	httpHandler.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Info().
			Str("addr", srv.Addr).
			Int("limit", cfg.History.Limit).
			Str("store", cfg.Store.Driver).
			Msg("chat history service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down chat history service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("chat history service exited with error")
	}
	l.Info().Msg("chat history service stopped")
}
