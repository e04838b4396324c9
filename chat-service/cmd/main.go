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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-chat/chat-service/internal/config"
	"github.com/weiawesome/wes-io-chat/chat-service/internal/handler"
	"github.com/weiawesome/wes-io-chat/chat-service/internal/hub"
	"github.com/weiawesome/wes-io-chat/chat-service/internal/service"
	"github.com/weiawesome/wes-io-chat/pkg/bus"
	"github.com/weiawesome/wes-io-chat/pkg/jwt"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/metrics"
	"github.com/weiawesome/wes-io-chat/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	cfg.Log.InstanceID = instanceID
	log.Init(cfg.Log)
	l := log.L()
	l.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("starting chat service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	gatewayMetrics := metrics.NewGateway(reg)

	// Message bus publisher; it connects in the background and the gateway
	// serves realtime traffic while it is down.
	publisher, err := bus.New(cfg.Bus, bus.RolePublisher)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create bus publisher")
	}
	defer publisher.Close()

	// Broadcast backplane
	cfg.PubSub.InstanceID = instanceID
	backplane, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create backplane")
	}
	defer backplane.Close()
	if pinger, ok := backplane.(interface{ Ping(context.Context) error }); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := pinger.Ping(pingCtx); err != nil {
			l.Warn().Err(err).Msg("backplane not reachable yet, cross-instance delivery degraded")
		}
		cancel()
	}

	var validator service.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		m, err := jwt.NewManager(cfg.Auth.JWTSecret, time.Hour, cfg.Auth.Issuer)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to create token validator")
		}
		validator = m
	} else if !cfg.Auth.AllowAnonymous {
		l.Fatal().Msg("auth.jwt_secret is required when anonymous connections are disabled")
	}

	wsHub := hub.NewHub(cfg.WebSocket, gatewayMetrics)
	chatSvc := service.NewChatService(wsHub, validator, publisher, backplane, gatewayMetrics, service.Options{
		InstanceID:     instanceID,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
	})
	wsHandler := handler.NewWSHandler(wsHub, chatSvc, cfg.WebSocket)

	// Setup HTTP server
	mux := http.NewServeMux()
	wsHandler.RegisterRoutes(mux)
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "healthy",
			"instance":    instanceID,
			"bus":         publisher.State().String(),
			"connections": wsHub.ClientCount(),
		})
	})

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     log.HTTPMiddleware(l)(mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := publisher.Run(gctx); err != nil {
			// An exhausted attempt budget leaves the gateway realtime-only.
			l.Error().Err(err).Msg("bus publisher stopped, messages are no longer persisted")
		}
		return nil
	})

	g.Go(func() error {
		return chatSvc.Listen(gctx)
	})

	g.Go(func() error {
		l.Info().Str("addr", server.Addr).Msg("chat service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down chat service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("chat service exited with error")
	}
	l.Info().Msg("chat service stopped")
}
