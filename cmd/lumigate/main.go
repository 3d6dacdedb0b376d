package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/api"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/config"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/gateway"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/persist"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/presence"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/redisconn"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	nodeID := uuid.NewString()
	log.Info().Str("env", cfg.AppEnv).Str("node_id", nodeID).Msg("Starting Lumi gateway")

	ctx := context.Background()

	rdb, err := redisconn.Connect(ctx, cfg.CoordinationURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect coordination store: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Coordination store connected")

	presenceStore := presence.NewStore(rdb)
	persistClient := persist.NewClient(cfg.PersistenceURL, cfg.PersistenceServiceToken,
		log.With().Str("component", "persist").Logger())

	registry := gateway.NewRegistry()
	pubsub := gateway.NewPubSub(ctx, rdb, log.With().Str("component", "pubsub").Logger())
	router := gateway.NewRouter(registry, presenceStore, pubsub, persistClient,
		cfg.ParticipantCacheTTL, nodeID, log.With().Str("component", "router").Logger())
	hub := gateway.NewHub(cfg, registry, presenceStore, persistClient, pubsub, router,
		nodeID, log.With().Str("component", "hub").Logger())
	reaper := gateway.NewReaper(registry, cfg.ReaperInterval, cfg.HeartbeatTimeout,
		log.With().Str("component", "reaper").Logger())

	// Fan-out subscriber with reconnection.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			if err := hub.Run(runCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Fan-out subscriber stopped, restarting in 5s")
				select {
				case <-runCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()
	go reaper.Run(runCtx)

	app := fiber.New(fiber.Config{
		AppName: "Lumi Gateway",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).Str("path", c.Path()).Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: httputil.CodeInternal, Message: message},
			})
		},
	})

	gatewayHandler := api.NewGatewayHandler(hub)
	health := api.NewHealthHandler(redisPinger{client: rdb}, hub)
	app.Get(cfg.WSPath, gatewayHandler.Upgrade)
	app.Get("/health", health.Health)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down gateway")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
		defer shutdownCancel()
		hub.Shutdown(shutdownCtx)
		cancel()
		_ = app.Shutdown()
	}()

	log.Info().Str("addr", cfg.GatewayListenAddr).Str("ws_path", cfg.WSPath).Msg("Gateway listening")
	if err := app.Listen(cfg.GatewayListenAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }
