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
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/config"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/internalapi"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/postgres"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/store"
)

const reapInterval = time.Hour

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Persistence service stopped")
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

	log.Info().Str("env", cfg.AppEnv).Msg("Starting Lumi persistence service")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	repoLog := log.With().Str("component", "store").Logger()
	messages := store.NewMessageRepo(db, repoLog)
	conversations := store.NewConversationRepo(db, repoLog)
	cursors := store.NewCursorRepo(db, repoLog)
	devices := store.NewDeviceRepo(db, repoLog)
	offline := store.NewOfflineRepo(db, cfg.OfflineTTL, repoLog)
	syncRepo := store.NewSyncRepo(db, messages, repoLog)

	// Expired offline entries are reaped in the background for the whole
	// cluster; the queue tolerates the coarse interval.
	reapCtx, cancelReap := context.WithCancel(ctx)
	defer cancelReap()
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				n, err := offline.Reap(reapCtx, cfg.OfflineTTL)
				if err != nil {
					log.Error().Err(err).Msg("Offline queue reap failed")
					continue
				}
				if n > 0 {
					log.Info().Int64("removed", n).Msg("Offline queue reaped")
				}
			}
		}
	}()

	app := fiber.New(fiber.Config{
		AppName: "Lumi Persistence",
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
	app.Use(requestid.New())

	registerRoutes(app, cfg, db, messages, conversations, cursors, devices, offline, syncRepo)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down persistence service")
		cancelReap()
		_ = app.Shutdown()
	}()

	log.Info().Str("addr", cfg.StoreListenAddr).Msg("Persistence service listening")
	if err := app.Listen(cfg.StoreListenAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	db *pgxpool.Pool,
	messages *store.MessageRepo,
	conversations *store.ConversationRepo,
	cursors *store.CursorRepo,
	devices *store.DeviceRepo,
	offline *store.OfflineRepo,
	syncRepo *store.SyncRepo,
) {
	health := &internalapi.HealthHandler{DB: db}
	app.Get("/health", health.Health)

	handlerLog := log.With().Str("component", "internalapi").Logger()
	messageHandler := internalapi.NewMessageHandler(messages, conversations, cfg.RecallWindow, handlerLog)
	conversationHandler := internalapi.NewConversationHandler(conversations, cursors, handlerLog)
	deviceHandler := internalapi.NewDeviceHandler(devices, handlerLog)
	offlineHandler := internalapi.NewOfflineHandler(offline, handlerLog)
	syncHandler := internalapi.NewSyncHandler(syncRepo, offline, handlerLog)

	internal := app.Group("/internal", internalapi.RequireServiceToken(cfg.PersistenceServiceToken))
	internal.Post("/messages", messageHandler.CreateMessage)
	internal.Put("/messages/:msgID/recall", messageHandler.RecallMessage)
	internal.Get("/conversations/:conversationID/messages", messageHandler.ListMessages)
	internal.Get("/conversations/:conversationID/participants", conversationHandler.Participants)
	internal.Post("/conversations/:conversationID/read", conversationHandler.MarkRead)
	internal.Put("/devices", deviceHandler.Upsert)
	internal.Get("/users/:userID/devices", deviceHandler.List)
	internal.Delete("/users/:userID/devices/:deviceID", deviceHandler.Delete)
	internal.Post("/offline", offlineHandler.Enqueue)
	internal.Get("/offline", offlineHandler.Pending)
	internal.Post("/offline/ack", offlineHandler.Ack)
	internal.Get("/sync", syncHandler.Delta)

	sync := app.Group("/sync", internalapi.RequireUser(cfg.JWTSecret, cfg.JWTIssuer))
	sync.Get("/messages", syncHandler.Messages)
	sync.Post("/ack", syncHandler.Ack)
	sync.Get("/status", syncHandler.Status)
}
