package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MaiM-with-u/Maimchat/internal/api"
	"github.com/MaiM-with-u/Maimchat/internal/api/middleware"
	"github.com/MaiM-with-u/Maimchat/internal/chat"
	"github.com/MaiM-with-u/Maimchat/internal/config"
	"github.com/MaiM-with-u/Maimchat/internal/crypto"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/messenger"
	"github.com/MaiM-with-u/Maimchat/internal/model"
	"github.com/MaiM-with-u/Maimchat/internal/store"
	"github.com/MaiM-with-u/Maimchat/internal/transform"
	"github.com/MaiM-with-u/Maimchat/internal/worker"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	ring := logging.NewRing(logging.DefaultRingSize)
	logger := logging.New(cfg, ring)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Open the preference store
	kv, backend, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", backend).Msg("store connection failed")
	}
	defer kv.Close()
	logger.Info().Str("backend", backend).Msg("store ready")

	sealer, err := crypto.NewSealer(cfg.StoreSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid STORE_SECRET")
	}
	if !sealer.Enabled() {
		logger.Warn().Msg("STORE_SECRET not set, auth tokens are stored in plain text")
	}
	prefs := store.NewPrefs(kv, sealer)

	pool := worker.New(cfg.WorkerPoolSize, logger)
	defer pool.Close()

	// Chat core
	manager := chat.New(chat.OptionsFromConfig(cfg), chat.Deps{
		Prefs:  prefs,
		Pool:   pool,
		Logger: logger,
	})
	defer manager.Close()

	service := messenger.NewService(manager, prefs, pool, store.ConnectionConfig{
		URL:              cfg.ChatURL,
		Platform:         cfg.ChatPlatform,
		AuthToken:        cfg.ChatAuthToken,
		Nickname:         cfg.ChatNickname,
		ReceiverID:       cfg.ChatReceiverID,
		ReceiverNickname: cfg.ChatReceiverNickname,
	}, logger)
	if err := service.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("messenger service failed to start")
	}
	defer service.Close()

	// Model directory
	catalog := model.NewCatalog(cfg.ModelDir, logger)
	if err := catalog.Watch(ctx, func(models []model.Info) {
		logger.Info().Int("models", len(models)).Msg("model directory changed")
	}); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.ModelDir).Msg("model directory not watched")
	}

	// Rate limits are shared through Redis when it backs the store
	var counter middleware.Counter = middleware.NewMemoryCounter()
	if rs, ok := kv.(*store.RedisStore); ok {
		counter = middleware.NewRedisCounter(rs.Client())
	}

	ipc := api.NewIPC(service, logger)
	router := api.NewRouter(api.Deps{
		Logger:   logger,
		Service:  service,
		IPC:      ipc,
		Catalog:  catalog,
		Store:    kv,
		Backend:  backend,
		Ring:     ring,
		Views:    transform.NewStore(kv, logging.Module(logger, "transform")),
		IPCToken: cfg.IPCToken,
		Limiter:  counter,
	})

	// Create server. No write timeout: /ipc connections are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Bool("ipc_token", cfg.IPCToken != "").
			Msg("starting chatd")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down chatd...")
	stop()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	ipc.Close()

	logger.Info().Msg("chatd stopped")
}
