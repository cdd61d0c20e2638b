package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/MaiM-with-u/Maimchat/internal/chattest"
	"github.com/MaiM-with-u/Maimchat/internal/config"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, nil)

	chatServer := chattest.New(chattest.Options{
		WelcomeDelay: 500 * time.Millisecond,
		ReplyDelay:   time.Second,
		Logger:       logging.Module(logger, "testserver"),
	})

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/", chatServer)
	r.Handle("/chat", chatServer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	port := os.Getenv("TESTSERVER_PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", port).Msg("starting test chat server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down test chat server...")
	chatServer.CloseAll(websocket.CloseGoingAway, "server shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	chatServer.Wait()
	logger.Info().Msg("test chat server stopped")
}
