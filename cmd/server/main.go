package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	geminichat "github.com/hylin/gemini-chat-panel"
	"github.com/hylin/gemini-chat-panel/internal/chat"
	"github.com/hylin/gemini-chat-panel/internal/gemini"
	"github.com/hylin/gemini-chat-panel/internal/handlers"
	"github.com/hylin/gemini-chat-panel/internal/services"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgDir, "gemini-chat-panel", "config.yaml"))
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating data directory: %w", err))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	}))

	local := services.NewLocalStore(filepath.Join(cfg.DataDir, "local.json"), logger)
	history := services.NewHistoryStore(filepath.Join(cfg.DataDir, "history.db"), local, logger)
	defer func() {
		if err := history.Close(); err != nil {
			logger.Warn("Failed to close history store", slog.String("err", err.Error()))
		}
	}()
	settings := services.NewSettingsStore(local)

	controller := chat.New(history, settings, gemini.NewClient(logger), logger)
	controller.Load(context.Background())

	m, err := handlers.NewMain(controller, settings, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(geminichat.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/messages/resend", m.HandleResend)
	mux.HandleFunc("/messages/edit", m.HandleEdit)
	mux.HandleFunc("/messages/delete", m.HandleDelete)
	mux.HandleFunc("/history/clear", m.HandleClearHistory)
	mux.HandleFunc("/settings", m.HandleSettings)
	mux.HandleFunc("/sse/history", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
