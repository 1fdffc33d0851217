package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/backend"
	"github.com/MegaGrindStone/chat-relay/internal/client"
	"github.com/MegaGrindStone/chat-relay/internal/handlers"
	"github.com/MegaGrindStone/chat-relay/internal/relay"
	"github.com/MegaGrindStone/chat-relay/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const errLoggerKey = "err"

func main() {
	cfg, dataDir, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	logger, err := cfg.Log.logger(os.Stderr)
	if err != nil {
		slog.Error("Failed to configure logger", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	if err := run(cfg, dataDir, logger); err != nil {
		logger.Error("Server stopped", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, dataDir string, logger *slog.Logger) error {
	localURL := "http://127.0.0.1:" + cfg.Port

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	backendURL := cfg.Relay.BackendURL
	if cfg.Backend.LLM != nil {
		llm, err := cfg.Backend.LLM.llm(cfg.Backend.SystemPrompt, logger)
		if err != nil {
			return fmt.Errorf("error creating llm: %w", err)
		}
		b := backend.New(llm, logger)
		r.Route(backendPrefix, func(r chi.Router) {
			r.Post(relay.StreamPath, b.HandleStream)
			r.Post(relay.CompletePath, b.HandleComplete)
			r.Get("/health", b.HandleHealth)
		})
		if backendURL == "" {
			backendURL = localURL + backendPrefix
		}
	}

	rl := relay.New(backendURL, cfg.Relay.FirstByteTimeout, logger)
	r.Post(client.StreamPath, rl.HandleStream)
	r.Post(client.CompletePath, rl.HandleComplete)

	store, err := cfg.Chat.Store.store(dataDir)
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer store.Close()

	relayURL := cfg.Chat.RelayURL
	if relayURL == "" {
		relayURL = localURL
	}

	events := handlers.NewEvents(logger)
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithObserver(events.Publish),
	}
	if cfg.Chat.RevealInterval > 0 {
		opts = append(opts, session.WithRevealInterval(cfg.Chat.RevealInterval))
	}
	sess := session.New(client.New(relayURL, nil), store, opts...)
	defer sess.Close()

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = sess.Load(loadCtx)
	loadCancel()
	if err != nil {
		return fmt.Errorf("error loading session: %w", err)
	}

	m := handlers.NewMain(sess, events, logger)
	r.Post("/chats", m.HandleChats)
	r.Post("/chats/stop", m.HandleStop)
	r.Get("/chats", m.HandleThreads)
	r.Delete("/chats", m.HandleThreads)
	r.Get("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("backend", backendURL),
			slog.String("relay", relayURL))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Stop generations first so their relay streams end before the server waits for them.
		if err := sess.Close(); err != nil {
			logger.Error("Failed to close session", slog.String(errLoggerKey, err.Error()))
		}

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
	return nil
}
