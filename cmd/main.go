/*
Package main is the entry point for the chat relay server.

It loads configuration, initializes logging and storage, wires the realtime core into the
HTTP server, and shuts everything down gracefully on SIGINT or SIGTERM.
*/
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

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/db"
	"chatrelay/internal/app/directory"
	"chatrelay/internal/app/storage"
	"chatrelay/internal/configs"
	"chatrelay/internal/handler"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/pow"
)

// shutdownTimeout bounds the graceful shutdown of HTTP and WebSocket connections.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

// run wires all components and blocks until the server stops. Returning instead of
// exiting lets the deferred cleanups run.
func run() error {
	cfg, err := configs.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logx.InitGlobalLogger(cfg.IsDevelopment(), cfg.LogLevel)
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Int("pow_difficulty", cfg.PowDifficulty).
		Bool("object_storage", cfg.StorageEnabled()).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dir directory.Directory
	if cfg.DatabaseDSN != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		dir = db.NewStore(pool)
	} else {
		logx.Warn("DATABASE_URL not set, using in-memory directory; data is lost on restart")
		dir = directory.NewMemory()
	}

	var avatars storage.AvatarStore
	if cfg.StorageEnabled() {
		avatars, err = storage.NewAvatarStore(storage.ServiceConfig{
			S3BucketName:      cfg.S3BucketName,
			S3Endpoint:        cfg.S3Endpoint,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
	}

	manager := chat.NewManager(chat.Options{
		AuthTimeout:         cfg.AuthTimeout,
		PresenceDebounce:    cfg.PresenceDebounce,
		DeliveryConcurrency: cfg.DeliveryConcurrency,
		SendQueueSize:       cfg.SendQueueSize,
		LegacyEcho:          cfg.LegacyEcho,
	}, chat.Collaborators{
		Verifier:   chat.NewJWTVerifier(cfg.JWTSecret),
		Authorizer: dir,
		Directory:  dir,
		Store:      dir,
	})

	powManager := pow.NewPoWManager(cfg.PowDifficulty)
	defer powManager.Close()

	limiters := handler.NewLimiters()
	defer limiters.Close()

	router := handler.Router(&handler.AppDeps{
		Manager:   manager,
		Config:    cfg,
		Directory: dir,
		PoW:       powManager,
		Avatars:   avatars,
	}, limiters)

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logx.Info("Chat relay server starting", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
		logx.Info("Received shutdown signal. Starting graceful shutdown...")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// hijacked WebSocket connections are not tracked by http.Server, so close them first
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logx.Warn("Realtime core did not drain before the deadline", "error", err.Error())
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logx.Info("Server gracefully stopped.")
	return nil
}
