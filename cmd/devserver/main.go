// Command devserver runs the ask endpoint over plain HTTP with a local
// SQLite ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/spf13/pflag"

	"burrowed-assistant/handler"
	"burrowed-assistant/internal/config"
	"burrowed-assistant/internal/integrations/gemini"
	"burrowed-assistant/internal/knowledge"
	"burrowed-assistant/internal/ledger"
	"burrowed-assistant/internal/middleware"
	"burrowed-assistant/internal/repository/sqlstore"
	"burrowed-assistant/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var addr, envFile, dbPath, routesFile string

	flagSet := pflag.NewFlagSet("devserver", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", ":8080", "listen address")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	flagSet.StringVar(&routesFile, "routes", "", "route document, JSON or YAML (overrides ROUTES_FILE)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		slog.Info("no .env file found, using environment variables", "path", envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if routesFile != "" {
		cfg.RoutesFile = routesFile
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	kb, err := knowledge.Open(cfg.RoutesFile)
	if err != nil {
		return fmt.Errorf("load route knowledge base: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("failed to close database", "err", closeErr)
		}
	}()
	if err := store.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	geminiClient, err := gemini.NewClient(
		gemini.WithAPIKey(cfg.Gemini.APIKey),
		gemini.WithModel(cfg.Gemini.Model),
		gemini.WithBaseURL(cfg.Gemini.BaseURL),
		gemini.WithTimeout(cfg.Gemini.Timeout),
	)
	if err != nil {
		return fmt.Errorf("create Gemini client (is GEMINI_API_KEY set?): %w", err)
	}

	tokenLedger, err := ledger.New(store, cfg.Budget.DailyTokenLimit)
	if err != nil {
		return err
	}

	askService, err := usecase.NewAskService(geminiClient, kb, tokenLedger, cfg.AskConfig(),
		usecase.WithRecorder(store),
		usecase.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	h, err := handler.NewHandler(askService, handler.WithLogger(logger))
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Correlation-Id"},
		ExposedHeaders: []string{"X-Correlation-Id"},
	}).Handler)

	r.Get("/health", h.Health)
	r.With(middleware.RateLimit(middleware.NewRateLimiter(cfg.RequestsPerMinute))).Post("/ask", h.ServeHTTP)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2*cfg.Gemini.Timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting dev server", "addr", addr, "db", cfg.DBPath, "model", geminiClient.Model(), "routes", kb.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
