// Command symposium runs the debate orchestration and retrieval
// fusion service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.helix.symposium/internal/config"
	"dev.helix.symposium/internal/debate"
	"dev.helix.symposium/internal/handlers"
	"dev.helix.symposium/internal/llm"
	"dev.helix.symposium/internal/progress"
	"dev.helix.symposium/internal/retrieval"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file (YAML)")
	showVersion = flag.Bool("version", false, "Show version information")
)

const version = "0.3.0"

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"version": version,
		"port":    cfg.Server.Port,
	}).Info("Starting symposium service")

	// Retrieval stack.
	index := retrieval.NewMemoryIndex(retrieval.NewHashEmbedder(256))
	vector := retrieval.NewVectorSource(index, logger)

	completer := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout, logger)
	rewriter := retrieval.NewRewriter(completer, logger)

	var web retrieval.Retriever
	if cfg.Search.Enabled {
		provider := retrieval.NewHTTPSearchProvider(cfg.Search.Endpoint, cfg.Search.APIKey, cfg.Search.Timeout, logger)
		web = retrieval.NewWebSource(provider, cfg.Search.FetchPages, logger)
		logger.Info("Web search source enabled")
	}

	var cache *retrieval.Cache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, fusion cache disabled")
		} else {
			cache = retrieval.NewCache(client, cfg.Redis.TTL, logger)
			logger.WithField("addr", cfg.Redis.Addr()).Info("Fusion cache enabled")
		}
		cancel()
	}

	fusion := retrieval.NewEngine(vector, web, rewriter, cache, logger)

	// Debate stack.
	registry := progress.NewRegistry(logger)
	serviceCfg := debate.ServiceConfig{
		ResponseTimeout:  cfg.Debate.ResponseTimeout,
		InteractiveTurns: cfg.Debate.InteractiveTurns,
		TranscriptWindow: cfg.Debate.TranscriptWindow,
		Evidence:         cfg.FuseConfig(),
	}
	service := debate.NewService(registry, fusion, completer, serviceCfg, logger)

	router := &handlers.Router{
		Debate: handlers.NewDebateHandler(service, logger),
		Search: handlers.NewSearchHandler(fusion, index, cfg.FuseConfig(), logger),
		Events: handlers.NewEventsHandler(registry, logger),
	}
	engine := router.Setup(cfg.Server.Mode)

	server := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: engine,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("Server shutdown complete")
	return nil
}

func main() {
	// API keys and endpoints may come from a local .env file.
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("No .env file loaded")
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("symposium %s\n", version)
		return
	}

	if err := run(); err != nil {
		logrus.WithError(err).Fatal("Service failed")
	}
}
