package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/grachalle-go-api/internal/broker"
	"github.com/noah-isme/grachalle-go-api/internal/config"
	"github.com/noah-isme/grachalle-go-api/internal/handler"
	"github.com/noah-isme/grachalle-go-api/internal/middleware"
	"github.com/noah-isme/grachalle-go-api/internal/router"
	"github.com/noah-isme/grachalle-go-api/internal/service"
	"github.com/noah-isme/grachalle-go-api/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()

	refusalPolicy, err := service.ParseRefusalPolicy(cfg.ExamRefusalPolicy)
	if err != nil {
		log.Fatalf("invalid refusal policy: %v", err)
	}

	completer, err := ai.NewOpenAICompleter(ai.OpenAIConfig{
		Provider:   cfg.AIProvider,
		Endpoint:   cfg.AIEndpoint,
		APIKey:     cfg.AIAPIKey,
		Model:      cfg.AIModel,
		APIVersion: cfg.AIAPIVersion,
		MaxTokens:  cfg.AIMaxTokens,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to create ai completer: %v", err)
	}
	caller := ai.NewCaller(completer, ai.CallerConfig{Temperature: cfg.AITemperature, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = broker.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = broker.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	events := service.NewExamEventPublisher(redisClient, natsConn, cfg.EventChannelBase, logger)
	registry := service.NewSessionRegistry(service.RegistryConfig{
		Session: service.SessionConfig{
			MaxTurns:      cfg.ExamMaxTurns,
			RefusalPolicy: refusalPolicy,
		},
		IdleTTL:       cfg.SessionIdleTTL,
		SweepInterval: cfg.SessionSweepPeriod,
	}, service.NewSessionDependencies(caller, events, logger))
	registry.Start(ctx)

	validate := validator.New(validator.WithRequiredStructEnabled())
	examHandler := handler.NewExamHandler(registry, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		ExamHandler: examHandler,
		Sessions:    registry,
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Str("provider", cfg.AIProvider).Msg("exam api listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, logger)
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
