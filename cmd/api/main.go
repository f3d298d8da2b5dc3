package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/adapters/database"
	"github.com/googolhealth/medannotator/backend/internal/adapters/providers/vision"
	"github.com/googolhealth/medannotator/backend/internal/api/handlers"
	"github.com/googolhealth/medannotator/backend/internal/api/routes"
	"github.com/googolhealth/medannotator/backend/internal/application/services"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/clients/gemini"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/clients/sqlite"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/observability"
	"github.com/googolhealth/medannotator/backend/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger("medannotator-api", cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("error shutting down OpenTelemetry")
				}
			}()
			log.Info().Msg("OpenTelemetry initialized")
		}
	}

	dbClient, err := sqlite.NewClient(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize datastore")
	}
	defer dbClient.Close()

	visionProvider, err := vision.NewVisionProvider(cfg.Vision)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vision provider")
	}

	validatorClient, err := gemini.NewClient(&cfg.Gemini, cfg.Gemini.ValidatorModel, gemini.WithTemperature(0.1))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize validator model")
	}
	summaryClient, err := gemini.NewClient(&cfg.Gemini, cfg.Gemini.SummaryModel, gemini.WithTemperature(0.2))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize summary model")
	}
	enhancerClient, err := gemini.NewClient(&cfg.Gemini, cfg.Gemini.EnhancerModel, gemini.WithTemperature(0.3))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize enhancer model")
	}
	chatClient, err := gemini.NewClient(&cfg.Gemini, cfg.Gemini.ChatModel, gemini.WithTemperature(0.7))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chat model")
	}

	requestRepo := database.NewRequestAdapter(dbClient)
	annotationRepo := database.NewAnnotationAdapter(dbClient)

	vocabulary := loadVocabulary(cfg.Pipeline.FallbackVocabPath)

	validator := services.NewValidationService(validatorClient, cfg.Pipeline.MaxValidationAttempts, vocabulary)
	enhancer := services.NewEnhancementService(enhancerClient)
	summarizer := services.NewSummaryService(summaryClient)
	serializer := services.NewSerializer()

	pipeline := services.NewAnnotationPipeline(
		visionProvider, validator, enhancer, summarizer, serializer,
		cfg.Pipeline.Workers, cfg.Pipeline.DefaultPrompt,
	)
	datasetService := services.NewDatasetService(
		requestRepo, annotationRepo, pipeline,
		visionProvider, validatorClient, dbClient,
		cfg.Pipeline.Workers, cfg.Pipeline.EnableEnhancement,
	)
	chatService := services.NewChatService(chatClient, requestRepo, annotationRepo, datasetService)

	router := routes.NewRouter(
		handlers.NewDatasetHandler(datasetService),
		handlers.NewChatHandler(chatService),
		handlers.NewHealthHandler(datasetService),
		handlers.NewRegistryHandler(annotationRepo),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Vision.Timeout + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}

func loadVocabulary(path string) []services.FallbackTerm {
	if path == "" {
		return nil
	}
	vocab, err := services.LoadVocabulary(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to load fallback vocabulary, using built-in")
		return nil
	}
	log.Info().Int("terms", len(vocab)).Str("path", path).Msg("fallback vocabulary loaded")
	return vocab
}
