// Command annotate runs the annotation pipeline over a directory of images
// without the HTTP server: it registers every image under the directory into
// the dataset, analyzes the unprocessed rows, and prints a short report.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/adapters/database"
	"github.com/googolhealth/medannotator/backend/internal/adapters/providers/vision"
	"github.com/googolhealth/medannotator/backend/internal/application/services"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/clients/gemini"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/clients/sqlite"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/observability"
	"github.com/googolhealth/medannotator/backend/pkg/config"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

func main() {
	var (
		dir     = flag.String("dir", "", "directory of images to annotate")
		set     = flag.Int("set", 0, "dataset id")
		prompt  = flag.String("prompt", "", "analysis prompt (optional)")
		enhance = flag.Bool("enhance", false, "enable enhancement")
	)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: annotate -dir <images> -set <dataset id> [-prompt <text>] [-enhance]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Pipeline.EnableEnhancement = *enhance

	observability.InitLogger("medannotator-annotate", cfg.Env, cfg.LogLevel)

	ctx := context.Background()

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

	requestRepo := database.NewRequestAdapter(dbClient)
	annotationRepo := database.NewAnnotationAdapter(dbClient)

	validator := services.NewValidationService(validatorClient, cfg.Pipeline.MaxValidationAttempts, nil)
	pipeline := services.NewAnnotationPipeline(
		visionProvider, validator,
		services.NewEnhancementService(enhancerClient),
		services.NewSummaryService(summaryClient),
		services.NewSerializer(),
		cfg.Pipeline.Workers, cfg.Pipeline.DefaultPrompt,
	)
	datasetService := services.NewDatasetService(
		requestRepo, annotationRepo, pipeline,
		visionProvider, validatorClient, dbClient,
		cfg.Pipeline.Workers, cfg.Pipeline.EnableEnhancement,
	)

	paths, err := collectImages(*dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", *dir).Msg("failed to walk image directory")
	}
	if len(paths) == 0 {
		log.Fatal().Str("dir", *dir).Msg("no images found")
	}

	loaded, err := datasetService.LoadDataset(ctx, *set, paths)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register dataset")
	}
	log.Info().Int("loaded", loaded.Loaded).Int("skipped", loaded.Skipped).Msg("dataset registered")

	result, err := datasetService.AnalyzeDataset(ctx, *set, *prompt, false)
	if err != nil {
		log.Fatal().Err(err).Msg("batch analysis failed")
	}

	fmt.Printf("analyzed %d image(s), %d error(s)\n", result.Processed, len(result.Errors))
	for _, batchErr := range result.Errors {
		fmt.Printf("  %s: %s\n", batchErr.Path, batchErr.Message)
	}
	if len(result.Errors) > 0 {
		os.Exit(1)
	}
}

func collectImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
