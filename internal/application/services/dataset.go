package services

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/providers"
	"github.com/googolhealth/medannotator/backend/internal/domain/repositories"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// Pinger is the slice of the datastore client the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ImageReader resolves a registered path to image bytes. The default reads
// the local file system; tests substitute it.
type ImageReader func(path string) ([]byte, error)

// LoadResult reports a dataset registration.
type LoadResult struct {
	Loaded  int `json:"loaded"`
	Skipped int `json:"skipped"`
}

// BatchError is one failed image inside a batch run.
type BatchError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// BatchResult reports a batch analysis run.
type BatchResult struct {
	Processed int          `json:"processed"`
	Errors    []BatchError `json:"errors"`
}

// ExportedAnnotation is one row of an export payload.
type ExportedAnnotation struct {
	Path        string `json:"path"`
	Label       string `json:"label"`
	PatientID   int    `json:"patient_id"`
	Description string `json:"description"`
}

// ExportPayload is the dataset export shape.
type ExportPayload struct {
	DatasetName      string               `json:"dataset_name"`
	TotalAnnotations int                  `json:"total_annotations"`
	Annotations      []ExportedAnnotation `json:"annotations"`
}

// HealthStatus reports component availability.
type HealthStatus struct {
	Vision     bool `json:"vision"`
	Structured bool `json:"structured"`
	Store      bool `json:"store"`
}

// DatasetService implements the dataset-level operations: registration, batch
// analysis, export, manual edits, flagging, and health.
type DatasetService struct {
	requests    repositories.RequestRepository
	annotations repositories.AnnotationRepository
	pipeline    *AnnotationPipeline
	vision      providers.VisionProvider
	structured  providers.StructuredModel
	store       Pinger

	workers           int
	enableEnhancement bool
	readImage         ImageReader
}

// NewDatasetService creates a dataset service. workers bounds the batch
// fan-out and is raised to 1 when smaller.
func NewDatasetService(
	requests repositories.RequestRepository,
	annotations repositories.AnnotationRepository,
	pipeline *AnnotationPipeline,
	vision providers.VisionProvider,
	structured providers.StructuredModel,
	store Pinger,
	workers int,
	enableEnhancement bool,
) *DatasetService {
	if workers < 1 {
		workers = 1
	}
	return &DatasetService{
		requests:          requests,
		annotations:       annotations,
		pipeline:          pipeline,
		vision:            vision,
		structured:        structured,
		store:             store,
		workers:           workers,
		enableEnhancement: enableEnhancement,
		readImage:         os.ReadFile,
	}
}

// WithImageReader substitutes the image loader. Used by tests.
func (s *DatasetService) WithImageReader(reader ImageReader) *DatasetService {
	s.readImage = reader
	return s
}

// LoadDataset registers image paths as staging placeholders. Paths already
// registered are skipped; an invalid path fails the whole call.
func (s *DatasetService) LoadDataset(ctx context.Context, setName int, paths []string) (*LoadResult, error) {
	result := &LoadResult{}
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" || len(path) > entities.MaxPathLength {
			return nil, apperrors.NewValidationError("invalid path: " + path)
		}

		if _, err := s.requests.GetByPath(ctx, setName, path); err == nil {
			result.Skipped++
			continue
		} else if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return nil, err
		}

		placeholder := &entities.AnnotationRequest{
			SetName:            setName,
			PathURL:            path,
			ValidationAttempts: 1,
			ValidationStatus:   entities.StatusFallback,
			ProcessingError:    "pending analysis",
		}
		if _, err := s.requests.SaveRequest(ctx, placeholder); err != nil {
			if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
				result.Skipped++
				continue
			}
			return nil, err
		}
		result.Loaded++
	}
	log.Info().Int("set", setName).Int("loaded", result.Loaded).Int("skipped", result.Skipped).
		Msg("dataset registered")
	return result, nil
}

// AnalyzeDataset runs the pipeline over every unprocessed row of the dataset.
// With force true, already-processed rows are re-analyzed as well.
func (s *DatasetService) AnalyzeDataset(ctx context.Context, setName int, prompt string, force bool) (*BatchResult, error) {
	rows, err := s.requests.GetUnprocessed(ctx, setName)
	if err != nil {
		return nil, err
	}

	if force {
		seen := make(map[string]bool, len(rows))
		for _, row := range rows {
			seen[row.PathURL] = true
		}
		records, err := s.annotations.GetAnnotations(ctx, setName)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if seen[rec.PathURL] || rec.RequestID == 0 {
				continue
			}
			req, err := s.requests.GetRequest(ctx, rec.RequestID)
			if err != nil {
				continue
			}
			rows = append(rows, req)
		}
	}

	return s.runBatch(ctx, rows, prompt), nil
}

// AnalyzeFlagged runs the pipeline over unprocessed flagged rows, optionally
// restricted to specific paths. Invoked by the chat tool directly in-process.
func (s *DatasetService) AnalyzeFlagged(ctx context.Context, setName int, paths []string, prompt string) (*BatchResult, error) {
	flagged, err := s.requests.GetFlagged(ctx, setName)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	var rows []*entities.AnnotationRequest
	for _, row := range flagged {
		if row.Processed {
			continue
		}
		if len(wanted) > 0 && !wanted[row.PathURL] {
			continue
		}
		rows = append(rows, row)
	}

	return s.runBatch(ctx, rows, prompt), nil
}

// runBatch fans the rows out over the worker pool. A failing row records its
// error and the batch continues.
func (s *DatasetService) runBatch(ctx context.Context, rows []*entities.AnnotationRequest, prompt string) *BatchResult {
	result := &BatchResult{}
	if len(rows) == 0 {
		return result
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		pool = make(chan struct{}, s.workers)
	)

	for _, row := range rows {
		row := row
		wg.Add(1)
		pool <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-pool }()

			if err := s.analyzeOne(ctx, row, prompt); err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, BatchError{Path: row.PathURL, Message: err.Error()})
				mu.Unlock()
				return
			}
			mu.Lock()
			result.Processed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	log.Info().Int("processed", result.Processed).Int("errors", len(result.Errors)).
		Msg("batch analysis complete")
	return result
}

// analyzeOne drives a single row through annotate, staging write, and the
// promotion to tier 2. Degraded pipeline results are persisted for audit but
// reported as errors and never promoted.
func (s *DatasetService) analyzeOne(ctx context.Context, row *entities.AnnotationRequest, prompt string) error {
	image, err := s.readImage(row.PathURL)
	if err != nil {
		failed := *row
		failed.ProcessingError = "cannot read image: " + err.Error()
		if _, saveErr := s.requests.SaveRequest(ctx, &failed); saveErr != nil {
			log.Error().Err(saveErr).Str("path", row.PathURL).Msg("failed to record read error")
		}
		return apperrors.NewValidationError("cannot read image: " + err.Error())
	}

	out, err := s.pipeline.Annotate(ctx, AnnotateInput{
		Image:             image,
		SetName:           row.SetName,
		PathURL:           row.PathURL,
		Prompt:            prompt,
		EnableEnhancement: s.enableEnhancement,
	})
	if err != nil {
		return err
	}

	requestID, err := s.requests.SaveRequest(ctx, out.Request)
	if err != nil {
		return err
	}
	if out.Failed() {
		return apperrors.NewExternalError(out.Request.ProcessingError, nil)
	}
	return s.annotations.ProcessRequest(ctx, requestID, out.Desc, out.Label)
}

// GetAnnotations returns the production rows for a dataset.
func (s *DatasetService) GetAnnotations(ctx context.Context, setName int) ([]*entities.AnnotationRecord, error) {
	return s.annotations.GetAnnotations(ctx, setName)
}

// GetAnnotationWithRequest joins a production row to its staging row.
func (s *DatasetService) GetAnnotationWithRequest(ctx context.Context, setName int, pathURL string) (*entities.AnnotationWithRequest, error) {
	return s.annotations.GetAnnotationWithRequest(ctx, setName, pathURL)
}

// Export produces the dataset's export payload.
func (s *DatasetService) Export(ctx context.Context, setName int) (*ExportPayload, error) {
	records, err := s.annotations.GetAnnotations(ctx, setName)
	if err != nil {
		return nil, err
	}

	payload := &ExportPayload{
		DatasetName:      strconv.Itoa(setName),
		TotalAnnotations: len(records),
		Annotations:      make([]ExportedAnnotation, 0, len(records)),
	}
	for _, rec := range records {
		payload.Annotations = append(payload.Annotations, ExportedAnnotation{
			Path:        rec.PathURL,
			Label:       rec.Label,
			PatientID:   rec.PatientID,
			Description: rec.Desc,
		})
	}
	return payload, nil
}

// UpdateAnnotation edits a production row.
func (s *DatasetService) UpdateAnnotation(ctx context.Context, setName int, pathURL string, label, desc *string) (*entities.AnnotationRecord, error) {
	return s.annotations.UpdateAnnotation(ctx, setName, pathURL, label, desc)
}

// DeleteAnnotation removes a production row, optionally with its staging row.
func (s *DatasetService) DeleteAnnotation(ctx context.Context, setName int, pathURL string, deep bool) error {
	return s.annotations.DeleteAnnotation(ctx, setName, pathURL, deep)
}

// Flag marks or unmarks an image for review.
func (s *DatasetService) Flag(ctx context.Context, setName int, pathURL string, flagged bool) (bool, error) {
	if setName < 0 {
		return false, apperrors.NewValidationError("invalid dataset id")
	}
	return s.requests.Flag(ctx, setName, pathURL, flagged)
}

// GetFlagged returns the flagged staging rows of a dataset.
func (s *DatasetService) GetFlagged(ctx context.Context, setName int) ([]*entities.AnnotationRequest, error) {
	return s.requests.GetFlagged(ctx, setName)
}

// Stats aggregates the staging table for a dataset.
func (s *DatasetService) Stats(ctx context.Context, setName int) (*entities.PipelineStats, error) {
	return s.requests.PipelineStats(ctx, setName)
}

// Health probes the vision provider, the structured model, and the store.
func (s *DatasetService) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{}
	if s.vision != nil && s.vision.Healthy(ctx) == nil {
		status.Vision = true
	}
	if s.structured != nil && s.structured.Healthy(ctx) == nil {
		status.Structured = true
	}
	if s.store != nil && s.store.Ping(ctx) == nil {
		status.Store = true
	}
	return status
}
