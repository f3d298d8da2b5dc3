package services_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googolhealth/medannotator/backend/internal/application/services"
	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// memRequestRepo is an in-memory staging table for service tests.
type memRequestRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]*entities.AnnotationRequest
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{rows: map[string]*entities.AnnotationRequest{}}
}

func key(setName int, path string) string { return fmt.Sprintf("%d|%s", setName, path) }

func (r *memRequestRepo) SaveRequest(ctx context.Context, req *entities.AnnotationRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, apperrors.NewValidationError(err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(req.SetName, req.PathURL)
	if existing, ok := r.rows[k]; ok {
		saved := *req
		saved.ID = existing.ID
		saved.Flagged = existing.Flagged
		saved.CreatedAt = existing.CreatedAt
		saved.Processed = false
		r.rows[k] = &saved
		return existing.ID, nil
	}

	r.nextID++
	saved := *req
	saved.ID = r.nextID
	saved.Processed = false
	saved.CreatedAt = time.Now().UTC()
	r.rows[k] = &saved
	return saved.ID, nil
}

func (r *memRequestRepo) GetRequest(ctx context.Context, id int64) (*entities.AnnotationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			copied := *row
			return &copied, nil
		}
	}
	return nil, apperrors.NewNotFoundError("request not found")
}

func (r *memRequestRepo) GetByPath(ctx context.Context, setName int, pathURL string) (*entities.AnnotationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[key(setName, pathURL)]; ok {
		copied := *row
		return &copied, nil
	}
	return nil, apperrors.NewNotFoundError("request not found")
}

func (r *memRequestRepo) GetUnprocessed(ctx context.Context, setName int) ([]*entities.AnnotationRequest, error) {
	return r.list(setName, func(row *entities.AnnotationRequest) bool { return !row.Processed })
}

func (r *memRequestRepo) GetFlagged(ctx context.Context, setName int) ([]*entities.AnnotationRequest, error) {
	return r.list(setName, func(row *entities.AnnotationRequest) bool { return row.Flagged })
}

func (r *memRequestRepo) list(setName int, keep func(*entities.AnnotationRequest) bool) ([]*entities.AnnotationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.AnnotationRequest
	for _, row := range r.rows {
		if row.SetName == setName && keep(row) {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memRequestRepo) Flag(ctx context.Context, setName int, pathURL string, flagged bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(setName, pathURL)
	if row, ok := r.rows[k]; ok {
		row.Flagged = flagged
		return flagged, nil
	}
	if !flagged {
		return false, nil
	}
	r.nextID++
	r.rows[k] = &entities.AnnotationRequest{
		ID: r.nextID, SetName: setName, PathURL: pathURL,
		ValidationAttempts: 1, ValidationStatus: entities.StatusFallback,
		Flagged: true, CreatedAt: time.Now().UTC(),
	}
	return true, nil
}

func (r *memRequestRepo) PipelineStats(ctx context.Context, setName int) (*entities.PipelineStats, error) {
	return &entities.PipelineStats{}, nil
}

func (r *memRequestRepo) markProcessed(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Processed = true
		}
	}
}

// memAnnotationRepo records promotions.
type memAnnotationRepo struct {
	stubAnnotationRepo
	mu       sync.Mutex
	requests *memRequestRepo
	promoted []int64
}

func (r *memAnnotationRepo) ProcessRequest(ctx context.Context, requestID int64, desc, label string) error {
	r.mu.Lock()
	r.promoted = append(r.promoted, requestID)
	r.mu.Unlock()
	r.requests.markProcessed(requestID)
	return nil
}

func newDatasetService(requests *memRequestRepo, annotations *memAnnotationRepo, visionStub *stubVision, validatorModel *stubModel) *services.DatasetService {
	pipeline := services.NewAnnotationPipeline(
		visionStub,
		services.NewValidationService(validatorModel, 2, nil),
		nil,
		services.NewSummaryService(&stubModel{errs: []error{
			apperrors.NewUnavailableError("down", nil),
			apperrors.NewUnavailableError("down", nil),
			apperrors.NewUnavailableError("down", nil),
		}}),
		services.NewSerializer(),
		1,
		"",
	)
	svc := services.NewDatasetService(requests, annotations, pipeline, visionStub, validatorModel, nil, 2, false)
	return svc.WithImageReader(func(path string) ([]byte, error) {
		return []byte("image-bytes"), nil
	})
}

func TestDatasetService_LoadDataset(t *testing.T) {
	requests := newMemRequestRepo()
	annotations := &memAnnotationRepo{requests: requests}
	svc := newDatasetService(requests, annotations, &stubVision{text: "clear"}, &stubModel{})

	result, err := svc.LoadDataset(context.Background(), 7, []string{"/a.jpg", "/b.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Loaded)
	assert.Equal(t, 0, result.Skipped)

	// Loading again skips the registered paths.
	result, err = svc.LoadDataset(context.Background(), 7, []string{"/a.jpg", "/c.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Loaded)
	assert.Equal(t, 1, result.Skipped)

	_, err = svc.LoadDataset(context.Background(), 7, []string{""})
	assert.Error(t, err)
}

func TestDatasetService_FlagBeforeAnalysisCreatesPlaceholder(t *testing.T) {
	requests := newMemRequestRepo()
	annotations := &memAnnotationRepo{requests: requests}
	svc := newDatasetService(requests, annotations, &stubVision{text: "clear"}, &stubModel{})

	flagged, err := svc.Flag(context.Background(), 7, "/img.jpg", true)
	require.NoError(t, err)
	assert.True(t, flagged)

	row, err := requests.GetByPath(context.Background(), 7, "/img.jpg")
	require.NoError(t, err)
	assert.True(t, row.Flagged)
	assert.False(t, row.Processed)
	assert.Empty(t, row.ValidatedOutput)

	// Flag toggling is idempotent.
	flagged, err = svc.Flag(context.Background(), 7, "/img.jpg", true)
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestDatasetService_AnalyzePreservesFlag(t *testing.T) {
	requests := newMemRequestRepo()
	annotations := &memAnnotationRepo{requests: requests}
	visionStub := &stubVision{text: "right pneumothorax noted"}
	validatorModel := &stubModel{responses: []string{validAnnotationJSON, validAnnotationJSON}}
	svc := newDatasetService(requests, annotations, visionStub, validatorModel)

	_, err := svc.Flag(context.Background(), 7, "/img.jpg", true)
	require.NoError(t, err)

	result, err := svc.AnalyzeDataset(context.Background(), 7, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Empty(t, result.Errors)

	row, err := requests.GetByPath(context.Background(), 7, "/img.jpg")
	require.NoError(t, err)
	assert.True(t, row.Flagged, "flag survives re-analysis")
	assert.True(t, row.Processed)
	assert.NotEmpty(t, row.ValidatedOutput)
	assert.Len(t, annotations.promoted, 1)
}

func TestDatasetService_AnalyzeFlaggedRestrictsToUnprocessed(t *testing.T) {
	requests := newMemRequestRepo()
	annotations := &memAnnotationRepo{requests: requests}
	visionStub := &stubVision{text: "pneumonia in left lower lobe"}
	validatorModel := &stubModel{responses: []string{validAnnotationJSON, validAnnotationJSON, validAnnotationJSON, validAnnotationJSON}}
	svc := newDatasetService(requests, annotations, visionStub, validatorModel)

	_, err := svc.Flag(context.Background(), 7, "/a.jpg", true)
	require.NoError(t, err)
	_, err = svc.Flag(context.Background(), 7, "/b.jpg", true)
	require.NoError(t, err)

	result, err := svc.AnalyzeFlagged(context.Background(), 7, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	// A second run finds nothing unprocessed.
	result, err = svc.AnalyzeFlagged(context.Background(), 7, nil, "")
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestDatasetService_FailedRowDoesNotHaltBatch(t *testing.T) {
	requests := newMemRequestRepo()
	annotations := &memAnnotationRepo{requests: requests}
	visionStub := &stubVision{text: "effusion"}
	validatorModel := &stubModel{responses: []string{validAnnotationJSON, validAnnotationJSON}}
	svc := services.NewDatasetService(requests, annotations,
		services.NewAnnotationPipeline(
			visionStub,
			services.NewValidationService(validatorModel, 1, nil),
			nil,
			services.NewSummaryService(&stubModel{errs: []error{apperrors.NewUnavailableError("down", nil), apperrors.NewUnavailableError("down", nil)}}),
			services.NewSerializer(), 1, "",
		),
		visionStub, validatorModel, nil, 1, false,
	).WithImageReader(func(path string) ([]byte, error) {
		if path == "/broken.jpg" {
			return nil, fmt.Errorf("no such file")
		}
		return []byte("image"), nil
	})

	_, err := svc.LoadDataset(context.Background(), 7, []string{"/broken.jpg", "/ok.jpg"})
	require.NoError(t, err)

	result, err := svc.AnalyzeDataset(context.Background(), 7, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "/broken.jpg", result.Errors[0].Path)

	// The failed row stays unprocessed with its error recorded for audit.
	row, err := requests.GetByPath(context.Background(), 7, "/broken.jpg")
	require.NoError(t, err)
	assert.False(t, row.Processed)
	assert.Contains(t, row.ProcessingError, "cannot read image")
}

func TestDatasetService_Export(t *testing.T) {
	requests := newMemRequestRepo()
	annotations := &memAnnotationRepo{requests: requests}
	annotations.records = []*entities.AnnotationRecord{
		{SetName: 7, PathURL: "/a.jpg", Label: "Normal", PatientID: 3, Desc: "PRIMARY DIAGNOSIS: Normal"},
	}
	svc := newDatasetService(requests, annotations, &stubVision{text: "clear"}, &stubModel{})

	payload, err := svc.Export(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "7", payload.DatasetName)
	assert.Equal(t, 1, payload.TotalAnnotations)
	require.Len(t, payload.Annotations, 1)
	assert.Equal(t, "/a.jpg", payload.Annotations[0].Path)
	assert.Equal(t, 3, payload.Annotations[0].PatientID)
}
