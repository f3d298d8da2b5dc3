package database_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googolhealth/medannotator/backend/internal/adapters/database"
	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/repositories"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/clients/sqlite"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

func newRequestAdapter(t *testing.T) (repositories.RequestRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	adapter := database.NewRequestAdapter(sqlite.NewClientWithDB(db))
	return adapter, mock, func() { db.Close() }
}

func requestRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "set_name", "path_url", "vision_raw", "structured_json",
		"validation_attempts", "validation_status", "pydantic_output",
		"confidence_score", "gemini_enhanced", "gemini_report", "urgency_level",
		"clinical_significance", "flagged", "processed", "processing_error",
		"created_at",
	})
}

func sampleRequest() *entities.AnnotationRequest {
	return &entities.AnnotationRequest{
		SetName:            7,
		PathURL:            "/images/chest.jpg",
		VisionRaw:          "raw analysis",
		StructuredJSON:     `{"findings":[]}`,
		ValidationAttempts: 1,
		ValidationStatus:   entities.StatusSuccess,
		ValidatedOutput:    `{"patient_id":"12","findings":[],"confidence_score":0.85,"generated_by":"medgemma/gemini","gemini_enhanced":false}`,
		ConfidenceScore:    0.85,
	}
}

func TestRequestAdapter_SaveRequest_Insert(t *testing.T) {
	adapter, mock, closeDB := newRequestAdapter(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .id. FROM .annotation_request.`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO .annotation_request.`).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectCommit()

	id, err := adapter.SaveRequest(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestAdapter_SaveRequest_UpsertKeepsIdentity(t *testing.T) {
	adapter, mock, closeDB := newRequestAdapter(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .id. FROM .annotation_request.`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec(`UPDATE .annotation_request. SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := adapter.SaveRequest(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, int64(3), id, "a second save for the same image reuses the row")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestAdapter_SaveRequest_RejectsInvalidRow(t *testing.T) {
	adapter, _, closeDB := newRequestAdapter(t)
	defer closeDB()

	req := sampleRequest()
	req.PathURL = ""
	_, err := adapter.SaveRequest(context.Background(), req)

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestRequestAdapter_GetUnprocessed(t *testing.T) {
	adapter, mock, closeDB := newRequestAdapter(t)
	defer closeDB()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM .annotation_request.`).
		WillReturnRows(requestRows().
			AddRow(int64(1), 7, "/a.jpg", "raw", nil, 1, "success", `{}`, 0.9, false, nil, nil, nil, false, false, nil, created).
			AddRow(int64(2), 7, "/b.jpg", nil, nil, 2, "fallback", `{}`, 0.3, false, nil, nil, nil, true, false, "vision failed", created.Add(time.Minute)))

	rows, err := adapter.GetUnprocessed(context.Background(), 7)

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "/a.jpg", rows[0].PathURL)
	assert.Equal(t, entities.StatusSuccess, rows[0].ValidationStatus)
	assert.Equal(t, entities.StatusFallback, rows[1].ValidationStatus)
	assert.True(t, rows[1].Flagged)
	assert.Equal(t, "vision failed", rows[1].ProcessingError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestAdapter_Flag_CreatesPlaceholder(t *testing.T) {
	adapter, mock, closeDB := newRequestAdapter(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .id. FROM .annotation_request.`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO .annotation_request.`).
		WillReturnResult(sqlmock.NewResult(9, 1))
	mock.ExpectCommit()

	flagged, err := adapter.Flag(context.Background(), 7, "/img.jpg", true)

	require.NoError(t, err)
	assert.True(t, flagged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestAdapter_Flag_UnflagMissingRowIsNoOp(t *testing.T) {
	adapter, mock, closeDB := newRequestAdapter(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .id. FROM .annotation_request.`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	flagged, err := adapter.Flag(context.Background(), 7, "/missing.jpg", false)

	require.NoError(t, err)
	assert.False(t, flagged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestAdapter_Flag_UpdatesExistingRow(t *testing.T) {
	adapter, mock, closeDB := newRequestAdapter(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .id. FROM .annotation_request.`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec(`UPDATE .annotation_request. SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	flagged, err := adapter.Flag(context.Background(), 7, "/img.jpg", false)

	require.NoError(t, err)
	assert.False(t, flagged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestAdapter_PipelineStats(t *testing.T) {
	adapter, mock, closeDB := newRequestAdapter(t)
	defer closeDB()

	mock.ExpectQuery(`SELECT COUNT.+ FROM .annotation_request.`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "processed", "enhanced", "avg"}).
			AddRow(10, 6, 2, 0.71))
	mock.ExpectQuery(`SELECT .validation_status., COUNT.+ FROM .annotation_request.`).
		WillReturnRows(sqlmock.NewRows([]string{"validation_status", "count"}).
			AddRow("success", 7).
			AddRow("retry", 2).
			AddRow("fallback", 1))

	stats, err := adapter.PipelineStats(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 6, stats.Processed)
	assert.Equal(t, 4, stats.Unprocessed)
	assert.Equal(t, 2, stats.EnhancedCount)
	assert.InDelta(t, 0.71, stats.AvgConfidence, 1e-9)
	assert.Equal(t, 7, stats.ByStatus[entities.StatusSuccess])
	assert.Equal(t, 2, stats.ByStatus[entities.StatusRetry])
	assert.Equal(t, 1, stats.ByStatus[entities.StatusFallback])
	assert.NoError(t, mock.ExpectationsWereMet())
}
