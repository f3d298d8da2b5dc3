package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/repositories"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/clients/sqlite"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// requestColumns is the scan order shared by every staging-table read.
var requestColumns = []any{
	"id", "set_name", "path_url", "vision_raw", "structured_json",
	"validation_attempts", "validation_status", "pydantic_output",
	"confidence_score", "gemini_enhanced", "gemini_report", "urgency_level",
	"clinical_significance", "flagged", "processed", "processing_error",
	"created_at",
}

// RequestAdapter implements staging-row persistence in SQLite.
type RequestAdapter struct {
	client *sqlite.Client
	db     *goqu.Database
}

// NewRequestAdapter creates a new staging-table adapter.
func NewRequestAdapter(client *sqlite.Client) repositories.RequestRepository {
	return &RequestAdapter{
		client: client,
		db:     goqu.New("sqlite3", client.DB()),
	}
}

// SaveRequest upserts by (set_name, path_url). An existing row keeps flagged
// and created_at; processed is reset to false either way.
func (a *RequestAdapter) SaveRequest(ctx context.Context, req *entities.AnnotationRequest) (int64, error) {
	if req == nil {
		return 0, apperrors.NewValidationError("request is nil")
	}
	if err := req.Validate(); err != nil {
		return 0, apperrors.NewValidationError(err.Error())
	}

	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return 0, apperrors.NewUnavailableError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	existingID, err := a.lookupID(ctx, tx, req.SetName, req.PathURL)
	if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return 0, err
	}

	fields := goqu.Record{
		"vision_raw":            nullable(req.VisionRaw),
		"structured_json":       nullable(req.StructuredJSON),
		"validation_attempts":   req.ValidationAttempts,
		"validation_status":     string(req.ValidationStatus),
		"pydantic_output":       req.ValidatedOutput,
		"confidence_score":      req.ConfidenceScore,
		"gemini_enhanced":       req.Enhanced,
		"gemini_report":         nullable(req.Report),
		"urgency_level":         nullable(string(req.UrgencyLevel)),
		"clinical_significance": nullable(string(req.ClinicalSignificance)),
		"processed":             false,
		"processing_error":      nullable(req.ProcessingError),
	}

	var id int64
	if existingID != 0 {
		query, args, err := a.db.Update("annotation_request").
			Set(fields).
			Where(goqu.Ex{"id": existingID}).
			ToSQL()
		if err != nil {
			return 0, apperrors.NewInternalError("failed to build request update query", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, apperrors.NewInternalError("failed to update request", err)
		}
		id = existingID
	} else {
		fields["set_name"] = req.SetName
		fields["path_url"] = req.PathURL
		fields["flagged"] = req.Flagged
		fields["created_at"] = time.Now().UTC()

		query, args, err := a.db.Insert("annotation_request").Rows(fields).ToSQL()
		if err != nil {
			return 0, apperrors.NewInternalError("failed to build request insert query", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, apperrors.NewConflictError("failed to insert request: " + err.Error())
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, apperrors.NewInternalError("failed to read inserted request id", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewInternalError("failed to commit request", err)
	}
	return id, nil
}

// GetRequest returns the staging row by id.
func (a *RequestAdapter) GetRequest(ctx context.Context, id int64) (*entities.AnnotationRequest, error) {
	query, args, err := a.db.From("annotation_request").
		Select(requestColumns...).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build request query", err)
	}
	req, err := scanRequest(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("request not found")
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read request", err)
	}
	return req, nil
}

// GetByPath returns the staging row for one image.
func (a *RequestAdapter) GetByPath(ctx context.Context, setName int, pathURL string) (*entities.AnnotationRequest, error) {
	query, args, err := a.db.From("annotation_request").
		Select(requestColumns...).
		Where(goqu.Ex{"set_name": setName, "path_url": pathURL}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build request query", err)
	}
	req, err := scanRequest(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("request not found")
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read request", err)
	}
	return req, nil
}

// GetUnprocessed returns unprocessed rows for a dataset, oldest first.
func (a *RequestAdapter) GetUnprocessed(ctx context.Context, setName int) ([]*entities.AnnotationRequest, error) {
	return a.listRequests(ctx, goqu.Ex{"set_name": setName, "processed": false})
}

// GetFlagged returns flagged rows for a dataset, oldest first.
func (a *RequestAdapter) GetFlagged(ctx context.Context, setName int) ([]*entities.AnnotationRequest, error) {
	return a.listRequests(ctx, goqu.Ex{"set_name": setName, "flagged": true})
}

func (a *RequestAdapter) listRequests(ctx context.Context, where goqu.Ex) ([]*entities.AnnotationRequest, error) {
	query, args, err := a.db.From("annotation_request").
		Select(requestColumns...).
		Where(where).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build request list query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list requests", err)
	}
	defer rows.Close()

	var requests []*entities.AnnotationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan request row", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate request rows", err)
	}
	return requests, nil
}

// Flag toggles the flagged column, creating a placeholder row when flagging an
// image that has not entered the pipeline yet.
func (a *RequestAdapter) Flag(ctx context.Context, setName int, pathURL string, flagged bool) (bool, error) {
	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return false, apperrors.NewUnavailableError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	id, err := a.lookupID(ctx, tx, setName, pathURL)
	switch {
	case err == nil:
		query, args, qerr := a.db.Update("annotation_request").
			Set(goqu.Record{"flagged": flagged}).
			Where(goqu.Ex{"id": id}).
			ToSQL()
		if qerr != nil {
			return false, apperrors.NewInternalError("failed to build flag update query", qerr)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return false, apperrors.NewInternalError("failed to update flag", err)
		}

	case apperrors.IsType(err, apperrors.ErrorTypeNotFound):
		if !flagged {
			return false, nil
		}
		placeholder := goqu.Record{
			"set_name":            setName,
			"path_url":            pathURL,
			"validation_attempts": 1,
			"validation_status":   string(entities.StatusFallback),
			"pydantic_output":     "",
			"confidence_score":    0.0,
			"flagged":             true,
			"processed":           false,
			"created_at":          time.Now().UTC(),
		}
		query, args, qerr := a.db.Insert("annotation_request").Rows(placeholder).ToSQL()
		if qerr != nil {
			return false, apperrors.NewInternalError("failed to build flag insert query", qerr)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return false, apperrors.NewConflictError("failed to insert flag placeholder: " + err.Error())
		}

	default:
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, apperrors.NewInternalError("failed to commit flag change", err)
	}
	return flagged, nil
}

// PipelineStats aggregates the staging table for one dataset.
func (a *RequestAdapter) PipelineStats(ctx context.Context, setName int) (*entities.PipelineStats, error) {
	query, args, err := a.db.From("annotation_request").
		Select(
			goqu.L("COUNT(*)"),
			goqu.L("COALESCE(SUM(processed), 0)"),
			goqu.L("COALESCE(SUM(gemini_enhanced), 0)"),
			goqu.L("COALESCE(AVG(confidence_score), 0)"),
		).
		Where(goqu.Ex{"set_name": setName}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build stats query", err)
	}

	stats := &entities.PipelineStats{ByStatus: map[entities.ValidationStatus]int{}}
	row := a.client.DB().QueryRowContext(ctx, query, args...)
	if err := row.Scan(&stats.Total, &stats.Processed, &stats.EnhancedCount, &stats.AvgConfidence); err != nil {
		return nil, apperrors.NewInternalError("failed to read stats", err)
	}
	stats.Unprocessed = stats.Total - stats.Processed

	query, args, err = a.db.From("annotation_request").
		Select("validation_status", goqu.L("COUNT(*)")).
		Where(goqu.Ex{"set_name": setName}).
		GroupBy("validation_status").
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build status histogram query", err)
	}
	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read status histogram", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.NewInternalError("failed to scan status histogram row", err)
		}
		stats.ByStatus[entities.ValidationStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate status histogram", err)
	}
	return stats, nil
}

func (a *RequestAdapter) lookupID(ctx context.Context, tx *sql.Tx, setName int, pathURL string) (int64, error) {
	query, args, err := a.db.From("annotation_request").
		Select("id").
		Where(goqu.Ex{"set_name": setName, "path_url": pathURL}).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build request lookup query", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, apperrors.NewNotFoundError("request not found")
	}
	if err != nil {
		return 0, apperrors.NewInternalError("failed to look up request", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*entities.AnnotationRequest, error) {
	var (
		req                               entities.AnnotationRequest
		visionRaw, structuredJSON, report sql.NullString
		urgency, significance, procErr    sql.NullString
		status                            string
	)
	err := row.Scan(
		&req.ID, &req.SetName, &req.PathURL, &visionRaw, &structuredJSON,
		&req.ValidationAttempts, &status, &req.ValidatedOutput,
		&req.ConfidenceScore, &req.Enhanced, &report, &urgency,
		&significance, &req.Flagged, &req.Processed, &procErr, &req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.VisionRaw = visionRaw.String
	req.StructuredJSON = structuredJSON.String
	req.ValidationStatus = entities.ValidationStatus(status)
	req.Report = report.String
	req.UrgencyLevel = entities.UrgencyLevel(urgency.String)
	req.ClinicalSignificance = entities.ClinicalSignificance(significance.String)
	req.ProcessingError = procErr.String
	return &req, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
