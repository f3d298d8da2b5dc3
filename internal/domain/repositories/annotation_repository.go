package repositories

import (
	"context"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
)

// RequestRepository owns the staging (tier 1) table.
type RequestRepository interface {
	// SaveRequest upserts by (set_name, path_url) and returns the row id. An
	// existing row keeps its flagged value and created_at; processed is reset
	// to false.
	SaveRequest(ctx context.Context, req *entities.AnnotationRequest) (int64, error)

	// GetRequest returns the staging row by id.
	GetRequest(ctx context.Context, id int64) (*entities.AnnotationRequest, error)

	// GetByPath returns the staging row for one image, or a NOT_FOUND error.
	GetByPath(ctx context.Context, setName int, pathURL string) (*entities.AnnotationRequest, error)

	// GetUnprocessed returns unprocessed rows for a dataset ordered by created_at.
	GetUnprocessed(ctx context.Context, setName int) ([]*entities.AnnotationRequest, error)

	// Flag toggles the flagged column. When no row exists and flagged is true,
	// a minimal placeholder row is created; when flagged is false and no row
	// exists, Flag reports false without writing.
	Flag(ctx context.Context, setName int, pathURL string, flagged bool) (bool, error)

	// GetFlagged returns flagged rows for a dataset ordered by created_at.
	GetFlagged(ctx context.Context, setName int) ([]*entities.AnnotationRequest, error)

	// PipelineStats aggregates the staging table for a dataset.
	PipelineStats(ctx context.Context, setName int) (*entities.PipelineStats, error)
}

// AnnotationRepository owns the production (tier 2) table and the auxiliary
// label and patient registries.
type AnnotationRepository interface {
	// ProcessRequest transitions a staging row to tier 2 in a single
	// transaction: ensure the label row exists, upsert the production row
	// pointing at the staging row, and mark the staging row processed.
	ProcessRequest(ctx context.Context, requestID int64, desc, label string) error

	// GetAnnotations returns production rows for a dataset.
	GetAnnotations(ctx context.Context, setName int) ([]*entities.AnnotationRecord, error)

	// GetAnnotationWithRequest joins a production row to its staging row.
	GetAnnotationWithRequest(ctx context.Context, setName int, pathURL string) (*entities.AnnotationWithRequest, error)

	// UpdateAnnotation edits the label and/or desc of a production row without
	// touching its staging row. Nil pointers leave fields unchanged.
	UpdateAnnotation(ctx context.Context, setName int, pathURL string, label, desc *string) (*entities.AnnotationRecord, error)

	// DeleteAnnotation removes the production row. With deep true the staging
	// row is deleted as well, cascading back over the production row.
	DeleteAnnotation(ctx context.Context, setName int, pathURL string, deep bool) error

	// Label and patient registries.
	AddLabel(ctx context.Context, name string) error
	ListLabels(ctx context.Context) ([]string, error)
	UpdateLabel(ctx context.Context, name, newName string) error
	AddPatient(ctx context.Context, patient *entities.Patient) error
	ListPatients(ctx context.Context) ([]*entities.Patient, error)
	UpdatePatient(ctx context.Context, id int, newName string) error
}
