package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/doug-martin/goqu/v9"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/repositories"
	"github.com/googolhealth/medannotator/backend/internal/infrastructure/clients/sqlite"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// AnnotationAdapter implements production-row persistence in SQLite.
type AnnotationAdapter struct {
	client *sqlite.Client
	db     *goqu.Database
}

// NewAnnotationAdapter creates a new production-table adapter.
func NewAnnotationAdapter(client *sqlite.Client) repositories.AnnotationRepository {
	return &AnnotationAdapter{
		client: client,
		db:     goqu.New("sqlite3", client.DB()),
	}
}

// ProcessRequest promotes a staging row to tier 2. The label registration,
// the production upsert, and the processed flip commit together or not at all.
func (a *AnnotationAdapter) ProcessRequest(ctx context.Context, requestID int64, desc, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return apperrors.NewValidationError("label must not be empty")
	}
	if len(label) > entities.MaxLabelLength {
		return apperrors.NewValidationError("label exceeds the production column width")
	}
	if len(desc) > entities.MaxDescLength {
		return apperrors.NewValidationError("desc exceeds the production column width")
	}

	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return apperrors.NewUnavailableError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	query, args, err := a.db.From("annotation_request").
		Select("set_name", "path_url", "pydantic_output").
		Where(goqu.Ex{"id": requestID}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build request lookup query", err)
	}
	var (
		setName         int
		pathURL, output string
	)
	err = tx.QueryRowContext(ctx, query, args...).Scan(&setName, &pathURL, &output)
	if err == sql.ErrNoRows {
		return apperrors.NewNotFoundError("request not found")
	}
	if err != nil {
		return apperrors.NewInternalError("failed to look up request", err)
	}

	if err := a.addLabelTx(ctx, tx, label); err != nil {
		return err
	}

	record := goqu.Record{
		"set_name":   setName,
		"path_url":   pathURL,
		"label":      label,
		"patient_id": patientIDFromOutput(output),
		"desc":       desc,
		"request_id": requestID,
	}
	query, args, err = a.db.Update("annotation").
		Set(goqu.Record{"label": label, "patient_id": record["patient_id"], "desc": desc, "request_id": requestID}).
		Where(goqu.Ex{"set_name": setName, "path_url": pathURL}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build annotation update query", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to update annotation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		query, args, err = a.db.Insert("annotation").Rows(record).ToSQL()
		if err != nil {
			return apperrors.NewInternalError("failed to build annotation insert query", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return apperrors.NewConflictError("failed to insert annotation: " + err.Error())
		}
	}

	query, args, err = a.db.Update("annotation_request").
		Set(goqu.Record{"processed": true, "processing_error": nil}).
		Where(goqu.Ex{"id": requestID}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build processed update query", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to mark request processed", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewInternalError("failed to commit request promotion", err)
	}
	return nil
}

// GetAnnotations returns production rows for a dataset.
func (a *AnnotationAdapter) GetAnnotations(ctx context.Context, setName int) ([]*entities.AnnotationRecord, error) {
	query, args, err := a.db.From("annotation").
		Select("set_name", "path_url", "label", "patient_id", "desc", "request_id").
		Where(goqu.Ex{"set_name": setName}).
		Order(goqu.I("path_url").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build annotation list query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list annotations", err)
	}
	defer rows.Close()

	var records []*entities.AnnotationRecord
	for rows.Next() {
		rec, err := scanAnnotation(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan annotation row", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate annotation rows", err)
	}
	return records, nil
}

// GetAnnotationWithRequest joins a production row to its staging row for audit.
func (a *AnnotationAdapter) GetAnnotationWithRequest(ctx context.Context, setName int, pathURL string) (*entities.AnnotationWithRequest, error) {
	rec, err := a.getAnnotation(ctx, setName, pathURL)
	if err != nil {
		return nil, err
	}

	joined := &entities.AnnotationWithRequest{Annotation: *rec}
	if rec.RequestID == 0 {
		return joined, nil
	}

	query, args, err := a.db.From("annotation_request").
		Select(requestColumns...).
		Where(goqu.Ex{"id": rec.RequestID}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build request join query", err)
	}
	req, err := scanRequest(a.client.DB().QueryRowContext(ctx, query, args...))
	if err != nil && err != sql.ErrNoRows {
		return nil, apperrors.NewInternalError("failed to read joined request", err)
	}
	if err == nil {
		joined.Request = req
	}
	return joined, nil
}

// UpdateAnnotation edits the label and/or desc of a production row.
func (a *AnnotationAdapter) UpdateAnnotation(ctx context.Context, setName int, pathURL string, label, desc *string) (*entities.AnnotationRecord, error) {
	fields := goqu.Record{}
	if label != nil {
		trimmed := strings.TrimSpace(*label)
		if trimmed == "" || len(trimmed) > entities.MaxLabelLength {
			return nil, apperrors.NewValidationError("label must be 1-20 characters")
		}
		if err := a.addLabelTx(ctx, nil, trimmed); err != nil {
			return nil, err
		}
		fields["label"] = trimmed
	}
	if desc != nil {
		if len(*desc) > entities.MaxDescLength {
			return nil, apperrors.NewValidationError("desc exceeds the production column width")
		}
		fields["desc"] = *desc
	}
	if len(fields) == 0 {
		return a.getAnnotation(ctx, setName, pathURL)
	}

	query, args, err := a.db.Update("annotation").
		Set(fields).
		Where(goqu.Ex{"set_name": setName, "path_url": pathURL}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build annotation update query", err)
	}
	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to update annotation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NewNotFoundError("annotation not found")
	}
	return a.getAnnotation(ctx, setName, pathURL)
}

// DeleteAnnotation removes a production row. With deep true the staging row is
// deleted instead, and the foreign key cascades over the production row.
func (a *AnnotationAdapter) DeleteAnnotation(ctx context.Context, setName int, pathURL string, deep bool) error {
	if deep {
		rec, err := a.getAnnotation(ctx, setName, pathURL)
		if err != nil {
			return err
		}
		if rec.RequestID != 0 {
			query, args, qerr := a.db.Delete("annotation_request").
				Where(goqu.Ex{"id": rec.RequestID}).
				ToSQL()
			if qerr != nil {
				return apperrors.NewInternalError("failed to build deep delete query", qerr)
			}
			if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
				return apperrors.NewInternalError("failed to delete request", err)
			}
			return nil
		}
	}

	query, args, err := a.db.Delete("annotation").
		Where(goqu.Ex{"set_name": setName, "path_url": pathURL}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build annotation delete query", err)
	}
	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to delete annotation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("annotation not found")
	}
	return nil
}

// AddLabel registers a label, ignoring duplicates.
func (a *AnnotationAdapter) AddLabel(ctx context.Context, name string) error {
	return a.addLabelTx(ctx, nil, name)
}

// ListLabels returns all registered labels.
func (a *AnnotationAdapter) ListLabels(ctx context.Context) ([]string, error) {
	query, args, err := a.db.From("label").Select("name").Order(goqu.I("name").Asc()).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build label list query", err)
	}
	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list labels", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperrors.NewInternalError("failed to scan label row", err)
		}
		labels = append(labels, name)
	}
	return labels, rows.Err()
}

// UpdateLabel renames a label.
func (a *AnnotationAdapter) UpdateLabel(ctx context.Context, name, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" || len(newName) > entities.MaxLabelLength {
		return apperrors.NewValidationError("label must be 1-20 characters")
	}
	query, args, err := a.db.Update("label").
		Set(goqu.Record{"name": newName}).
		Where(goqu.Ex{"name": name}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build label update query", err)
	}
	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to update label", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("label not found")
	}
	return nil
}

// AddPatient registers a patient, ignoring duplicates.
func (a *AnnotationAdapter) AddPatient(ctx context.Context, patient *entities.Patient) error {
	if patient == nil || patient.Name == "" {
		return apperrors.NewValidationError("patient name must not be empty")
	}
	query, args, err := a.db.Insert("patient").
		Rows(goqu.Record{"id": patient.ID, "name": patient.Name}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build patient insert query", err)
	}
	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to insert patient", err)
	}
	return nil
}

// ListPatients returns all registered patients.
func (a *AnnotationAdapter) ListPatients(ctx context.Context) ([]*entities.Patient, error) {
	query, args, err := a.db.From("patient").Select("id", "name").Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build patient list query", err)
	}
	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list patients", err)
	}
	defer rows.Close()

	var patients []*entities.Patient
	for rows.Next() {
		var p entities.Patient
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, apperrors.NewInternalError("failed to scan patient row", err)
		}
		patients = append(patients, &p)
	}
	return patients, rows.Err()
}

// UpdatePatient renames a patient.
func (a *AnnotationAdapter) UpdatePatient(ctx context.Context, id int, newName string) error {
	if strings.TrimSpace(newName) == "" {
		return apperrors.NewValidationError("patient name must not be empty")
	}
	query, args, err := a.db.Update("patient").
		Set(goqu.Record{"name": newName}).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build patient update query", err)
	}
	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to update patient", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("patient not found")
	}
	return nil
}

func (a *AnnotationAdapter) getAnnotation(ctx context.Context, setName int, pathURL string) (*entities.AnnotationRecord, error) {
	query, args, err := a.db.From("annotation").
		Select("set_name", "path_url", "label", "patient_id", "desc", "request_id").
		Where(goqu.Ex{"set_name": setName, "path_url": pathURL}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build annotation query", err)
	}
	rec, err := scanAnnotation(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("annotation not found")
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read annotation", err)
	}
	return rec, nil
}

// addLabelTx inserts the label if absent, on tx when given, else on the pool.
func (a *AnnotationAdapter) addLabelTx(ctx context.Context, tx *sql.Tx, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > entities.MaxLabelLength {
		return apperrors.NewValidationError("label must be 1-20 characters")
	}
	query, args, err := a.db.Insert("label").
		Rows(goqu.Record{"name": name}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build label insert query", err)
	}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = a.client.DB().ExecContext(ctx, query, args...)
	}
	if err != nil {
		return apperrors.NewInternalError("failed to insert label", err)
	}
	return nil
}

func scanAnnotation(row rowScanner) (*entities.AnnotationRecord, error) {
	var (
		rec       entities.AnnotationRecord
		desc      sql.NullString
		requestID sql.NullInt64
	)
	if err := row.Scan(&rec.SetName, &rec.PathURL, &rec.Label, &rec.PatientID, &desc, &requestID); err != nil {
		return nil, err
	}
	rec.Desc = desc.String
	rec.RequestID = requestID.Int64
	return &rec, nil
}

// patientIDFromOutput extracts and coerces the patient id from a serialized
// annotation; anything unparseable maps to patient 0.
func patientIDFromOutput(output string) int {
	if output == "" {
		return 0
	}
	var ann entities.Annotation
	if err := json.Unmarshal([]byte(output), &ann); err != nil {
		return 0
	}
	id, err := strconv.Atoi(strings.TrimSpace(ann.PatientID))
	if err != nil {
		return 0
	}
	return id
}
