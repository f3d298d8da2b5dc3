package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/googolhealth/medannotator/backend/internal/application/services"
	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// DatasetOperations defines the dataset operations used by the handler.
type DatasetOperations interface {
	LoadDataset(ctx context.Context, setName int, paths []string) (*services.LoadResult, error)
	AnalyzeDataset(ctx context.Context, setName int, prompt string, force bool) (*services.BatchResult, error)
	GetAnnotations(ctx context.Context, setName int) ([]*entities.AnnotationRecord, error)
	GetAnnotationWithRequest(ctx context.Context, setName int, pathURL string) (*entities.AnnotationWithRequest, error)
	Export(ctx context.Context, setName int) (*services.ExportPayload, error)
	UpdateAnnotation(ctx context.Context, setName int, pathURL string, label, desc *string) (*entities.AnnotationRecord, error)
	DeleteAnnotation(ctx context.Context, setName int, pathURL string, deep bool) error
	Flag(ctx context.Context, setName int, pathURL string, flagged bool) (bool, error)
	GetFlagged(ctx context.Context, setName int) ([]*entities.AnnotationRequest, error)
	Stats(ctx context.Context, setName int) (*entities.PipelineStats, error)
}

// DatasetHandler exposes the dataset operations over HTTP.
type DatasetHandler struct {
	service DatasetOperations
}

// NewDatasetHandler creates a new dataset handler.
func NewDatasetHandler(service DatasetOperations) *DatasetHandler {
	return &DatasetHandler{service: service}
}

type loadRequest struct {
	Paths []string `json:"paths"`
}

// Load handles POST /api/datasets/{id}/images.
func (h *DatasetHandler) Load(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.NewValidationError("invalid request body"))
		return
	}
	result, err := h.service.LoadDataset(r.Context(), setName, req.Paths)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type analyzeRequest struct {
	Prompt string `json:"prompt,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// Analyze handles POST /api/datasets/{id}/analyze.
func (h *DatasetHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	var req analyzeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	result, err := h.service.AnalyzeDataset(r.Context(), setName, req.Prompt, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// List handles GET /api/datasets/{id}/annotations.
func (h *DatasetHandler) List(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		joined, err := h.service.GetAnnotationWithRequest(r.Context(), setName, path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, joined)
		return
	}
	records, err := h.service.GetAnnotations(r.Context(), setName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Export handles GET /api/datasets/{id}/export.
func (h *DatasetHandler) Export(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	payload, err := h.service.Export(r.Context(), setName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type updateRequest struct {
	Path  string  `json:"path"`
	Label *string `json:"label,omitempty"`
	Desc  *string `json:"desc,omitempty"`
}

// Update handles PUT /api/datasets/{id}/annotations.
func (h *DatasetHandler) Update(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, apperrors.NewValidationError("invalid request body"))
		return
	}
	record, err := h.service.UpdateAnnotation(r.Context(), setName, req.Path, req.Label, req.Desc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Delete handles DELETE /api/datasets/{id}/annotations.
func (h *DatasetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, apperrors.NewValidationError("path query parameter is required"))
		return
	}
	deep := r.URL.Query().Get("deep") == "true"
	if err := h.service.DeleteAnnotation(r.Context(), setName, path, deep); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type flagRequest struct {
	Path    string `json:"path"`
	Flagged bool   `json:"flagged"`
}

// Flag handles POST /api/datasets/{id}/flag.
func (h *DatasetHandler) Flag(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, apperrors.NewValidationError("invalid request body"))
		return
	}
	flagged, err := h.service.Flag(r.Context(), setName, req.Path, req.Flagged)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"flagged": flagged})
}

// Flagged handles GET /api/datasets/{id}/flagged.
func (h *DatasetHandler) Flagged(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	rows, err := h.service.GetFlagged(r.Context(), setName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Stats handles GET /api/datasets/{id}/stats.
func (h *DatasetHandler) Stats(w http.ResponseWriter, r *http.Request) {
	setName, ok := datasetID(w, r)
	if !ok {
		return
	}
	stats, err := h.service.Stats(r.Context(), setName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func datasetID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		writeError(w, apperrors.NewValidationError("invalid dataset id"))
		return 0, false
	}
	return id, true
}
