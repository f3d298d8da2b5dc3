package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/repositories"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// RegistryHandler exposes the label and patient lookup tables.
type RegistryHandler struct {
	repo repositories.AnnotationRepository
}

// NewRegistryHandler creates a new registry handler.
func NewRegistryHandler(repo repositories.AnnotationRepository) *RegistryHandler {
	return &RegistryHandler{repo: repo}
}

// ListLabels handles GET /api/labels.
func (h *RegistryHandler) ListLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := h.repo.ListLabels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if labels == nil {
		labels = []string{}
	}
	writeJSON(w, http.StatusOK, labels)
}

type labelRequest struct {
	Name    string `json:"name"`
	NewName string `json:"new_name,omitempty"`
}

// AddLabel handles POST /api/labels.
func (h *RegistryHandler) AddLabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, apperrors.NewValidationError("label name is required"))
		return
	}
	if err := h.repo.AddLabel(r.Context(), req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// UpdateLabel handles PUT /api/labels.
func (h *RegistryHandler) UpdateLabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.NewName == "" {
		writeError(w, apperrors.NewValidationError("name and new_name are required"))
		return
	}
	if err := h.repo.UpdateLabel(r.Context(), req.Name, req.NewName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.NewName})
}

// ListPatients handles GET /api/patients.
func (h *RegistryHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.repo.ListPatients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if patients == nil {
		patients = []*entities.Patient{}
	}
	writeJSON(w, http.StatusOK, patients)
}

type patientRequest struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	NewName string `json:"new_name,omitempty"`
}

// AddPatient handles POST /api/patients.
func (h *RegistryHandler) AddPatient(w http.ResponseWriter, r *http.Request) {
	var req patientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, apperrors.NewValidationError("patient name is required"))
		return
	}
	if err := h.repo.AddPatient(r.Context(), &entities.Patient{ID: req.ID, Name: req.Name}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID, "name": req.Name})
}

// UpdatePatient handles PUT /api/patients.
func (h *RegistryHandler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	var req patientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewName == "" {
		writeError(w, apperrors.NewValidationError("new_name is required"))
		return
	}
	if err := h.repo.UpdatePatient(r.Context(), req.ID, req.NewName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "name": req.NewName})
}
