package routes

import (
	"net/http"

	"github.com/googolhealth/medannotator/backend/internal/api/handlers"
	"github.com/googolhealth/medannotator/backend/internal/api/middleware"
)

// Router wires all route handlers onto one mux.
type Router struct {
	mux *http.ServeMux

	datasetHandler  *handlers.DatasetHandler
	chatHandler     *handlers.ChatHandler
	healthHandler   *handlers.HealthHandler
	registryHandler *handlers.RegistryHandler
}

// NewRouter creates a new router.
func NewRouter(
	datasetHandler *handlers.DatasetHandler,
	chatHandler *handlers.ChatHandler,
	healthHandler *handlers.HealthHandler,
	registryHandler *handlers.RegistryHandler,
) *Router {
	r := &Router{
		mux:             http.NewServeMux(),
		datasetHandler:  datasetHandler,
		chatHandler:     chatHandler,
		healthHandler:   healthHandler,
		registryHandler: registryHandler,
	}
	r.register()
	return r
}

func (r *Router) register() {
	r.mux.HandleFunc("POST /api/datasets/{id}/images", r.datasetHandler.Load)
	r.mux.HandleFunc("POST /api/datasets/{id}/analyze", r.datasetHandler.Analyze)
	r.mux.HandleFunc("GET /api/datasets/{id}/annotations", r.datasetHandler.List)
	r.mux.HandleFunc("PUT /api/datasets/{id}/annotations", r.datasetHandler.Update)
	r.mux.HandleFunc("DELETE /api/datasets/{id}/annotations", r.datasetHandler.Delete)
	r.mux.HandleFunc("GET /api/datasets/{id}/export", r.datasetHandler.Export)
	r.mux.HandleFunc("POST /api/datasets/{id}/flag", r.datasetHandler.Flag)
	r.mux.HandleFunc("GET /api/datasets/{id}/flagged", r.datasetHandler.Flagged)
	r.mux.HandleFunc("GET /api/datasets/{id}/stats", r.datasetHandler.Stats)

	r.mux.HandleFunc("POST /api/chat", r.chatHandler.Chat)
	r.mux.HandleFunc("GET /api/health", r.healthHandler.Health)

	r.mux.HandleFunc("GET /api/labels", r.registryHandler.ListLabels)
	r.mux.HandleFunc("POST /api/labels", r.registryHandler.AddLabel)
	r.mux.HandleFunc("PUT /api/labels", r.registryHandler.UpdateLabel)
	r.mux.HandleFunc("GET /api/patients", r.registryHandler.ListPatients)
	r.mux.HandleFunc("POST /api/patients", r.registryHandler.AddPatient)
	r.mux.HandleFunc("PUT /api/patients", r.registryHandler.UpdatePatient)
}

// Handler returns the mux wrapped with the shared middleware.
func (r *Router) Handler() http.Handler {
	return middleware.LoggingMiddleware(r.mux)
}
