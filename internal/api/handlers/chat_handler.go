package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// ChatOperations defines the chat entry point used by the handler.
type ChatOperations interface {
	Chat(ctx context.Context, message string, setName int, requestID *int64) (string, error)
}

// ChatHandler exposes the chat subsystem over HTTP.
type ChatHandler struct {
	service ChatOperations
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(service ChatOperations) *ChatHandler {
	return &ChatHandler{service: service}
}

type chatRequest struct {
	Message   string `json:"message"`
	DatasetID int    `json:"dataset_id"`
	RequestID *int64 `json:"request_id,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

// Chat handles POST /api/chat. On a model failure the caller receives a short
// apology plus the error code.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, apperrors.NewValidationError("message is required"))
		return
	}

	reply, err := h.service.Chat(r.Context(), req.Message, req.DatasetID, req.RequestID)
	if err != nil {
		code := apperrors.TypeOf(err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"reply": "I'm sorry, I couldn't answer that right now. Please try again.",
			"code":  string(code),
		})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}
