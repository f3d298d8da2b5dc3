package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googolhealth/medannotator/backend/internal/api/handlers"
	"github.com/googolhealth/medannotator/backend/internal/application/services"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

type stubChatService struct {
	reply        string
	err          error
	gotMessage   string
	gotSet       int
	gotRequestID *int64
}

func (s *stubChatService) Chat(ctx context.Context, message string, setName int, requestID *int64) (string, error) {
	s.gotMessage, s.gotSet, s.gotRequestID = message, setName, requestID
	return s.reply, s.err
}

func TestChatHandler_Reply(t *testing.T) {
	svc := &stubChatService{reply: "Two images are flagged."}
	h := handlers.NewChatHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message": "how many flagged?", "dataset_id": 7}`))
	rec := httptest.NewRecorder()
	h.Chat(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reply": "Two images are flagged."}`, rec.Body.String())
	assert.Equal(t, "how many flagged?", svc.gotMessage)
	assert.Equal(t, 7, svc.gotSet)
	assert.Nil(t, svc.gotRequestID)
}

func TestChatHandler_FocusedRequest(t *testing.T) {
	svc := &stubChatService{reply: "It shows a pneumothorax."}
	h := handlers.NewChatHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message": "what does it show?", "dataset_id": 7, "request_id": 42}`))
	rec := httptest.NewRecorder()
	h.Chat(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.gotRequestID)
	assert.Equal(t, int64(42), *svc.gotRequestID)
}

func TestChatHandler_MissingMessage(t *testing.T) {
	h := handlers.NewChatHandler(&stubChatService{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"dataset_id": 7}`))
	rec := httptest.NewRecorder()
	h.Chat(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandler_ServiceFailureYieldsApology(t *testing.T) {
	svc := &stubChatService{err: apperrors.NewUnavailableError("model down", nil)}
	h := handlers.NewChatHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message": "hello", "dataset_id": 7}`))
	rec := httptest.NewRecorder()
	h.Chat(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "I'm sorry")
	assert.Contains(t, rec.Body.String(), "UNAVAILABLE")
}

func TestHealthHandler(t *testing.T) {
	h := handlers.NewHealthHandler(stubHealth{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"vision": true, "structured": false, "store": true}`, rec.Body.String())
}

type stubHealth struct{}

func (stubHealth) Health(ctx context.Context) *services.HealthStatus {
	return &services.HealthStatus{Vision: true, Structured: false, Store: true}
}
