package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

func TestAppError_Error(t *testing.T) {
	err := apperrors.NewUnavailableError("vision endpoint unreachable", fmt.Errorf("dial tcp: refused"))
	assert.Equal(t, "UNAVAILABLE: vision endpoint unreachable: dial tcp: refused", err.Error())

	bare := apperrors.NewNotFoundError("request not found")
	assert.Equal(t, "NOT_FOUND: request not found", bare.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := apperrors.NewInternalError("wrapper", cause)
	assert.ErrorIs(t, err, cause)
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, apperrors.ErrorTypeTimeout, apperrors.TypeOf(apperrors.NewTimeoutError("t", nil)))
	assert.Equal(t, apperrors.ErrorTypeProtocol, apperrors.TypeOf(apperrors.NewProtocolError("p", nil)))
	assert.Equal(t, apperrors.ErrorTypeInternal, apperrors.TypeOf(fmt.Errorf("plain")))

	wrapped := fmt.Errorf("context: %w", apperrors.NewConflictError("duplicate"))
	assert.Equal(t, apperrors.ErrorTypeConflict, apperrors.TypeOf(wrapped))
	assert.True(t, apperrors.IsType(wrapped, apperrors.ErrorTypeConflict))
}
