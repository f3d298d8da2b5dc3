package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googolhealth/medannotator/backend/internal/application/services"
	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

func TestEnhancementService_Enrichment(t *testing.T) {
	model := &stubModel{responses: []string{`{
		"report": "CLINICAL INDICATION: dyspnea. IMPRESSION: right pneumothorax.",
		"urgency": "urgent",
		"significance": "high"
	}`}}
	svc := services.NewEnhancementService(model)

	original := sampleAnnotation()
	enhanced := svc.Enhance(context.Background(), original)

	require.NotNil(t, enhanced)
	assert.True(t, enhanced.GeminiEnhanced)
	assert.Equal(t, entities.UrgencyUrgent, enhanced.UrgencyLevel)
	assert.Equal(t, entities.SignificanceHigh, enhanced.ClinicalSignificance)
	assert.NotEmpty(t, enhanced.GeminiReport)
	assert.NoError(t, enhanced.Validate())

	// The input annotation stays untouched.
	assert.False(t, original.GeminiEnhanced)
}

func TestEnhancementService_FailureIsNonFatal(t *testing.T) {
	model := &stubModel{errs: []error{apperrors.NewUnavailableError("down", nil)}}
	svc := services.NewEnhancementService(model)

	original := sampleAnnotation()
	result := svc.Enhance(context.Background(), original)

	assert.Same(t, original, result)
	assert.False(t, result.GeminiEnhanced)
}

func TestEnhancementService_OutOfVocabularyAnswerIsRejected(t *testing.T) {
	model := &stubModel{responses: []string{`{
		"report": "text",
		"urgency": "immediately",
		"significance": "high"
	}`}}
	svc := services.NewEnhancementService(model)

	original := sampleAnnotation()
	result := svc.Enhance(context.Background(), original)

	assert.Same(t, original, result)
	assert.False(t, result.GeminiEnhanced)
}
