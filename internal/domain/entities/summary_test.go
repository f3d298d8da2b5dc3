package entities_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
)

func TestClinicalSummary_Validate(t *testing.T) {
	valid := entities.ClinicalSummary{
		PrimaryDiagnosis: "Right Pneumothorax",
		Summary:          "Moderate right-sided pneumothorax identified.",
		KeyFindings:      []string{"Right pneumothorax", "No mediastinal shift"},
	}

	t.Run("valid summary", func(t *testing.T) {
		s := valid
		assert.NoError(t, s.Validate())
	})

	t.Run("empty primary diagnosis is rejected", func(t *testing.T) {
		s := valid
		s.PrimaryDiagnosis = ""
		assert.Error(t, s.Validate())
	})

	t.Run("six key findings are rejected", func(t *testing.T) {
		s := valid
		s.KeyFindings = []string{"a", "b", "c", "d", "e", "f"}
		assert.Error(t, s.Validate())
	})

	t.Run("five key findings are accepted", func(t *testing.T) {
		s := valid
		s.KeyFindings = []string{"a", "b", "c", "d", "e"}
		assert.NoError(t, s.Validate())
	})

	t.Run("overlong summary is rejected", func(t *testing.T) {
		s := valid
		s.Summary = strings.Repeat("x", entities.MaxSummaryLength+1)
		assert.Error(t, s.Validate())
	})

	t.Run("overlong recommendations are rejected", func(t *testing.T) {
		s := valid
		s.Recommendations = strings.Repeat("x", entities.MaxRecommendationsLength+1)
		assert.Error(t, s.Validate())
	})

	t.Run("overlong confidence note is rejected", func(t *testing.T) {
		s := valid
		s.ConfidenceNote = strings.Repeat("x", entities.MaxConfidenceNoteLength+1)
		assert.Error(t, s.Validate())
	})
}

func TestAnnotationRequest_Validate(t *testing.T) {
	valid := entities.AnnotationRequest{
		SetName:            7,
		PathURL:            "/images/chest.jpg",
		ValidationAttempts: 1,
		ValidationStatus:   entities.StatusSuccess,
	}

	t.Run("valid request", func(t *testing.T) {
		r := valid
		assert.NoError(t, r.Validate())
	})

	t.Run("empty path is rejected", func(t *testing.T) {
		r := valid
		r.PathURL = ""
		assert.Error(t, r.Validate())
	})

	t.Run("overlong path is rejected", func(t *testing.T) {
		r := valid
		r.PathURL = "/" + strings.Repeat("x", entities.MaxPathLength)
		assert.Error(t, r.Validate())
	})

	t.Run("zero attempts are rejected", func(t *testing.T) {
		r := valid
		r.ValidationAttempts = 0
		assert.Error(t, r.Validate())
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		r := valid
		r.ValidationStatus = "pending"
		assert.Error(t, r.Validate())
	})
}
