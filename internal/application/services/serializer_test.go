package services_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googolhealth/medannotator/backend/internal/application/services"
	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
)

func TestSerializer_RenderSections(t *testing.T) {
	s := services.NewSerializer()

	summary := &entities.ClinicalSummary{
		PrimaryDiagnosis: "Right Pneumothorax",
		Summary:          "Moderate right-sided pneumothorax identified with 30% lung collapse.",
		KeyFindings:      []string{"Right pneumothorax", "No mediastinal shift"},
		Recommendations:  "Immediate chest tube placement may be required.",
		ConfidenceNote:   "Limited by motion artifacts.",
	}

	desc := s.Render(s.BuildDocument(summary, nil))

	assert.True(t, strings.HasPrefix(desc, "PRIMARY DIAGNOSIS: Right Pneumothorax"))
	assert.Contains(t, desc, "SUMMARY:\nModerate right-sided pneumothorax")
	assert.Contains(t, desc, "KEY FINDINGS:\n- Right pneumothorax\n- No mediastinal shift")
	assert.Contains(t, desc, "RECOMMENDATIONS:\nImmediate chest tube placement")
	assert.Contains(t, desc, "NOTE:\nLimited by motion artifacts.")
	assert.LessOrEqual(t, len(desc), entities.MaxDescLength)
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := services.NewSerializer()

	docs := []services.DescDocument{
		{
			PrimaryDiagnosis: "Right Pneumothorax",
			Summary:          "Moderate right-sided pneumothorax identified.",
			KeyFindings:      []string{"Right pneumothorax", "No mediastinal shift"},
			Recommendations:  "Chest tube placement.",
			Report:           "CLINICAL INDICATION: dyspnea.\nIMPRESSION: pneumothorax.",
			Note:             "Confidence 0.62; review recommended.",
		},
		{
			PrimaryDiagnosis: "Normal Study",
			Summary:          "No acute findings.",
		},
		{
			PrimaryDiagnosis: "Consolidation",
			Summary:          "Multiline\nsummary body\nwith three lines.",
			KeyFindings:      []string{"Consolidation in left lower lobe"},
		},
	}

	for _, doc := range docs {
		rendered := s.Render(doc)
		reparsed := s.Parse(rendered)
		assert.Equal(t, rendered, s.Render(reparsed), "render(parse(desc)) must reproduce desc")
	}
}

func TestSerializer_TruncationBoundary(t *testing.T) {
	s := services.NewSerializer()

	base := services.DescDocument{
		PrimaryDiagnosis: "Effusion",
		KeyFindings:      []string{"Left pleural effusion"},
	}

	// The rendered prefix before the summary body is deterministic, so the
	// body is padded to land exactly on the limit.
	prefix := len(s.Render(base))
	pad := entities.MaxDescLength - prefix

	exact := base
	exact.Summary = strings.Repeat("x", pad)
	rendered := s.Render(exact)
	require.Len(t, rendered, entities.MaxDescLength)
	assert.NotContains(t, rendered, "...[truncated]")

	over := base
	over.Summary = strings.Repeat("x", pad+1)
	rendered = s.Render(over)
	assert.LessOrEqual(t, len(rendered), entities.MaxDescLength)
	assert.True(t, strings.HasSuffix(rendered, "...[truncated]"))
}

func TestSerializer_TruncationPriority(t *testing.T) {
	s := services.NewSerializer()

	doc := services.DescDocument{
		PrimaryDiagnosis: "Effusion",
		Summary:          strings.Repeat("s", 2000),
		Report:           strings.Repeat("r", 1500),
		Note:             strings.Repeat("n", 900),
	}

	rendered := s.Render(doc)
	assert.LessOrEqual(t, len(rendered), entities.MaxDescLength)

	parsed := s.Parse(rendered)
	// The note shrinks to its budget first, then the report.
	assert.LessOrEqual(t, len(parsed.Note), 500+len("...[truncated]"))
	assert.LessOrEqual(t, len(parsed.Report), 800+len("...[truncated]"))
	// The summary body survives untouched.
	assert.Equal(t, strings.Repeat("s", 2000), parsed.Summary)
}

func TestSerializer_PrimaryLabel(t *testing.T) {
	s := services.NewSerializer()

	tests := []struct {
		name    string
		summary *entities.ClinicalSummary
		ann     *entities.Annotation
		want    string
	}{
		{
			name:    "diagnosis trimmed to column width",
			summary: &entities.ClinicalSummary{PrimaryDiagnosis: "Right Lower Lobe Pneumonia"},
			want:    "Right Lower Lobe Pne",
		},
		{
			name:    "short diagnosis kept as is",
			summary: &entities.ClinicalSummary{PrimaryDiagnosis: "  Pneumothorax  "},
			want:    "Pneumothorax",
		},
		{
			name:    "empty diagnosis falls back to first finding",
			summary: &entities.ClinicalSummary{PrimaryDiagnosis: "   "},
			ann: &entities.Annotation{
				Findings: []entities.Finding{{Label: "Fracture"}},
			},
			want: "Fracture",
		},
		{
			name:    "no findings at all",
			summary: &entities.ClinicalSummary{},
			ann:     &entities.Annotation{},
			want:    "No findings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.PrimaryLabel(tt.summary, tt.ann))
		})
	}
}

func TestSerializer_PatientID(t *testing.T) {
	s := services.NewSerializer()

	assert.Equal(t, 12, s.PatientID(&entities.Annotation{PatientID: "12"}))
	assert.Equal(t, 7, s.PatientID(&entities.Annotation{PatientID: " 7 "}))
	assert.Equal(t, 0, s.PatientID(&entities.Annotation{PatientID: "UNKNOWN"}))
	assert.Equal(t, 0, s.PatientID(&entities.Annotation{PatientID: ""}))
	assert.Equal(t, 0, s.PatientID(nil))
}
