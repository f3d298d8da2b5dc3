package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/providers"
)

// SummaryService produces the clinical summary behind the production
// description. When the model output does not validate, a deterministic
// minimal summary is built from the annotation instead.
type SummaryService struct {
	model providers.StructuredModel
}

// NewSummaryService creates a summary service.
func NewSummaryService(model providers.StructuredModel) *SummaryService {
	return &SummaryService{model: model}
}

// Summarize generates a validated clinical summary for the annotation.
func (s *SummaryService) Summarize(ctx context.Context, ann *entities.Annotation) *entities.ClinicalSummary {
	if s.model != nil {
		raw, err := s.model.GenerateJSON(ctx, s.prompt(ann))
		if err == nil {
			var summary entities.ClinicalSummary
			if err := json.Unmarshal([]byte(raw), &summary); err == nil {
				if err := summary.Validate(); err == nil {
					return &summary
				} else {
					log.Warn().Err(err).Msg("generated summary rejected, using minimal summary")
				}
			} else {
				log.Warn().Err(err).Msg("summary response unparseable, using minimal summary")
			}
		} else {
			log.Warn().Err(err).Msg("summary call failed, using minimal summary")
		}
	}
	return s.minimalSummary(ann)
}

// minimalSummary is the deterministic construction used when the model cannot
// deliver a valid summary.
func (s *SummaryService) minimalSummary(ann *entities.Annotation) *entities.ClinicalSummary {
	primary := "No Significant Findings"
	if label := ann.PrimaryFindingLabel(); label != "" {
		primary = label
	}
	if len(primary) > entities.MaxPrimaryDiagnosisLength {
		primary = primary[:entities.MaxPrimaryDiagnosisLength]
	}

	var phrases []string
	var keyFindings []string
	for i, f := range ann.Findings {
		phrases = append(phrases, fmt.Sprintf("%s (%s, severity %s)", f.Label, f.Location, f.Severity))
		if i < entities.MaxKeyFindings {
			keyFindings = append(keyFindings, fmt.Sprintf("%s in %s, severity %s", f.Label, f.Location, f.Severity))
		}
	}

	body := "Automated analysis identified no findings."
	if len(phrases) > 0 {
		body = fmt.Sprintf("Automated analysis identified %d finding(s): %s.", len(phrases), strings.Join(phrases, "; "))
	}
	if len(body) > entities.MaxSummaryLength {
		body = body[:entities.MaxSummaryLength]
	}

	summary := &entities.ClinicalSummary{
		PrimaryDiagnosis: primary,
		Summary:          body,
		KeyFindings:      keyFindings,
	}
	if ann.ConfidenceScore < 0.8 {
		summary.ConfidenceNote = fmt.Sprintf("Confidence score %.2f; human review recommended.", ann.ConfidenceScore)
	}
	return summary
}

func (s *SummaryService) prompt(ann *entities.Annotation) string {
	findingsJSON, _ := json.MarshalIndent(ann.Findings, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, `You are a radiologist writing a concise clinical summary for a medical image annotation.

CONTEXT:
Findings: %s
Confidence Score: %.2f
Additional Notes: %s
`, findingsJSON, ann.ConfidenceScore, orNone(ann.AdditionalNotes))

	if ann.GeminiEnhanced {
		if ann.UrgencyLevel != "" {
			fmt.Fprintf(&b, "Urgency: %s\n", ann.UrgencyLevel)
		}
		if ann.ClinicalSignificance != "" {
			fmt.Fprintf(&b, "Clinical Significance: %s\n", ann.ClinicalSignificance)
		}
		if ann.GeminiReport != "" {
			report := ann.GeminiReport
			if len(report) > 1000 {
				report = report[:1000]
			}
			fmt.Fprintf(&b, "\nProfessional Report:\n%s\n", report)
		}
	}

	b.WriteString(`
TASK:
Generate a clinical summary as JSON with this schema:
{
  "primary_diagnosis": string, at most 100 characters, the single most important finding (e.g. "Right Pneumothorax", "Normal Study"),
  "summary": string, at most 3500 characters, 2-4 sentences covering what was found and its clinical significance,
  "key_findings": array of at most 5 strings, each a specific observation with location and severity,
  "recommendations": string or null, at most 500 characters, next steps; null for a normal study,
  "confidence_note": string or null, at most 200 characters; only when confidence is below 0.8 or limitations exist
}

EXAMPLE OUTPUT:
{
  "primary_diagnosis": "Right Pneumothorax",
  "summary": "Moderate right-sided pneumothorax identified with approximately 30% lung collapse. No mediastinal shift observed. Patient requires immediate clinical correlation and possible intervention.",
  "key_findings": [
    "Right pneumothorax with 30% lung collapse",
    "No mediastinal shift",
    "Clear costophrenic angles bilaterally"
  ],
  "recommendations": "Immediate chest tube placement may be required.",
  "confidence_note": null
}

Return ONLY valid JSON matching the schema. No markdown, no explanations.`)

	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
