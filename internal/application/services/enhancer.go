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

// EnhancementService adds a professional report plus urgency and significance
// classifications to an annotation. Enhancement is best-effort: every failure
// leaves the annotation untouched and the pipeline continues.
type EnhancementService struct {
	model providers.StructuredModel
}

// NewEnhancementService creates an enhancement service.
func NewEnhancementService(model providers.StructuredModel) *EnhancementService {
	return &EnhancementService{model: model}
}

type enhancementPayload struct {
	Report       string `json:"report"`
	Urgency      string `json:"urgency"`
	Significance string `json:"significance"`
}

// Enhance returns an enriched copy of the annotation, or the original value
// when the model call fails or answers out of vocabulary.
func (s *EnhancementService) Enhance(ctx context.Context, ann *entities.Annotation) *entities.Annotation {
	if ann == nil || s.model == nil {
		return ann
	}

	raw, err := s.model.GenerateJSON(ctx, s.prompt(ann))
	if err != nil {
		log.Warn().Err(err).Msg("enhancement call failed, continuing without it")
		return ann
	}

	var payload enhancementPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		log.Warn().Err(err).Msg("enhancement response unparseable, continuing without it")
		return ann
	}

	urgency := entities.UrgencyLevel(strings.ToLower(payload.Urgency))
	significance := entities.ClinicalSignificance(strings.ToLower(payload.Significance))
	if payload.Report == "" || urgency == "" || significance == "" ||
		!urgency.Valid() || !significance.Valid() {
		log.Warn().Str("urgency", payload.Urgency).Str("significance", payload.Significance).
			Msg("enhancement response incomplete, continuing without it")
		return ann
	}

	enhanced := *ann
	enhanced.GeminiEnhanced = true
	enhanced.GeminiReport = payload.Report
	enhanced.UrgencyLevel = urgency
	enhanced.ClinicalSignificance = significance
	return &enhanced
}

func (s *EnhancementService) prompt(ann *entities.Annotation) string {
	var findings strings.Builder
	for _, f := range ann.Findings {
		fmt.Fprintf(&findings, "- %s in %s (severity: %s)\n", f.Label, f.Location, f.Severity)
	}

	notes := ann.AdditionalNotes
	if notes == "" {
		notes = "None"
	}

	return fmt.Sprintf(`You are an expert radiologist. Review these findings and produce a report with triage classifications.

FINDINGS:
%s
ADDITIONAL NOTES:
%s

Generate:
1. "report": a concise professional radiology report with CLINICAL INDICATION, TECHNIQUE, FINDINGS and IMPRESSION sections, using standard medical terminology.
2. "urgency": one of "critical" (immediate intervention), "urgent" (attention within 24 hours), "routine" (normal workflow).
3. "significance": one of "high", "medium", "low".

Return ONLY valid JSON:
{"report": "<text>", "urgency": "<level>", "significance": "<level>"}`,
		findings.String(), notes)
}
