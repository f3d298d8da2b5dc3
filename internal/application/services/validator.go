package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/providers"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// generatedByFallback tags annotations produced by the keyword parser.
const generatedByFallback = "medgemma/fallback"

// generatedByValidated tags annotations structured by the LLM.
const generatedByValidated = "medgemma/gemini"

// FallbackTerm is one entry of the deterministic parser's vocabulary.
type FallbackTerm struct {
	Term     string
	Label    string
	Location string
}

// defaultVocabulary covers the common radiology findings. It can be replaced
// with an external file via FALLBACK_VOCAB_PATH.
var defaultVocabulary = []FallbackTerm{
	{Term: "pneumothorax", Label: "Pneumothorax"},
	{Term: "fracture", Label: "Fracture"},
	{Term: "effusion", Label: "Effusion"},
	{Term: "consolidation", Label: "Consolidation"},
	{Term: "opacity", Label: "Opacity"},
	{Term: "pneumonia", Label: "Pneumonia"},
	{Term: "cardiomegaly", Label: "Cardiomegaly"},
	{Term: "atelectasis", Label: "Atelectasis"},
	{Term: "nodule", Label: "Nodule"},
	{Term: "edema", Label: "Edema"},
	{Term: "normal", Label: "Normal"},
}

// ValidationMeta describes how an annotation made it through structuring.
type ValidationMeta struct {
	Status   entities.ValidationStatus
	Attempts int
}

// ValidationService converts free-form vision text into an accepted
// Annotation. The structured model gets a bounded number of attempts; after
// the last failure the deterministic keyword parser takes over, so the
// service never fails outright while vision text is present.
type ValidationService struct {
	model       providers.StructuredModel
	maxAttempts int
	vocabulary  []FallbackTerm
}

// NewValidationService creates a validation service. maxAttempts below 1 is
// raised to 1; an empty vocabulary falls back to the built-in one.
func NewValidationService(model providers.StructuredModel, maxAttempts int, vocabulary []FallbackTerm) *ValidationService {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if len(vocabulary) == 0 {
		vocabulary = defaultVocabulary
	}
	return &ValidationService{
		model:       model,
		maxAttempts: maxAttempts,
		vocabulary:  vocabulary,
	}
}

// Validate structures the vision text. It returns the accepted annotation,
// the raw structured JSON when the model produced one, and the status and
// attempt count. The only error case is an empty vision text paired with an
// unusable fallback configuration.
func (s *ValidationService) Validate(ctx context.Context, visionRaw string, patientID *int) (*entities.Annotation, string, ValidationMeta, error) {
	if strings.TrimSpace(visionRaw) == "" {
		if len(s.vocabulary) == 0 {
			return nil, "", ValidationMeta{}, apperrors.NewUnavailableError("no vision text to validate", nil)
		}
		meta := ValidationMeta{Status: entities.StatusFallback, Attempts: 1}
		recordValidationStatus(ctx, meta.Status, meta.Attempts)
		return s.fallbackParse(visionRaw, patientID), "", meta, nil
	}

	var lastFailure string
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		prompt := s.initialPrompt(visionRaw, patientID)
		if attempt > 1 {
			prompt = s.retryPrompt(visionRaw, patientID, attempt, lastFailure)
		}

		raw, err := s.model.GenerateJSON(ctx, prompt)
		if err != nil {
			lastFailure = err.Error()
			log.Warn().Err(err).Int("attempt", attempt).Msg("structured model call failed")
			continue
		}

		ann, err := s.parseAndValidate(raw, patientID)
		if err != nil {
			lastFailure = err.Error()
			log.Warn().Err(err).Int("attempt", attempt).Msg("structured output rejected")
			continue
		}

		status := entities.StatusSuccess
		if attempt > 1 {
			status = entities.StatusRetry
		}
		meta := ValidationMeta{Status: status, Attempts: attempt}
		recordValidationStatus(ctx, meta.Status, meta.Attempts)
		return ann, raw, meta, nil
	}

	log.Warn().Str("last_failure", lastFailure).Msg("all validation attempts failed, using fallback parser")
	meta := ValidationMeta{Status: entities.StatusFallback, Attempts: s.maxAttempts}
	recordValidationStatus(ctx, meta.Status, meta.Attempts)
	return s.fallbackParse(visionRaw, patientID), "", meta, nil
}

// parseAndValidate decodes the model's JSON, applies defaults, and checks the
// annotation's invariants.
func (s *ValidationService) parseAndValidate(raw string, patientID *int) (*entities.Annotation, error) {
	var ann entities.Annotation
	if err := json.Unmarshal([]byte(raw), &ann); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}

	if ann.PatientID == "" {
		ann.PatientID = patientHint(patientID)
	}
	if ann.GeneratedBy == "" {
		ann.GeneratedBy = generatedByValidated
	}
	// Enhancement is a later pipeline stage; the validator never accepts it
	// from the model.
	ann.GeminiEnhanced = false
	ann.GeminiReport = ""
	ann.UrgencyLevel = ""
	ann.ClinicalSignificance = ""

	if err := ann.Validate(); err != nil {
		return nil, err
	}
	return &ann, nil
}

// fallbackParse is the deterministic keyword recognizer used when the
// structured model cannot produce a valid annotation.
func (s *ValidationService) fallbackParse(visionRaw string, patientID *int) *entities.Annotation {
	lower := strings.ToLower(visionRaw)

	var findings []entities.Finding
	for _, term := range s.vocabulary {
		if strings.Contains(lower, term.Term) {
			location := term.Location
			if location == "" {
				location = "Unspecified"
			}
			findings = append(findings, entities.Finding{
				Label:    term.Label,
				Location: location,
				Severity: "Unknown",
			})
		}
	}
	if len(findings) == 0 {
		findings = []entities.Finding{{
			Label:    "Analysis Incomplete",
			Location: "Overall",
			Severity: "Unknown",
		}}
	}

	notes := "Fallback parser used."
	if trimmed := strings.TrimSpace(visionRaw); trimmed != "" {
		if len(trimmed) > 500 {
			trimmed = trimmed[:500]
		}
		notes += " Original analysis: " + trimmed
	}

	return &entities.Annotation{
		PatientID:       patientHint(patientID),
		Findings:        findings,
		ConfidenceScore: entities.FallbackConfidence,
		GeneratedBy:     generatedByFallback,
		AdditionalNotes: notes,
	}
}

func (s *ValidationService) initialPrompt(visionRaw string, patientID *int) string {
	return fmt.Sprintf(`You are a medical data validator. Convert this radiology analysis into structured JSON.

SCHEMA:
{
  "patient_id": string,
  "findings": [{"label": string (max 20 chars), "location": string, "severity": string}],
  "confidence_score": number between 0.0 and 1.0,
  "generated_by": string,
  "additional_notes": string
}

RAW ANALYSIS:
%s

PATIENT ID: %s

INSTRUCTIONS:
1. Extract ALL medical findings mentioned in the analysis.
2. For each finding provide label (e.g. "Pneumothorax"), anatomical location, and severity.
3. Estimate confidence_score from the analysis clarity, hedging language, and number of findings.
4. Put any context not captured by findings into additional_notes.
5. If no abnormality is found, emit exactly one finding: {"label": "Normal", "location": "Overall", "severity": "None"}.

CRITICAL RULES:
- confidence_score MUST be a number between 0.0 and 1.0.
- findings MUST NOT be empty.
- Every label MUST be at most 20 characters.

Return ONLY valid JSON matching the schema. No markdown, no code blocks, no explanations.`,
		visionRaw, patientHint(patientID))
}

func (s *ValidationService) retryPrompt(visionRaw string, patientID *int, attempt int, lastFailure string) string {
	return fmt.Sprintf(`RETRY VALIDATION (attempt %d): the previous attempt failed with: %s

Be EXTRA careful with data types and required fields:
- "confidence_score" MUST be a NUMBER between 0.0 and 1.0, for example 0.85, NOT "0.85".
- "findings" MUST be an ARRAY with at least one item, for example [{"label": "Pneumothorax", "location": "Right lung apex", "severity": "Moderate"}].
- Every finding MUST carry "label" (string, max 20 chars), "location" (string), "severity" (string).
- "patient_id" MUST be a STRING, for example "12".

RAW ANALYSIS:
%s

PATIENT ID: %s

Double-check the failure above is fixed, then return ONLY valid JSON. No markdown, no explanations.`,
		attempt, lastFailure, visionRaw, patientHint(patientID))
}

func patientHint(patientID *int) string {
	if patientID == nil {
		return "UNKNOWN"
	}
	return strconv.Itoa(*patientID)
}

// LoadVocabulary reads an external fallback vocabulary: one entry per line as
// "term", "term,label" or "term,label,location". Comment lines start with #.
func LoadVocabulary(path string) ([]FallbackTerm, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var vocab []FallbackTerm
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 3)
		term := FallbackTerm{Term: strings.ToLower(strings.TrimSpace(parts[0]))}
		if term.Term == "" {
			continue
		}
		if len(parts) > 1 {
			term.Label = strings.TrimSpace(parts[1])
		}
		if term.Label == "" {
			term.Label = strings.ToUpper(term.Term[:1]) + term.Term[1:]
		}
		if len(parts) > 2 {
			term.Location = strings.TrimSpace(parts[2])
		}
		if term.Location == "" {
			term.Location = "Unspecified"
		}
		vocab = append(vocab, term)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return vocab, nil
}
