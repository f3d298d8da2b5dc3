package entities

import "fmt"

const (
	// MaxDescLength is the hard limit of the production description column.
	MaxDescLength = 4000

	// MaxPrimaryDiagnosisLength bounds the summary headline.
	MaxPrimaryDiagnosisLength = 100

	// MaxSummaryLength bounds the narrative body of a clinical summary.
	MaxSummaryLength = 3500

	// MaxKeyFindings bounds the key findings list.
	MaxKeyFindings = 5

	// MaxRecommendationsLength bounds the recommendations section.
	MaxRecommendationsLength = 500

	// MaxConfidenceNoteLength bounds the confidence note.
	MaxConfidenceNoteLength = 200
)

// ClinicalSummary is the human-facing summary generated from a validated
// annotation. Its rendered description must fit the production desc column.
type ClinicalSummary struct {
	PrimaryDiagnosis string   `json:"primary_diagnosis"`
	Summary          string   `json:"summary"`
	KeyFindings      []string `json:"key_findings"`
	Recommendations  string   `json:"recommendations,omitempty"`
	ConfidenceNote   string   `json:"confidence_note,omitempty"`
}

// Validate checks the summary's field constraints.
func (s *ClinicalSummary) Validate() error {
	if s.PrimaryDiagnosis == "" {
		return fmt.Errorf("primary_diagnosis must not be empty")
	}
	if len(s.PrimaryDiagnosis) > MaxPrimaryDiagnosisLength {
		return fmt.Errorf("primary_diagnosis exceeds %d characters", MaxPrimaryDiagnosisLength)
	}
	if len(s.Summary) > MaxSummaryLength {
		return fmt.Errorf("summary exceeds %d characters", MaxSummaryLength)
	}
	if len(s.KeyFindings) > MaxKeyFindings {
		return fmt.Errorf("key_findings has %d items, maximum is %d", len(s.KeyFindings), MaxKeyFindings)
	}
	if len(s.Recommendations) > MaxRecommendationsLength {
		return fmt.Errorf("recommendations exceeds %d characters", MaxRecommendationsLength)
	}
	if len(s.ConfidenceNote) > MaxConfidenceNoteLength {
		return fmt.Errorf("confidence_note exceeds %d characters", MaxConfidenceNoteLength)
	}
	return nil
}
