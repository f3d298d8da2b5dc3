package services

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
)

const (
	truncationMarker = "...[truncated]"

	// hardTruncateAt is where the rendered description is cut when the
	// section-level passes were not enough.
	hardTruncateAt = 3900

	// noteBudget and reportBudget are the section budgets applied, in order,
	// before the hard cut.
	noteBudget   = 500
	reportBudget = 800

	headerPrimary         = "PRIMARY DIAGNOSIS: "
	headerSummary         = "SUMMARY:"
	headerKeyFindings     = "KEY FINDINGS:"
	headerRecommendations = "RECOMMENDATIONS:"
	headerReport          = "REPORT:"
	headerNote            = "NOTE:"
)

// DescDocument is the section structure of a production description. Render
// and Parse are inverses for any description Render produced.
type DescDocument struct {
	PrimaryDiagnosis string
	Summary          string
	KeyFindings      []string
	Recommendations  string
	Report           string
	Note             string
}

// Serializer renders validated pipeline output into the size-bounded
// production columns.
type Serializer struct{}

// NewSerializer creates a serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// BuildDocument assembles the description sections from a clinical summary
// and its annotation. The professional report is included only for enhanced
// annotations; the note prefers the summary's confidence note.
func (s *Serializer) BuildDocument(summary *entities.ClinicalSummary, ann *entities.Annotation) DescDocument {
	doc := DescDocument{
		PrimaryDiagnosis: summary.PrimaryDiagnosis,
		Summary:          summary.Summary,
		KeyFindings:      summary.KeyFindings,
		Recommendations:  summary.Recommendations,
		Note:             summary.ConfidenceNote,
	}
	if ann != nil {
		if ann.GeminiEnhanced && ann.GeminiReport != "" {
			doc.Report = ann.GeminiReport
		}
		if doc.Note == "" {
			doc.Note = ann.AdditionalNotes
		}
	}
	return doc
}

// Render produces the persisted description. The result never exceeds the
// production column width: the note is shortened first, then the report, and
// as a last resort the text is cut at the hard limit with a trailing marker.
func (s *Serializer) Render(doc DescDocument) string {
	text := render(doc)
	if len(text) <= entities.MaxDescLength {
		return text
	}

	log.Warn().Int("length", len(text)).Msg("description exceeds column width, truncating")
	if len(doc.Note) > noteBudget {
		recordTruncation(context.Background(), "note")
		doc.Note = doc.Note[:noteBudget] + truncationMarker
		text = render(doc)
	}
	if len(text) > entities.MaxDescLength && len(doc.Report) > reportBudget {
		recordTruncation(context.Background(), "report")
		doc.Report = doc.Report[:reportBudget] + truncationMarker
		text = render(doc)
	}
	if len(text) > entities.MaxDescLength {
		recordTruncation(context.Background(), "hard")
		text = text[:hardTruncateAt-len(truncationMarker)] + truncationMarker
	}
	return text
}

func render(doc DescDocument) string {
	var sections [][]string

	sections = append(sections, []string{headerPrimary + doc.PrimaryDiagnosis})
	sections = append(sections, []string{headerSummary, doc.Summary})

	if len(doc.KeyFindings) > 0 {
		lines := []string{headerKeyFindings}
		for _, finding := range doc.KeyFindings {
			lines = append(lines, "- "+finding)
		}
		sections = append(sections, lines)
	}
	if doc.Recommendations != "" {
		sections = append(sections, []string{headerRecommendations, doc.Recommendations})
	}
	if doc.Report != "" {
		sections = append(sections, []string{headerReport, doc.Report})
	}
	if doc.Note != "" {
		sections = append(sections, []string{headerNote, doc.Note})
	}

	parts := make([]string, 0, len(sections))
	for _, lines := range sections {
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// Parse reads a rendered description back into its sections.
func (s *Serializer) Parse(desc string) DescDocument {
	var doc DescDocument

	section := ""
	var body []string
	flush := func() {
		text := strings.TrimSuffix(strings.Join(body, "\n"), "\n")
		text = strings.TrimSuffix(text, "\n")
		switch section {
		case headerSummary:
			doc.Summary = strings.TrimSpace(text)
		case headerRecommendations:
			doc.Recommendations = strings.TrimSpace(text)
		case headerReport:
			doc.Report = strings.TrimSpace(text)
		case headerNote:
			doc.Note = strings.TrimSpace(text)
		}
		body = body[:0]
	}

	for _, line := range strings.Split(desc, "\n") {
		switch {
		case strings.HasPrefix(line, headerPrimary):
			doc.PrimaryDiagnosis = strings.TrimPrefix(line, headerPrimary)
		case line == headerSummary, line == headerRecommendations, line == headerReport, line == headerNote:
			flush()
			section = line
		case line == headerKeyFindings:
			flush()
			section = headerKeyFindings
		case section == headerKeyFindings && strings.HasPrefix(line, "- "):
			doc.KeyFindings = append(doc.KeyFindings, strings.TrimPrefix(line, "- "))
		case section == headerKeyFindings && line == "":
			// separator after the findings list
		default:
			if section != "" {
				body = append(body, line)
			}
		}
	}
	flush()
	return doc
}

// PrimaryLabel derives the production label: the primary diagnosis trimmed to
// the column width, the first finding's label when the diagnosis is empty, and
// a fixed placeholder when there are no findings at all.
func (s *Serializer) PrimaryLabel(summary *entities.ClinicalSummary, ann *entities.Annotation) string {
	if summary != nil {
		if label := truncateLabel(summary.PrimaryDiagnosis); label != "" {
			return label
		}
	}
	if ann != nil {
		if label := truncateLabel(ann.PrimaryFindingLabel()); label != "" {
			return label
		}
	}
	return "No findings"
}

// PatientID coerces the annotation's patient identifier to an integer;
// anything unparseable maps to patient 0.
func (s *Serializer) PatientID(ann *entities.Annotation) int {
	if ann == nil {
		return 0
	}
	id, err := strconv.Atoi(strings.TrimSpace(ann.PatientID))
	if err != nil {
		return 0
	}
	return id
}

func truncateLabel(label string) string {
	label = strings.TrimSpace(label)
	runes := []rune(label)
	if len(runes) > entities.MaxLabelLength {
		return string(runes[:entities.MaxLabelLength])
	}
	return label
}
