package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/providers"
	"github.com/googolhealth/medannotator/backend/internal/domain/repositories"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

const (
	maxFlaggedInContext = 10
	maxRawInContext     = 5
	rawExcerptLength    = 200

	toolAnalyzeFlagged = "analyze_flagged"
)

const chatSystemPrompt = `You are a specialized medical AI assistant helping radiologists with image annotation and analysis.

Your capabilities:
- Answer questions about flagged medical images
- Explain analysis results, confidence scores and validation status
- Provide insights on dataset statistics and patterns
- Trigger analysis of flagged images via the analyze_flagged tool

Always:
- Be professional and medically accurate
- Reference images by their paths when relevant
- Explain technical findings in accessible language
- Acknowledge limitations and recommend human review for critical cases`

// BatchRunner is the slice of the dataset service the chat tool invokes.
type BatchRunner interface {
	AnalyzeFlagged(ctx context.Context, setName int, paths []string, prompt string) (*BatchResult, error)
}

// ChatService answers dataset questions through a chat model that may invoke
// the declared batch-analysis tool. Each call is one round-trip plus at most
// one tool invocation; the session log is owned by the caller.
type ChatService struct {
	model       providers.ChatModel
	requests    repositories.RequestRepository
	annotations repositories.AnnotationRepository
	batch       BatchRunner
}

// NewChatService creates a chat service.
func NewChatService(
	model providers.ChatModel,
	requests repositories.RequestRepository,
	annotations repositories.AnnotationRepository,
	batch BatchRunner,
) *ChatService {
	return &ChatService{
		model:       model,
		requests:    requests,
		annotations: annotations,
		batch:       batch,
	}
}

// Chat answers one message. When requestID is given the context narrows to
// that staging row; otherwise a dataset-wide bundle is built.
func (s *ChatService) Chat(ctx context.Context, message string, setName int, requestID *int64) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", apperrors.NewValidationError("message must not be empty")
	}

	session := uuid.NewString()
	logger := log.With().Str("session", session).Int("set", setName).Logger()

	var contextBlock string
	var err error
	if requestID != nil {
		contextBlock, err = s.focusedContext(ctx, *requestID)
	} else {
		contextBlock, err = s.datasetContext(ctx, setName)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("context build failed, answering without context")
		contextBlock = ""
	}

	reply, err := s.model.Chat(ctx, providers.ChatRequest{
		System:  chatSystemPrompt,
		Context: contextBlock,
		Message: message,
		Tools:   []providers.ToolSpec{s.analyzeFlaggedSpec()},
	}, s.invoker(setName))
	if err != nil {
		logger.Error().Err(err).Msg("chat model call failed")
		return "", err
	}

	logger.Info().Msg("chat round complete")
	return reply, nil
}

func (s *ChatService) analyzeFlaggedSpec() providers.ToolSpec {
	return providers.ToolSpec{
		Name:        toolAnalyzeFlagged,
		Description: "Run the annotation pipeline over the dataset's unprocessed flagged images and report how many were analyzed.",
		Parameters: map[string]providers.ToolParam{
			"set_name": {Type: "integer", Description: "Dataset identifier. Defaults to the current dataset."},
			"paths":    {Type: "array", Description: "Optional list of image paths to restrict the run to."},
			"prompt":   {Type: "string", Description: "Optional analysis prompt."},
		},
	}
}

// invoker executes the declared tool in-process against the pipeline.
func (s *ChatService) invoker(defaultSet int) providers.ToolInvoker {
	return func(ctx context.Context, call providers.ToolCall) (map[string]any, error) {
		if call.Name != toolAnalyzeFlagged {
			return nil, apperrors.NewValidationError("unknown tool: " + call.Name)
		}

		setName := defaultSet
		if v, ok := call.Args["set_name"]; ok {
			if f, ok := v.(float64); ok {
				setName = int(f)
			}
		}
		var paths []string
		if v, ok := call.Args["paths"]; ok {
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if p, ok := item.(string); ok {
						paths = append(paths, p)
					}
				}
			}
		}
		prompt := ""
		if v, ok := call.Args["prompt"]; ok {
			if p, ok := v.(string); ok {
				prompt = p
			}
		}

		result, err := s.batch.AnalyzeFlagged(ctx, setName, paths, prompt)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"analyzed": result.Processed,
			"errors":   len(result.Errors),
		}, nil
	}
}

// datasetContext builds the general context bundle: dataset size, label
// histogram, flagged summaries, and recent raw vision excerpts.
func (s *ChatService) datasetContext(ctx context.Context, setName int) (string, error) {
	var parts []string

	records, err := s.annotations.GetAnnotations(ctx, setName)
	if err != nil {
		return "", err
	}

	flagged, err := s.requests.GetFlagged(ctx, setName)
	if err != nil {
		return "", err
	}

	histogram := map[string]int{}
	for _, rec := range records {
		histogram[rec.Label]++
	}
	labels := make([]string, 0, len(histogram))
	for label := range histogram {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	parts = append(parts, fmt.Sprintf("Dataset %d overview:", setName))
	parts = append(parts, fmt.Sprintf("- Annotated images: %d", len(records)))
	parts = append(parts, fmt.Sprintf("- Flagged images: %d", len(flagged)))
	if len(labels) > 0 {
		var dist []string
		for _, label := range labels {
			dist = append(dist, fmt.Sprintf("%s: %d", label, histogram[label]))
		}
		parts = append(parts, "- Label distribution: "+strings.Join(dist, ", "))
	}

	if len(flagged) > 0 {
		parts = append(parts, "")
		parts = append(parts, fmt.Sprintf("Flagged images (%d):", len(flagged)))
		for i, row := range flagged {
			if i >= maxFlaggedInContext {
				break
			}
			parts = append(parts, fmt.Sprintf("- %s: status=%s, confidence=%.2f, processed=%t",
				row.PathURL, row.ValidationStatus, row.ConfidenceScore, row.Processed))
		}
	}

	unprocessed, err := s.requests.GetUnprocessed(ctx, setName)
	if err != nil {
		return "", err
	}
	withRaw := make([]*entities.AnnotationRequest, 0, maxRawInContext)
	for i := len(unprocessed) - 1; i >= 0 && len(withRaw) < maxRawInContext; i-- {
		if unprocessed[i].VisionRaw != "" {
			withRaw = append(withRaw, unprocessed[i])
		}
	}
	if len(withRaw) > 0 {
		parts = append(parts, "")
		parts = append(parts, "Recent vision outputs:")
		for _, row := range withRaw {
			parts = append(parts, fmt.Sprintf("- %s: %s", row.PathURL, excerpt(row.VisionRaw, rawExcerptLength)))
		}
	}

	return strings.Join(parts, "\n"), nil
}

// focusedContext replaces the bundle with a single staging row's contents.
func (s *ChatService) focusedContext(ctx context.Context, requestID int64) (string, error) {
	row, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return "", err
	}

	parts := []string{
		fmt.Sprintf("Focused on request %d (dataset %d, image %s):", row.ID, row.SetName, row.PathURL),
		fmt.Sprintf("- Validation: status=%s, attempts=%d", row.ValidationStatus, row.ValidationAttempts),
		fmt.Sprintf("- Confidence: %.2f", row.ConfidenceScore),
		fmt.Sprintf("- Flagged: %t, processed: %t", row.Flagged, row.Processed),
	}
	if row.Enhanced {
		parts = append(parts, fmt.Sprintf("- Enhancement: urgency=%s, significance=%s", row.UrgencyLevel, row.ClinicalSignificance))
		if row.Report != "" {
			parts = append(parts, "- Report: "+row.Report)
		}
	}
	if row.ProcessingError != "" {
		parts = append(parts, "- Processing error: "+row.ProcessingError)
	}
	if row.VisionRaw != "" {
		parts = append(parts, "", "Raw vision analysis:", row.VisionRaw)
	}
	if row.ValidatedOutput != "" {
		parts = append(parts, "", "Validated annotation JSON:", row.ValidatedOutput)
	}

	return strings.Join(parts, "\n"), nil
}

func excerpt(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
