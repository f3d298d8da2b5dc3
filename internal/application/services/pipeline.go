package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/domain/entities"
	"github.com/googolhealth/medannotator/backend/internal/domain/providers"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// DefaultPrompt is the vision prompt used when the caller supplies none.
const DefaultPrompt = "Analyze this medical image and provide: " +
	"the type of imaging, the anatomical region visible, key findings and observations, " +
	"any abnormalities or areas of concern, and your confidence in the assessment."

// incompleteLabel is the production label used for failed analyses.
const incompleteLabel = "Analysis Incomplete"

// AnnotateInput carries one image through the pipeline.
type AnnotateInput struct {
	Image             []byte
	SetName           int
	PathURL           string
	Prompt            string
	PatientID         *int
	EnableEnhancement bool
}

// AnnotateResult is the pipeline's output: the accepted annotation, the
// staging payload, the rendered description, and the production label.
type AnnotateResult struct {
	Annotation *entities.Annotation
	Request    *entities.AnnotationRequest
	Desc       string
	Label      string
}

// Failed reports whether this result is a degraded payload recorded for audit.
func (r *AnnotateResult) Failed() bool {
	return r.Request != nil && r.Request.ProcessingError != ""
}

// AnnotationPipeline orchestrates the annotation flow: vision analysis,
// validation with retries, optional enhancement, staging payload assembly,
// summary generation, and label extraction. The pipeline is reentrant; the
// vision worker slots are the only shared state.
type AnnotationPipeline struct {
	vision     providers.VisionProvider
	validator  *ValidationService
	enhancer   *EnhancementService
	summarizer *SummaryService
	serializer *Serializer

	defaultPrompt string

	// visionSlots bounds concurrent vision inferences to the number of model
	// replicas.
	visionSlots chan struct{}
}

// NewAnnotationPipeline creates a pipeline. workers bounds concurrent vision
// calls and is raised to 1 when smaller. The enhancer may be nil.
func NewAnnotationPipeline(
	vision providers.VisionProvider,
	validator *ValidationService,
	enhancer *EnhancementService,
	summarizer *SummaryService,
	serializer *Serializer,
	workers int,
	defaultPrompt string,
) *AnnotationPipeline {
	if workers < 1 {
		workers = 1
	}
	if defaultPrompt == "" {
		defaultPrompt = DefaultPrompt
	}
	return &AnnotationPipeline{
		vision:        vision,
		validator:     validator,
		enhancer:      enhancer,
		summarizer:    summarizer,
		serializer:    serializer,
		defaultPrompt: defaultPrompt,
		visionSlots:   make(chan struct{}, workers),
	}
}

// Annotate runs the six-step flow for one image. Vision and validation
// failures do not abort: the returned payload carries processing_error so the
// caller can still persist the row for audit. An error is returned only when
// not even a degraded payload can be built.
func (p *AnnotationPipeline) Annotate(ctx context.Context, in AnnotateInput) (*AnnotateResult, error) {
	prompt := in.Prompt
	if prompt == "" {
		prompt = p.defaultPrompt
	}

	log.Info().Int("set", in.SetName).Str("path", in.PathURL).Msg("vision analysis")
	visionRaw, err := p.analyzeBounded(ctx, in.Image, prompt)
	if err != nil {
		log.Error().Err(err).Str("path", in.PathURL).Msg("vision analysis failed")
		return p.degraded(in, "", fmt.Sprintf("vision analysis failed: %v", err)), nil
	}
	log.Debug().Int("chars", len(visionRaw)).Msg("vision analysis complete")

	annotation, structuredJSON, meta, err := p.validator.Validate(ctx, visionRaw, in.PatientID)
	if err != nil {
		log.Error().Err(err).Str("path", in.PathURL).Msg("validation unavailable")
		return p.degraded(in, visionRaw, fmt.Sprintf("validation unavailable: %v", err)), nil
	}
	log.Info().Str("status", string(meta.Status)).Int("attempts", meta.Attempts).Msg("validation complete")

	if in.EnableEnhancement && p.enhancer != nil && meta.Status != entities.StatusFallback {
		annotation = p.enhancer.Enhance(ctx, annotation)
	}

	request, err := p.buildRequest(in, visionRaw, structuredJSON, annotation, meta)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to assemble staging payload", err)
	}

	summary := p.summarizer.Summarize(ctx, annotation)
	desc := p.serializer.Render(p.serializer.BuildDocument(summary, annotation))
	label := p.serializer.PrimaryLabel(summary, annotation)

	log.Info().
		Int("findings", len(annotation.Findings)).
		Float64("confidence", annotation.ConfidenceScore).
		Str("label", label).
		Msg("pipeline complete")

	return &AnnotateResult{
		Annotation: annotation,
		Request:    request,
		Desc:       desc,
		Label:      label,
	}, nil
}

// analyzeBounded runs the vision call inside a worker slot so local inference
// never exceeds the replica count.
func (p *AnnotationPipeline) analyzeBounded(ctx context.Context, image []byte, prompt string) (string, error) {
	select {
	case p.visionSlots <- struct{}{}:
	case <-ctx.Done():
		return "", apperrors.NewTimeoutError("canceled before vision analysis", ctx.Err())
	}
	defer func() { <-p.visionSlots }()
	return p.vision.Analyze(ctx, image, prompt)
}

func (p *AnnotationPipeline) buildRequest(
	in AnnotateInput,
	visionRaw, structuredJSON string,
	annotation *entities.Annotation,
	meta ValidationMeta,
) (*entities.AnnotationRequest, error) {
	validated, err := json.Marshal(annotation)
	if err != nil {
		return nil, err
	}

	req := &entities.AnnotationRequest{
		SetName:            in.SetName,
		PathURL:            in.PathURL,
		VisionRaw:          visionRaw,
		StructuredJSON:     structuredJSON,
		ValidationAttempts: meta.Attempts,
		ValidationStatus:   meta.Status,
		ValidatedOutput:    string(validated),
		ConfidenceScore:    annotation.ConfidenceScore,
		Enhanced:           annotation.GeminiEnhanced,
	}
	if annotation.GeminiEnhanced {
		req.Report = annotation.GeminiReport
		req.UrgencyLevel = annotation.UrgencyLevel
		req.ClinicalSignificance = annotation.ClinicalSignificance
	}
	return req, nil
}

// degraded builds the audit payload for a failed analysis: empty findings,
// zero confidence, and the cause in both processing_error and the description.
func (p *AnnotationPipeline) degraded(in AnnotateInput, visionRaw, cause string) *AnnotateResult {
	annotation := &entities.Annotation{
		PatientID:       patientHint(in.PatientID),
		Findings:        nil,
		ConfidenceScore: 0.0,
		GeneratedBy:     "pipeline/error",
		AdditionalNotes: cause,
	}
	validated, _ := json.Marshal(annotation)

	request := &entities.AnnotationRequest{
		SetName:            in.SetName,
		PathURL:            in.PathURL,
		VisionRaw:          visionRaw,
		ValidationAttempts: 1,
		ValidationStatus:   entities.StatusFallback,
		ValidatedOutput:    string(validated),
		ConfidenceScore:    0.0,
		ProcessingError:    cause,
	}

	desc := p.serializer.Render(DescDocument{
		PrimaryDiagnosis: incompleteLabel,
		Summary:          "The automated analysis could not be completed. " + cause,
	})

	return &AnnotateResult{
		Annotation: annotation,
		Request:    request,
		Desc:       desc,
		Label:      incompleteLabel,
	}
}
