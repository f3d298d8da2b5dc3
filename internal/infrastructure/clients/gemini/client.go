package gemini

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/googolhealth/medannotator/backend/internal/domain/providers"
	"github.com/googolhealth/medannotator/backend/pkg/config"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

const transientAttempts = 3

// Client wraps one Gemini model in the StructuredModel and ChatModel ports.
// JSON generation runs at the configured temperature with a JSON response
// MIME type; transient transport failures are retried before surfacing.
type Client struct {
	apiKey      string
	model       string
	temperature float32
	timeout     time.Duration
	limiter     *tokenBucket
}

// Option customizes a Client.
type Option func(*Client)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(c *Client) { c.temperature = t }
}

// NewClient creates a Gemini client for one model.
func NewClient(cfg *config.GeminiConfig, model string, opts ...Option) (*Client, error) {
	if cfg == nil || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("gemini model name is required")
	}

	c := &Client{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(model),
		temperature: 0.1,
		timeout:     cfg.Timeout,
		limiter:     newTokenBucket(cfg.RateLimitRPM, cfg.RateLimitBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GenerateJSON asks the model for a JSON-only response and returns the raw
// text with any code fences stripped.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, true)
}

// GenerateText asks the model for a free-form text response.
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, false)
}

// Healthy reports whether the client is configured to reach the service.
func (c *Client) Healthy(ctx context.Context) error {
	if c.apiKey == "" {
		return apperrors.NewUnavailableError("gemini api key is not configured", nil)
	}
	return nil
}

func (c *Client) generate(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", classify(err)
		}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cl, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		recordRequest(ctx, c.model, 0, err)
		return "", apperrors.NewUnavailableError("failed to create gemini client", err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(c.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(c.temperature),
	}
	if jsonMode {
		m.GenerationConfig.ResponseMIMEType = "application/json"
	}

	var lastErr error
	for attempt := 1; attempt <= transientAttempts; attempt++ {
		start := time.Now()
		resp, err := m.GenerateContent(ctx, genai.Text(prompt))
		recordRequest(ctx, c.model, time.Since(start), err)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}
		txt := firstText(resp)
		if txt == "" {
			return "", apperrors.NewProtocolError("gemini returned an empty response", nil)
		}
		return stripCodeFences(strings.TrimSpace(txt)), nil
	}
	return "", classify(lastErr)
}

// Chat runs one chat round. When the model calls a declared tool, invoke runs
// once and its result is fed back before the final text is returned.
func (c *Client) Chat(ctx context.Context, req providers.ChatRequest, invoke providers.ToolInvoker) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", classify(err)
		}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cl, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		recordRequest(ctx, c.model, 0, err)
		return "", apperrors.NewUnavailableError("failed to create gemini client", err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(c.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(c.temperature),
	}

	system := req.System
	if req.Context != "" {
		system += "\n\nCurrent dataset context:\n" + req.Context
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	m.Tools = toolDeclarations(req.Tools)

	session := m.StartChat()

	start := time.Now()
	resp, err := session.SendMessage(ctx, genai.Text(req.Message))
	recordRequest(ctx, c.model, time.Since(start), err)
	if err != nil {
		return "", classify(err)
	}

	if call, ok := firstFunctionCall(resp); ok && invoke != nil {
		log.Info().Str("tool", call.Name).Msg("chat model requested a tool invocation")
		result, invokeErr := invoke(ctx, providers.ToolCall{Name: call.Name, Args: call.Args})
		if invokeErr != nil {
			result = map[string]any{"error": invokeErr.Error()}
		}

		start = time.Now()
		resp, err = session.SendMessage(ctx, genai.FunctionResponse{
			Name:     call.Name,
			Response: result,
		})
		recordRequest(ctx, c.model, time.Since(start), err)
		if err != nil {
			return "", classify(err)
		}
	}

	txt := firstText(resp)
	if txt == "" {
		return "", apperrors.NewProtocolError("gemini returned an empty chat response", nil)
	}
	return strings.TrimSpace(txt), nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func toolDeclarations(specs []providers.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		params := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: map[string]*genai.Schema{},
			Required:   spec.Required,
		}
		for name, p := range spec.Parameters {
			params.Properties[name] = &genai.Schema{
				Type:        schemaType(p.Type),
				Description: p.Description,
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func schemaType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func firstFunctionCall(resp *genai.GenerateContentResponse) (genai.FunctionCall, bool) {
	if resp == nil || len(resp.Candidates) == 0 {
		return genai.FunctionCall{}, false
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if fc, ok := p.(genai.FunctionCall); ok {
				return fc, true
			}
		}
	}
	return genai.FunctionCall{}, false
}

// stripCodeFences removes a surrounding markdown code block, which some model
// revisions emit even in JSON mode.
func stripCodeFences(s string) string {
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimSuffix(s, "```")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func classify(err error) error {
	switch {
	case err == nil:
		return apperrors.NewUnavailableError("gemini request failed", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewTimeoutError("gemini request timed out", err)
	case errors.Is(err, context.Canceled):
		return apperrors.NewTimeoutError("gemini request canceled", err)
	default:
		return apperrors.NewUnavailableError("gemini request failed", err)
	}
}

func ptrFloat32(v float32) *float32 { return &v }
