package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"

	"github.com/googolhealth/medannotator/backend/pkg/config"
)

// RemoteProvider reaches a hosted vision model over HTTP. The endpoint accepts
// a prompt plus a base64 image and answers with the model's text.
type RemoteProvider struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

// NewRemoteProvider creates a remote vision provider.
func NewRemoteProvider(cfg config.VisionConfig) (*RemoteProvider, error) {
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.EndpointURL), "/")
	if endpoint == "" {
		return nil, errors.New("vision endpoint url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}

	return &RemoteProvider{
		endpoint:  endpoint,
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type annotateRequest struct {
	Prompt string `json:"prompt"`
	ImgB64 string `json:"img_b64"`
}

type annotateResponse struct {
	Response string `json:"medgemma_response"`
}

// Analyze posts the image to the endpoint and returns the model's text.
func (p *RemoteProvider) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	payload := annotateRequest{
		Prompt: prompt,
		ImgB64: base64.StdEncoding.EncodeToString(image),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewInternalError("failed to encode vision request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/annotate/", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.NewInternalError("failed to build vision request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
			return "", apperrors.NewUnavailableError(fmt.Sprintf("vision endpoint answered status %d", resp.StatusCode), nil)
		}
		return "", apperrors.NewProtocolError(fmt.Sprintf("vision endpoint answered status %d", resp.StatusCode), nil)
	}

	var out annotateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.NewProtocolError("malformed vision endpoint response", err)
	}
	if out.Response == "" {
		return "", apperrors.NewProtocolError("vision endpoint response missing analysis text", nil)
	}
	return out.Response, nil
}

// Healthy probes the endpoint root.
func (p *RemoteProvider) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/", nil)
	if err != nil {
		return apperrors.NewInternalError("failed to build health request", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperrors.NewUnavailableError(fmt.Sprintf("vision endpoint answered status %d", resp.StatusCode), nil)
	}
	return nil
}

func classifyTransport(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return apperrors.NewTimeoutError("vision endpoint timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError("vision endpoint timed out", err)
	}
	return apperrors.NewUnavailableError("vision endpoint unreachable", err)
}
