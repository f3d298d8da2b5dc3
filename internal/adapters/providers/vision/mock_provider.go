package vision

import (
	"context"
	"fmt"
)

// MockProvider returns a deterministic analysis without any model. Used in
// development and tests.
type MockProvider struct{}

// NewMockProvider creates a mock vision provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Analyze returns a canned chest radiograph assessment.
func (p *MockProvider) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Automated radiograph assessment (mock, %d bytes received).\n"+
			"Requested focus: %s\n\n"+
			"Findings:\n"+
			"- The cardiomediastinal silhouette is within normal limits.\n"+
			"- Lung fields are clear without focal consolidation.\n"+
			"- No pneumothorax or pleural effusion identified.\n\n"+
			"Confidence: high; image quality adequate.\n",
		len(image), prompt,
	), nil
}

// Healthy always succeeds for the mock provider.
func (p *MockProvider) Healthy(ctx context.Context) error {
	return nil
}
