package providers

import "context"

// VisionProvider produces a free-form medical analysis of an image. The text
// carries no structural guarantees; downstream validation turns it into a
// typed annotation.
type VisionProvider interface {
	// Analyze runs the vision model over the raw image bytes with the given
	// prompt and returns the model's text. Implementations classify failures
	// as UNAVAILABLE (model not loadable, endpoint unreachable), TIMEOUT, or
	// PROTOCOL (malformed remote response) via pkg/errors.
	Analyze(ctx context.Context, image []byte, prompt string) (string, error)

	// Healthy reports whether the provider can currently serve requests.
	Healthy(ctx context.Context) error
}
