package vision

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/internal/domain/providers"
	"github.com/googolhealth/medannotator/backend/pkg/config"
)

// NewVisionProvider creates a vision provider for the configured mode.
func NewVisionProvider(cfg config.VisionConfig) (providers.VisionProvider, error) {
	switch cfg.Mode {
	case config.VisionModeLocal:
		log.Info().Str("model", cfg.ModelID).Str("device", cfg.Device).Msg("using local vision provider")
		return NewLocalProvider(cfg), nil
	case config.VisionModeRemote:
		log.Info().Str("endpoint", cfg.EndpointURL).Msg("using remote vision provider")
		return NewRemoteProvider(cfg)
	case config.VisionModeMock:
		log.Warn().Msg("using mock vision provider")
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown vision mode %q", cfg.Mode)
	}
}
