package provider

import (
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/chatrelay/internal/config"
)

// New creates the provider selected by cfg.Provider.
func New(cfg *config.Config) Provider {
	if cfg.Provider == config.ProviderMock {
		log.Info().Str("component", "provider").Msg("mock provider selected, no assistant API calls will be made")
		return NewMock()
	}
	return NewOpenAI(OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		AssistantID: cfg.AssistantID,
	})
}
