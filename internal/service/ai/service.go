package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"monkchat/internal/config"
)

// NewChatModel builds the eino chat model for the configured provider. The API key comes
// from server-side configuration only.
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key for provider %s is not configured", cfg.Provider)
	}

	switch cfg.Provider {
	case "openai":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai model: %w", err)
		}
		return chatModel, nil
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini model: %w", err)
		}
		return chatModel, nil
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURL := cfg.BaseURL
			baseURLPtr = &baseURL
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("init claude model: %w", err)
		}
		return chatModel, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
}
