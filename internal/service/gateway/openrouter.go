package gateway

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"monkchat/internal/config"
	"monkchat/internal/models"
)

// OpenRouterCompleter calls an OpenAI-compatible chat completions endpoint.
type OpenRouterCompleter struct {
	client *openai.Client
}

// NewOpenRouterCompleter builds the client from server-side settings. Referer and
// AppTitle are sent as OpenRouter attribution headers when set.
func NewOpenRouterCompleter(cfg config.LLMConfig) (*OpenRouterCompleter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Transport: &attributionTransport{
			base:    http.DefaultTransport,
			referer: cfg.Referer,
			title:   cfg.AppTitle,
		},
	}
	return &OpenRouterCompleter{client: openai.NewClientWithConfig(clientCfg)}, nil
}

func (c *OpenRouterCompleter) Complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: openAIRole(m.Role)}
		if m.Parts == nil {
			msg.Content = m.Text
		} else {
			msg.MultiContent = make([]openai.ChatMessagePart, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Kind {
				case models.PartText:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case models.PartImage:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL},
					})
				}
			}
		}
		msgs = append(msgs, msg)
	}

	ccReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		ccReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		temperature := req.Temperature
		ccReq.Temperature = &temperature
	}

	resp, err := c.client.CreateChatCompletion(ctx, ccReq)
	if err != nil {
		return "", toGatewayError(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIRole(role models.Role) string {
	if role == models.RoleAssistant {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

func toGatewayError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Status: apiErr.HTTPStatusCode, Detail: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			detail = reqErr.Err.Error()
		}
		return &Error{Status: reqErr.HTTPStatusCode, Detail: detail, Err: err}
	}
	return &Error{Detail: err.Error(), Err: err}
}

type attributionTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *attributionTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	if t.referer != "" {
		r.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		r.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(r)
}
