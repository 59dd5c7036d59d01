package gateway

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"monkchat/internal/models"
)

// EinoCompleter runs completions through an eino chat model.
type EinoCompleter struct {
	model model.BaseChatModel
}

func NewEinoCompleter(m model.BaseChatModel) *EinoCompleter {
	return &EinoCompleter{model: m}
}

func (c *EinoCompleter) Complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]*schema.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := schema.User
		if m.Role == models.RoleAssistant {
			role = schema.Assistant
		}
		msg := &schema.Message{Role: role}
		if m.Parts == nil {
			msg.Content = m.Text
		} else {
			for _, p := range m.Parts {
				switch p.Kind {
				case models.PartText:
					msg.MultiContent = append(msg.MultiContent, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case models.PartImage:
					msg.MultiContent = append(msg.MultiContent, schema.ChatMessagePart{
						Type:     schema.ChatMessagePartTypeImageURL,
						ImageURL: &schema.ChatMessageImageURL{URL: p.ImageURL},
					})
				}
			}
		}
		msgs = append(msgs, msg)
	}

	var opts []model.Option
	if req.Temperature > 0 {
		opts = append(opts, model.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}

	out, err := c.model.Generate(ctx, msgs, opts...)
	if err != nil {
		return "", &Error{Detail: err.Error(), Err: err}
	}
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}
