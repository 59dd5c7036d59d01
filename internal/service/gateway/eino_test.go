package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"monkchat/internal/models"
)

type fakeChatModel struct {
	input []*schema.Message
	opts  *model.Options
	out   *schema.Message
	err   error
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.input = input
	f.opts = model.GetCommonOptions(nil, opts...)
	return f.out, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func TestEinoCompleterConvertsMessages(t *testing.T) {
	fake := &fakeChatModel{out: schema.AssistantMessage("namaste", nil)}
	c := NewEinoCompleter(fake)
	reply, err := c.Complete(context.Background(), Request{
		Model:       "claude-sonnet",
		Temperature: 0.7,
		MaxTokens:   4000,
		Messages: []Message{
			{Role: models.RoleUser, Text: "hello"},
			{Role: models.RoleAssistant, Text: "hi"},
			{Role: models.RoleUser, Parts: []Part{
				{Kind: models.PartText, Text: "see"},
				{Kind: models.PartImage, ImageURL: "data:image/png;base64,AA=="},
			}},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "namaste" {
		t.Fatalf("reply = %q", reply)
	}
	if len(fake.input) != 3 || fake.input[1].Role != schema.Assistant || fake.input[0].Content != "hello" {
		t.Fatalf("unexpected input: %+v", fake.input)
	}
	multi := fake.input[2].MultiContent
	if len(multi) != 2 || multi[1].Type != schema.ChatMessagePartTypeImageURL || multi[1].ImageURL.URL != "data:image/png;base64,AA==" {
		t.Fatalf("unexpected multi content: %+v", multi)
	}
	if fake.opts.Temperature == nil || *fake.opts.Temperature != 0.7 {
		t.Fatalf("temperature option missing")
	}
	if fake.opts.MaxTokens == nil || *fake.opts.MaxTokens != 4000 {
		t.Fatalf("max tokens option missing")
	}
}

func TestEinoCompleterWrapsErrors(t *testing.T) {
	c := NewEinoCompleter(&fakeChatModel{err: errors.New("quota exceeded")})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: models.RoleUser, Text: "hi"}}})
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.Detail != "quota exceeded" {
		t.Fatalf("expected gateway error, got %v", err)
	}
}
