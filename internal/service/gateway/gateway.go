package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"monkchat/internal/config"
	"monkchat/internal/models"
)

// NoResponse is the reply used when the endpoint answers without content.
const NoResponse = "No response received"

// ImageUnavailable stands in for a turn whose images could all not be sent.
const ImageUnavailable = "[image unavailable]"

const maxConcurrentInlines = 8

// Error is a failed completion call. Status is 0 for transport failures.
type Error struct {
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm request failed with status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("llm request failed: %s", e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Part is one element of an outbound multimodal message. ImageURL is absolute or a data URI.
type Part struct {
	Kind     models.PartKind
	Text     string
	ImageURL string
}

// Message is one outbound turn. Parts is nil for plain text.
type Message struct {
	Role  models.Role
	Text  string
	Parts []Part
}

// Request is the full completion payload.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Completer performs one non-streaming completion call and returns the first choice's
// text, which may be empty.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ImageInliner turns an image handle into a data URI.
type ImageInliner interface {
	DataURI(ctx context.Context, handle models.ImageHandle) (string, error)
}

// Gateway assembles conversation requests and extracts the reply.
type Gateway struct {
	completer   Completer
	inliner     ImageInliner
	model       string
	temperature float32
	maxTokens   int
	logger      *zap.Logger
}

func NewGateway(completer Completer, inliner ImageInliner, cfg config.LLMConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		completer:   completer,
		inliner:     inliner,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}
}

// Reply sends the whole conversation and returns the assistant's answer. Images are
// inlined concurrently; an image that cannot be read is dropped from the request.
func (g *Gateway) Reply(ctx context.Context, conversation []models.Message) (string, error) {
	if g.completer == nil {
		return "", &Error{Detail: "no completion endpoint configured", Err: errors.New("nil completer")}
	}
	req := Request{
		Model:       g.model,
		Messages:    g.buildMessages(ctx, conversation),
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}
	reply, err := g.completer.Complete(ctx, req)
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) {
			return "", gwErr
		}
		return "", &Error{Detail: err.Error(), Err: err}
	}
	if reply == "" {
		return NoResponse, nil
	}
	return reply, nil
}

type inlineSlot struct {
	uri string
	ok  bool
}

func (g *Gateway) buildMessages(ctx context.Context, conversation []models.Message) []Message {
	slots := make([][]inlineSlot, len(conversation))
	var grp errgroup.Group
	grp.SetLimit(maxConcurrentInlines)
	for i, msg := range conversation {
		if !msg.Content.IsMultimodal() {
			continue
		}
		parts := msg.Content.Parts()
		slots[i] = make([]inlineSlot, len(parts))
		for j, part := range parts {
			if part.Kind != models.PartImage || part.Handle == nil {
				continue
			}
			handle := *part.Handle
			slot := &slots[i][j]
			grp.Go(func() error {
				uri, err := g.inline(ctx, handle)
				if err != nil {
					g.logger.Warn("image dropped from request",
						zap.Int64("upload_id", handle.UploadID),
						zap.Error(err),
					)
					return nil
				}
				slot.uri, slot.ok = uri, true
				return nil
			})
		}
	}
	_ = grp.Wait()

	out := make([]Message, 0, len(conversation))
	for i, msg := range conversation {
		if !msg.Content.IsMultimodal() {
			out = append(out, Message{Role: msg.Role, Text: msg.Content.PlainText()})
			continue
		}
		parts := msg.Content.Parts()
		outParts := make([]Part, 0, len(parts))
		for j, part := range parts {
			switch part.Kind {
			case models.PartText:
				outParts = append(outParts, Part{Kind: models.PartText, Text: part.Text})
			case models.PartImage:
				if part.Handle != nil {
					if slots[i][j].ok {
						outParts = append(outParts, Part{Kind: models.PartImage, ImageURL: slots[i][j].uri})
					}
					continue
				}
				if isRemoteURL(part.URL) {
					outParts = append(outParts, Part{Kind: models.PartImage, ImageURL: part.URL})
				}
			}
		}
		if len(outParts) == 0 {
			// an empty part list goes out without a content field
			out = append(out, Message{Role: msg.Role, Text: ImageUnavailable})
			continue
		}
		out = append(out, Message{Role: msg.Role, Parts: outParts})
	}
	return out
}

func (g *Gateway) inline(ctx context.Context, handle models.ImageHandle) (string, error) {
	if g.inliner == nil {
		return "", errors.New("no image inliner")
	}
	return g.inliner.DataURI(ctx, handle)
}

func isRemoteURL(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:")
}
