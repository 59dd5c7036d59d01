package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PartKind tags one element of multimodal content.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Part is one element of multimodal content. Handle is only set between upload and send.
type Part struct {
	Kind   PartKind     `json:"type"`
	Text   string       `json:"text,omitempty"`
	URL    string       `json:"url,omitempty"`
	Handle *ImageHandle `json:"-"`
}

func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

func ImagePart(url string, handle *ImageHandle) Part {
	return Part{Kind: PartImage, URL: url, Handle: handle}
}

// Content is either plain text or an ordered list of parts. The zero value is empty
// plain text.
type Content struct {
	text  string
	parts []Part
}

// TextContent builds plain-text content.
func TextContent(text string) Content {
	return Content{text: text}
}

// PartsContent builds multimodal content. The parts are copied.
func PartsContent(parts ...Part) Content {
	return Content{parts: append([]Part{}, parts...)}
}

// IsMultimodal reports whether the content is the part-list form.
func (c Content) IsMultimodal() bool {
	return c.parts != nil
}

// PlainText returns the string of plain-text content and "" for multimodal content.
func (c Content) PlainText() string {
	return c.text
}

// Parts returns a copy of the parts of multimodal content.
func (c Content) Parts() []Part {
	if c.parts == nil {
		return nil
	}
	return append([]Part{}, c.parts...)
}

// FirstText returns the first text part of multimodal content.
func (c Content) FirstText() (Part, bool) {
	for _, p := range c.parts {
		if p.Kind == PartText {
			return p, true
		}
	}
	return Part{}, false
}

// Images returns the image parts of multimodal content.
func (c Content) Images() []Part {
	var images []Part
	for _, p := range c.parts {
		if p.Kind == PartImage {
			images = append(images, p)
		}
	}
	return images
}

// Text renders the content as display text.
func (c Content) Text() string {
	if !c.IsMultimodal() {
		return c.text
	}
	var texts []string
	for _, p := range c.parts {
		if p.Kind == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// IsEmpty reports content that must not become a message.
func (c Content) IsEmpty() bool {
	if c.IsMultimodal() {
		return len(c.parts) == 0
	}
	return strings.TrimSpace(c.text) == ""
}

// WithoutHandles drops the transient image handles, keeping URLs.
func (c Content) WithoutHandles() Content {
	if !c.IsMultimodal() {
		return c
	}
	parts := c.Parts()
	for i := range parts {
		parts[i].Handle = nil
	}
	return Content{parts: parts}
}

// MarshalJSON encodes plain text as a JSON string and parts as a JSON array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultimodal() {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("decode text content: %w", err)
		}
		*c = TextContent(text)
	case '[':
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("decode content parts: %w", err)
		}
		for _, p := range parts {
			if p.Kind != PartText && p.Kind != PartImage {
				return fmt.Errorf("unknown content part type %q", p.Kind)
			}
		}
		*c = PartsContent(parts...)
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
	return nil
}
