package content

import (
	"strings"

	"monkchat/internal/models"
)

// MaxImages caps the images attached to one send.
const MaxImages = 5

// AcceptsImage reports whether an upload of this MIME type can be attached to a message.
func AcceptsImage(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/")
}

// FilterImages keeps image handles only, in order, capped at MaxImages.
func FilterImages(images []models.ImageHandle) []models.ImageHandle {
	kept := make([]models.ImageHandle, 0, min(len(images), MaxImages))
	for _, img := range images {
		if len(kept) == MaxImages {
			break
		}
		if AcceptsImage(img.MimeType) {
			kept = append(kept, img)
		}
	}
	return kept
}

// IsEmpty reports input that must be rejected before it is normalized.
func IsEmpty(text string, images []models.ImageHandle) bool {
	return strings.TrimSpace(text) == "" && len(FilterImages(images)) == 0
}

// Normalize turns raw input into message content: the trimmed text when there are no
// images, otherwise an optional text part followed by one image part per image.
func Normalize(text string, images []models.ImageHandle) models.Content {
	text = strings.TrimSpace(text)
	kept := FilterImages(images)
	if len(kept) == 0 {
		return models.TextContent(text)
	}

	parts := make([]models.Part, 0, len(kept)+1)
	if text != "" {
		parts = append(parts, models.TextPart(text))
	}
	for i := range kept {
		handle := kept[i]
		parts = append(parts, models.ImagePart(handle.DisplayURL(), &handle))
	}
	return models.PartsContent(parts...)
}
