package models

import (
	"fmt"
	"time"
)

// Upload is the stored record behind an image attached to a message.
type Upload struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	StorageKey string    `json:"-"`
	FileName   string    `json:"file_name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Handle returns the transient reference carried by image parts until they are sent.
func (u *Upload) Handle() *ImageHandle {
	return &ImageHandle{
		UploadID:   u.ID,
		OwnerID:    u.UserID,
		StorageKey: u.StorageKey,
		MimeType:   u.MimeType,
	}
}

// ImageHandle points at uploaded image bytes. It is never serialized.
type ImageHandle struct {
	UploadID   int64
	OwnerID    int64
	StorageKey string
	MimeType   string
}

// DisplayURL is the address the browser uses to render the image.
func (h *ImageHandle) DisplayURL() string {
	return fmt.Sprintf("/api/users/%d/uploads/%d", h.OwnerID, h.UploadID)
}
