package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"monkchat/internal/models"
)

var errNoBlobStore = errors.New("blob store not configured")

// RecordUpload stores the bytes in the blob store and records the upload. The upload
// expires after the configured TTL.
func (s *Service) RecordUpload(ctx context.Context, user *models.User, fileName, mimeType string, size int64, r io.Reader) (*models.Upload, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if s.blobs == nil {
		return nil, storeErr("record upload", errNoBlobStore)
	}
	key := fmt.Sprintf("%d/%s%s", user.ID, uuid.NewString(), safeExt(fileName))
	if err := s.blobs.Put(ctx, key, r, size, mimeType); err != nil {
		return nil, storeErr("store upload", err)
	}

	now := time.Now().UTC()
	up := &models.Upload{
		UserID:     user.ID,
		StorageKey: key,
		FileName:   filepath.Base(fileName),
		MimeType:   mimeType,
		Size:       size,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.uploadTTL),
	}
	id, err := s.db.InsertID(ctx,
		`INSERT INTO image_uploads (user_id, storage_key, file_name, mime_type, size, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		up.UserID, up.StorageKey, up.FileName, up.MimeType, up.Size, up.CreatedAt, up.ExpiresAt,
	)
	if err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.logger.Warn("remove orphaned upload failed", zap.String("key", key), zap.Error(delErr))
		}
		return nil, storeErr("record upload", err)
	}
	up.ID = id
	return up, nil
}

// GetUpload returns one of the user's uploads.
func (s *Service) GetUpload(ctx context.Context, user *models.User, id int64) (*models.Upload, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	var up models.Upload
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, storage_key, file_name, mime_type, size, created_at, expires_at
		 FROM image_uploads WHERE id = ? AND user_id = ?`,
		id, user.ID,
	).Scan(&up.ID, &up.UserID, &up.StorageKey, &up.FileName, &up.MimeType, &up.Size, &up.CreatedAt, &up.ExpiresAt)
	if err != nil {
		return nil, storeErr("get upload", err)
	}
	return &up, nil
}

// GetUploads resolves ids in order. Any id the user does not own fails the whole call.
func (s *Service) GetUploads(ctx context.Context, user *models.User, ids []int64) ([]models.Upload, error) {
	uploads := make([]models.Upload, 0, len(ids))
	for _, id := range ids {
		up, err := s.GetUpload(ctx, user, id)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, *up)
	}
	return uploads, nil
}

// OpenUpload returns the upload record and a reader over its bytes.
func (s *Service) OpenUpload(ctx context.Context, user *models.User, id int64) (*models.Upload, io.ReadCloser, error) {
	up, err := s.GetUpload(ctx, user, id)
	if err != nil {
		return nil, nil, err
	}
	if s.blobs == nil {
		return nil, nil, storeErr("open upload", errNoBlobStore)
	}
	rc, err := s.blobs.Open(ctx, up.StorageKey)
	if err != nil {
		return nil, nil, storeErr("open upload", err)
	}
	return up, rc, nil
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		return ""
	}
	return ext
}
