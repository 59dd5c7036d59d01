package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"monkchat/internal/models"
)

// StartUploadCleaner removes expired uploads every interval until ctx is done.
func (s *Service) StartUploadCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultUploadCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.CleanupExpiredUploads(ctx)
			if err != nil {
				s.logger.Error("cleanup uploads failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("expired uploads removed", zap.Int("count", removed))
			}
		}
	}
}

// CleanupExpiredUploads deletes uploads past their expiry from the blob store and the
// table, returning how many were removed.
func (s *Service) CleanupExpiredUploads(ctx context.Context) (int, error) {
	return s.removeUploads(ctx, "expired",
		`SELECT id, storage_key FROM image_uploads WHERE expires_at <= ?`, time.Now().UTC())
}

// DeleteUserUploads removes every upload the user owns, blobs included.
func (s *Service) DeleteUserUploads(ctx context.Context, user *models.User) (int, error) {
	if user == nil {
		return 0, ErrUnauthenticated
	}
	return s.removeUploads(ctx, "user",
		`SELECT id, storage_key FROM image_uploads WHERE user_id = ?`, user.ID)
}

func (s *Service) removeUploads(ctx context.Context, scope, query string, args ...any) (int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, storeErr("list "+scope+" uploads", err)
	}
	type uploadRow struct {
		id  int64
		key string
	}
	var pending []uploadRow
	for rows.Next() {
		var ur uploadRow
		if err := rows.Scan(&ur.id, &ur.key); err != nil {
			rows.Close()
			return 0, storeErr("scan "+scope+" upload", err)
		}
		pending = append(pending, ur)
	}
	rows.Close()

	removed := 0
	for _, ur := range pending {
		if s.blobs != nil {
			if err := s.blobs.Delete(ctx, ur.key); err != nil {
				s.logger.Warn("remove upload blob failed", zap.String("key", ur.key), zap.Error(err))
				continue
			}
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM image_uploads WHERE id = ?`, ur.id); err != nil {
			s.logger.Warn("delete upload record failed", zap.Int64("upload_id", ur.id), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
