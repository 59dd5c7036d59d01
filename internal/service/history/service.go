package history

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"monkchat/internal/blob"
	"monkchat/internal/storage"
)

const (
	DefaultUploadTTL             = 24 * time.Hour
	DefaultUploadCleanupInterval = time.Hour
)

// ErrUnauthenticated is returned when an operation that creates data has no user.
var ErrUnauthenticated = errors.New("unauthenticated")

// StoreError wraps a backend failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// Service persists sessions, messages and image uploads for signed-in users.
type Service struct {
	db        *storage.DB
	blobs     blob.Store
	logger    *zap.Logger
	uploadTTL time.Duration
}

// NewService builds the persistence service. blobs may be nil when uploads are unused.
func NewService(db *storage.DB, blobs blob.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, blobs: blobs, logger: logger, uploadTTL: DefaultUploadTTL}
}

// SetUploadTTL changes how long new uploads are kept.
func (s *Service) SetUploadTTL(ttl time.Duration) {
	if ttl > 0 {
		s.uploadTTL = ttl
	}
}
