package inline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"monkchat/internal/blob"
	"monkchat/internal/models"
)

// ReadError reports that the bytes behind an image handle could not be read.
type ReadError struct {
	Handle models.ImageHandle
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read image %d: %v", e.Handle.UploadID, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Inliner turns image handles into base64 data URIs.
type Inliner struct {
	store blob.Store
}

func NewInliner(store blob.Store) *Inliner {
	return &Inliner{store: store}
}

// DataURI reads the image behind handle and encodes it as data:<mime>;base64,<payload>.
// There is no size cap.
func (i *Inliner) DataURI(ctx context.Context, handle models.ImageHandle) (string, error) {
	if i == nil || i.store == nil {
		return "", &ReadError{Handle: handle, Err: errors.New("no blob store")}
	}
	rc, err := i.store.Open(ctx, handle.StorageKey)
	if err != nil {
		return "", &ReadError{Handle: handle, Err: err}
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return "", &ReadError{Handle: handle, Err: err}
	}
	mime := handle.MimeType
	if mime == "" {
		mime = http.DetectContentType(buf.Bytes())
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
