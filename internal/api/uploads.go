package api

import (
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"monkchat/internal/auth"
	"monkchat/internal/content"
	"monkchat/internal/models"
	"monkchat/internal/service/history"
)

const maxUploadBytes = 10 << 20 // 10 MB per image

func (h *Handler) uploadImages(c *gin.Context) {
	user := auth.UserFromContext(c)
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	files := c.Request.MultipartForm.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "files are required"})
		return
	}
	for _, file := range files {
		if file.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large", "file_name": filepath.Base(file.Filename)})
			return
		}
	}

	uploads := make([]models.Upload, 0, len(files))
	skipped := make([]string, 0)
	for _, file := range files {
		if len(uploads) == content.MaxImages {
			skipped = append(skipped, filepath.Base(file.Filename))
			continue
		}
		upload, ok, err := h.storeImage(c, user, file)
		if err != nil {
			h.logger.Error("store upload failed", zap.Int64("user_id", user.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
			return
		}
		if !ok {
			skipped = append(skipped, filepath.Base(file.Filename))
			continue
		}
		uploads = append(uploads, *upload)
	}
	c.JSON(http.StatusCreated, gin.H{
		"uploads": uploads,
		"skipped": skipped,
	})
}

// storeImage records one multipart file. ok is false when the payload is not an image.
func (h *Handler) storeImage(c *gin.Context, user *models.User, file *multipart.FileHeader) (*models.Upload, bool, error) {
	f, err := file.Open()
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	contentType := http.DetectContentType(buf[:n])
	if !content.AcceptsImage(contentType) {
		return nil, false, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, false, err
	}
	upload, err := h.history.RecordUpload(c.Request.Context(), user, filepath.Base(file.Filename), contentType, file.Size, f)
	if err != nil {
		return nil, false, err
	}
	return upload, true, nil
}

func (h *Handler) getUpload(c *gin.Context) {
	uploadID, err := strconv.ParseInt(c.Param("upload_id"), 10, 64)
	if err != nil || uploadID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload_id"})
		return
	}
	upload, body, err := h.history.OpenUpload(c.Request.Context(), auth.UserFromContext(c), uploadID)
	if err != nil {
		if history.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
			return
		}
		h.storeFailure(c, err, "upload not found")
		return
	}
	defer body.Close()
	c.Header("Cache-Control", "private, max-age=3600")
	c.DataFromReader(http.StatusOK, upload.Size, upload.MimeType, body, nil)
}
