package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

const uploadField = "image"

var errNotImage = errors.New("unsupported file type")

// sniffImage reads the head of an uploaded file and returns its detected
// mime type with the extension to store it under.
func sniffImage(fh *multipart.FileHeader) (string, string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", "", err
	}
	mime := http.DetectContentType(head[:n])
	if !strings.HasPrefix(mime, "image/") {
		return mime, "", errNotImage
	}
	ext, ok := imageExtensions[mime]
	if !ok {
		ext = strings.ToLower(filepath.Ext(fh.Filename))
	}
	return mime, ext, nil
}

// upload stores one image under FileBaseDir with a random name and answers
// 201 with its public URL.
func (h *Handler) upload(c *gin.Context) {
	limit := h.opts.MaxUploadBytes
	// leave room for the multipart envelope
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	fh, err := c.FormFile(uploadField)
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	case fh.Size > limit:
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	mime, ext, err := sniffImage(fh)
	if errors.Is(err, errNotImage) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}

	if err := os.MkdirAll(h.opts.FileBaseDir, 0o755); err != nil {
		h.log.Error().Err(err).Str("dir", h.opts.FileBaseDir).Msg("upload dir unavailable")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	stored := uuid.NewString() + ext
	if err := c.SaveUploadedFile(fh, filepath.Join(h.opts.FileBaseDir, stored)); err != nil {
		h.log.Error().Err(err).Str("file", stored).Msg("save upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	h.log.Info().Str("file", stored).Int64("size", fh.Size).Str("mime", mime).Msg("image uploaded")
	c.JSON(http.StatusCreated, gin.H{
		"url":  "/uploads/" + stored,
		"name": filepath.Base(fh.Filename),
		"size": fh.Size,
		"mime": mime,
	})
}
