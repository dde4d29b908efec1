package handler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/mediajobs/internal/api/dto"
	"github.com/cuongbtq/mediajobs/internal/objectstore"
	"github.com/cuongbtq/mediajobs/internal/objectstore/local"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// sniffLen is how much of an object is read for content type detection.
const sniffLen = 3072

// ObjectHandler serves the signed URLs issued by the filesystem object store
type ObjectHandler struct {
	logger         *slog.Logger
	store          *local.Store
	maxUploadBytes int64
}

// NewObjectHandler creates a new ObjectHandler instance
func NewObjectHandler(deps *Dependencies) *ObjectHandler {
	return &ObjectHandler{
		logger:         deps.Logger,
		store:          deps.LocalObjects,
		maxUploadBytes: deps.MaxUploadBytes,
	}
}

// PutObject handles PUT /objects/*key
func (h *ObjectHandler) PutObject(c *gin.Context) {
	key, ok := h.authorize(c, local.OpPut)
	if !ok {
		return
	}

	body := c.Request.Body
	if h.maxUploadBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxUploadBytes)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		h.uploadError(c, key, err)
		return
	}
	head = head[:n]

	size, err := h.store.Write(c.Request.Context(), key, io.MultiReader(bytes.NewReader(head), body))
	if err != nil {
		h.uploadError(c, key, err)
		return
	}

	contentType := mimetype.Detect(head).String()
	h.logger.Info("Object uploaded",
		slog.String("key", key),
		slog.Int64("size", size),
		slog.String("content_type", contentType),
	)

	c.JSON(http.StatusOK, dto.ObjectResponse{
		Key:         key,
		Size:        size,
		ContentType: contentType,
	})
}

// GetObject handles GET /objects/*key
func (h *ObjectHandler) GetObject(c *gin.Context) {
	key, ok := h.authorize(c, local.OpGet)
	if !ok {
		return
	}

	rc, err := h.store.Open(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Object not found",
			})
			return
		}
		h.logger.Error("Failed to open object", slog.String("key", key), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read object",
		})
		return
	}
	defer rc.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		h.logger.Error("Failed to read object", slog.String("key", key), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read object",
		})
		return
	}
	head = head[:n]

	contentType := mimetype.Detect(head).String()
	c.DataFromReader(http.StatusOK, -1, contentType, io.MultiReader(bytes.NewReader(head), rc), nil)
}

func (h *ObjectHandler) authorize(c *gin.Context, op string) (string, bool) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	err := h.store.Verify(op, key, c.Query("expires"), c.Query("sig"))
	if err == nil {
		return key, true
	}

	h.logger.Warn("Rejected object request",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusForbidden, gin.H{
		"error": err.Error(),
	})
	return "", false
}

func (h *ObjectHandler) uploadError(c *gin.Context, key string, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "Upload too large",
		})
		return
	}

	h.logger.Error("Failed to store object", slog.String("key", key), slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Failed to store object",
	})
}
