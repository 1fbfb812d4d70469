package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
	"github.com/genbridge/gateway/internal/router"
)

// FileUploader is the subset of *router.Router the Files handler drives.
type FileUploader interface {
	UploadFile(ctx context.Context, conversationID, filename, mimeType, contentBase64 string) (*router.UploadedFile, error)
}

// FileStore is the subset of *repository.FileStore the Files handler needs.
type FileStore interface {
	Create(ctx context.Context, m *domain.FileMapping) error
	Get(ctx context.Context, openAIFileID string) (*domain.FileMapping, bool, error)
	Delete(ctx context.Context, openAIFileID string) (bool, error)
}

// FilesHandler serves /v1/files and /v1/models, grounded on
// file_upload_service.py's upload_and_map/get_mapping/delete_file and the
// static model list original_source's settings module hard-codes.
type FilesHandler struct {
	uploads FileUploader
	files   FileStore
	models  []config.ModelConfig
	log     *zap.Logger
}

func NewFilesHandler(uploads FileUploader, files FileStore, models []config.ModelConfig, log *zap.Logger) *FilesHandler {
	return &FilesHandler{uploads: uploads, files: files, models: models, log: log}
}

// Upload handles POST /v1/files: a conversation_id form field plus a
// multipart file, attached to the conversation's bound Upstream session and
// recorded locally under a freshly minted OpenAI-shaped file id.
func (h *FilesHandler) Upload(c *gin.Context) {
	conversationID := c.PostForm("conversation_id")
	if conversationID == "" {
		h.errorJSON(c, http.StatusBadRequest, "invalid_request_error", "conversation_id is required")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.errorJSON(c, http.StatusBadRequest, "invalid_request_error", "file is required")
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		h.errorJSON(c, http.StatusBadRequest, "invalid_request_error", "failed to read uploaded file")
		return
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, 64<<20))
	if err != nil {
		h.errorJSON(c, http.StatusBadRequest, "invalid_request_error", "failed to read uploaded file")
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	encoded := base64.StdEncoding.EncodeToString(content)

	uploaded, err := h.uploads.UploadFile(c.Request.Context(), conversationID, fileHeader.Filename, mimeType, encoded)
	if err != nil {
		if h.log != nil {
			h.log.Warn("files_handler: upload failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		h.errorJSON(c, http.StatusBadGateway, "server_error", "file upload failed")
		return
	}

	openAIFileID := "file-" + newRandomID()
	mapping := &domain.FileMapping{
		OpenAIFileID:   openAIFileID,
		UpstreamFileID: uploaded.UpstreamFileID,
		SessionName:    uploaded.SessionName,
		MimeType:       mimeType,
		Bytes:          content,
	}
	if err := h.files.Create(c.Request.Context(), mapping); err != nil {
		if h.log != nil {
			h.log.Error("files_handler: persist mapping failed", zap.String("openai_file_id", openAIFileID), zap.Error(err))
		}
		h.errorJSON(c, http.StatusInternalServerError, "server_error", "failed to persist uploaded file")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":       openAIFileID,
		"object":   "file",
		"bytes":    len(content),
		"filename": fileHeader.Filename,
		"purpose":  "assistants",
	})
}

// Get handles GET /v1/files/{id}.
func (h *FilesHandler) Get(c *gin.Context) {
	id := c.Param("id")
	mapping, ok, err := h.files.Get(c.Request.Context(), id)
	if err != nil {
		h.errorJSON(c, http.StatusInternalServerError, "server_error", "failed to load file")
		return
	}
	if !ok {
		h.errorJSON(c, http.StatusNotFound, "not_found_error", "no such file")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       mapping.OpenAIFileID,
		"object":   "file",
		"bytes":    len(mapping.Bytes),
		"purpose":  "assistants",
	})
}

// Delete handles DELETE /v1/files/{id}.
func (h *FilesHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	deleted, err := h.files.Delete(c.Request.Context(), id)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.errorJSON(c, http.StatusInternalServerError, "server_error", "failed to delete file")
		return
	}
	if !deleted {
		h.errorJSON(c, http.StatusNotFound, "not_found_error", "no such file")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "object": "file", "deleted": true})
}

// Models handles GET /v1/models, serving the configured model list in the
// OpenAI-compatible shape.
func (h *FilesHandler) Models(c *gin.Context) {
	data := make([]gin.H, 0, len(h.models))
	for _, m := range h.models {
		if !m.Enabled {
			continue
		}
		data = append(data, gin.H{
			"id":       m.ID,
			"object":   "model",
			"owned_by": "genbridge",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (h *FilesHandler) errorJSON(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{"type": errType, "message": message}})
}
