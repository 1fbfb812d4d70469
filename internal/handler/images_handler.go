package handler

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/domain"
)

// BindingResolver is the subset of *binder.Binder the Images handler needs:
// only enough to locate a conversation's ImageDirPath without touching
// Upstream, so a previously generated image can be re-served after a
// restart.
type BindingResolver interface {
	GetOrCreate(ctx context.Context, conversationID string) (*domain.Binding, error)
}

// ImagesHandler serves GET /images/{conversation_id}/{filename}, the static
// file surface image_service.py's disk cache backs.
type ImagesHandler struct {
	binder BindingResolver
	log    *zap.Logger
}

func NewImagesHandler(binder BindingResolver, log *zap.Logger) *ImagesHandler {
	return &ImagesHandler{binder: binder, log: log}
}

// Serve handles GET /images/{conversation_id}/{filename}. Both path segments
// are cleaned before joining so a crafted filename (e.g. "../../etc/passwd")
// cannot escape the conversation's own image directory.
func (h *ImagesHandler) Serve(c *gin.Context) {
	conversationID := sanitizeSegment(c.Param("conversation_id"))
	filename := sanitizeSegment(c.Param("filename"))
	if conversationID == "" || filename == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	binding, err := h.binder.GetOrCreate(c.Request.Context(), conversationID)
	if err != nil || binding.ImageDirPath == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	path := filepath.Join(binding.ImageDirPath, filename)
	if !strings.HasPrefix(path, filepath.Clean(binding.ImageDirPath)+string(filepath.Separator)) {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	c.File(path)
}

// sanitizeSegment strips any path separators or traversal components a URL
// path parameter might smuggle in, leaving a bare file/dir name.
func sanitizeSegment(segment string) string {
	cleaned := filepath.Base(filepath.Clean("/" + segment))
	if cleaned == "." || cleaned == "/" || cleaned == ".." {
		return ""
	}
	return cleaned
}
