// Package routes wires the gateway's handlers onto a *gin.Engine, the way
// the teacher's routes package groups endpoints under gin.RouterGroup and
// layers middleware per group rather than per route.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/genbridge/gateway/internal/handler"
	"github.com/genbridge/gateway/internal/server/middleware"
)

// Handlers bundles the handler instances Register wires onto the engine.
type Handlers struct {
	Chat   *handler.ChatHandler
	Files  *handler.FilesHandler
	Images *handler.ImagesHandler
	Status *handler.StatusHandler
}

// Register mounts the OpenAI-compatible surface and the image-serving
// surface onto engine. apiTokens drives the bearer-auth middleware guarding
// the /v1 group; the /images group stays unauthenticated, matching
// image_service.py's original plain static-file serving.
func Register(engine *gin.Engine, h *Handlers, apiTokens []string) {
	v1 := engine.Group("/v1")
	v1.Use(middleware.BearerAuth(apiTokens))
	{
		v1.POST("/chat/completions", h.Chat.Complete)
		v1.POST("/files", h.Files.Upload)
		v1.GET("/files/:id", h.Files.Get)
		v1.DELETE("/files/:id", h.Files.Delete)
		v1.GET("/models", h.Files.Models)
	}

	images := engine.Group("/images")
	{
		images.GET("/:conversation_id/:filename", h.Images.Serve)
	}

	if h.Status != nil {
		engine.GET("/internal/pool/status", h.Status.Status)
	}
}
