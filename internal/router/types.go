package router

import (
	"strings"

	"github.com/genbridge/gateway/internal/domain"
)

// ChatRequest is one turn submitted to the Router (spec §4.J `chat`):
// everything needed to compose the upstream query and route it onto a
// bound conversation/account pair.
type ChatRequest struct {
	ConversationID string
	Message        string
	FileIDs        []string // already resolved to Upstream's widgetStreamAssist fileIds shape
	Model          string
	SystemPrompt   string
	History        []domain.ChatMessage
}

// GeneratedImage is one image Upstream returned inline or that the Router
// downloaded from a session file reference, ready to hand back to the
// OpenAI-compatible surface.
type GeneratedImage struct {
	Base64Data string
	MimeType   string
	FileName   string
	FilePath   string
}

// ChatResult is the Router's answer to one ChatRequest (chat_service.py's
// ChatResult).
type ChatResult struct {
	Text                  string
	Images                []GeneratedImage
	PromptTokens          int
	CompletionTokens      int
	ImageGenerationFailed bool
	ImageGenerationError  string
	SessionName           string
}

var imageGenerationModelHints = []string{
	"nano-banana", "gemini-3-pro-image", "imagen", "image-gen", "imagegeneration",
}

// isImageModel reports whether model names one of Upstream's image-capable
// models, so the Router knows to ask for imageGenerationSpec and to run the
// image-generation-failure detector on the reply.
func isImageModel(model string) bool {
	if model == "" {
		return false
	}
	lower := strings.ToLower(model)
	for _, hint := range imageGenerationModelHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
