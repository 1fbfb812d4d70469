// Package handler adapts the OpenAI-compatible HTTP surface (spec §6) onto
// the Request Router. Grounded on original_source/backend/GGM/app/api/'s
// FastAPI route bodies and on the gin/zap/panic-recovery idiom the deleted
// openai_gateway_handler.go used (see DESIGN.md), rebuilt here against
// router.Router directly rather than the teacher's multi-tenant gateway
// service, which this spec has no counterpart for.
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/domain"
	apperrors "github.com/genbridge/gateway/internal/pkg/errors"
	"github.com/genbridge/gateway/internal/pkg/httputil"
	"github.com/genbridge/gateway/internal/pkg/ip"
	"github.com/genbridge/gateway/internal/router"
)

// ChatService is the subset of *router.Router the Chat handler drives.
type ChatService interface {
	Chat(ctx context.Context, req router.ChatRequest) (*router.ChatResult, error)
}

// ChatHandler serves POST /v1/chat/completions.
type ChatHandler struct {
	router ChatService
	log    *zap.Logger
}

func NewChatHandler(r ChatService, log *zap.Logger) *ChatHandler {
	return &ChatHandler{router: r, log: log}
}

// Complete handles POST /v1/chat/completions (spec §6): parses the OpenAI
// chat-completion request body, resolves a conversation id (minting one if
// absent), drives router.Router.Chat, and frames the reply either as a
// single JSON object or, when stream=true, as the SSE contract spec §6
// fixes bit-for-bit.
func (h *ChatHandler) Complete(c *gin.Context) {
	defer h.recoverPanic(c)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 32<<20)
	body, err := httputil.ReadRequestBodyWithPrealloc(c.Request)
	if err != nil {
		h.errorJSON(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if !gjson.ValidBytes(body) {
		h.errorJSON(c, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		h.errorJSON(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()

	conversationID := gjson.GetBytes(body, "conversation_id").String()
	if conversationID == "" {
		conversationID = newConversationID()
	}

	history, lastMessage, err := parseMessages(gjson.GetBytes(body, "messages"))
	if err != nil {
		h.errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	fileIDs := make([]string, 0)
	for _, f := range gjson.GetBytes(body, "file_ids").Array() {
		fileIDs = append(fileIDs, f.String())
	}

	result, chatErr := h.router.Chat(c.Request.Context(), router.ChatRequest{
		ConversationID: conversationID,
		Message:        lastMessage.text,
		FileIDs:        append(fileIDs, lastMessage.fileIDs...),
		Model:          model,
		History:        history,
	})
	if chatErr != nil {
		if h.log != nil {
			h.log.Warn("chat_handler: router.Chat failed", zap.String("conversation_id", conversationID), zap.Error(chatErr))
		}
		h.respondError(c, stream, chatErr)
		return
	}

	if result.Text == "" && len(result.Images) == 0 {
		h.respondEmptyUpstream(c, stream)
		return
	}

	created := time.Now().Unix()
	if stream {
		h.writeStream(c, conversationID, model, created, result)
		return
	}
	h.writeJSON(c, conversationID, model, created, result)
}

type parsedMessage struct {
	text    string
	fileIDs []string
}

// parseMessages folds every turn but the last into router.ChatRequest's
// History (the Conversation Binder's own persisted history already covers
// earlier turns; spec §4.J composes only the latest message plus whatever
// history the caller chooses to resend) and extracts the final user turn's
// text/images/file references, mirroring file_upload_service.py's
// extract_images_from_openai_content / extract_file_ids_from_content for
// OpenAI's string-or-content-array message shape.
func parseMessages(messages gjson.Result) ([]domain.ChatMessage, parsedMessage, error) {
	items := messages.Array()
	if len(items) == 0 {
		return nil, parsedMessage{}, fmt.Errorf("messages must not be empty")
	}

	history := make([]domain.ChatMessage, 0, len(items)-1)
	for _, m := range items[:len(items)-1] {
		history = append(history, domain.ChatMessage{
			Role:    m.Get("role").String(),
			Content: flattenContent(m.Get("content")),
		})
	}

	last := items[len(items)-1]
	parsed := parsedMessage{text: flattenContent(last.Get("content"))}
	for _, part := range last.Get("content").Array() {
		if part.Get("type").String() != "file" {
			continue
		}
		if id := part.Get("file_id").String(); id != "" {
			parsed.fileIDs = append(parsed.fileIDs, id)
			continue
		}
		if id := part.Get("file.file_id").String(); id != "" {
			parsed.fileIDs = append(parsed.fileIDs, id)
		} else if id := part.Get("file.id").String(); id != "" {
			parsed.fileIDs = append(parsed.fileIDs, id)
		}
	}
	return history, parsed, nil
}

// flattenContent handles both OpenAI content shapes: a plain string, or an
// array of {type:"text"|"image_url"|"file", ...} parts, joining every text
// part the way extract_images_from_openai_content's Python counterpart does.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var text string
	for i, part := range content.Array() {
		if part.Get("type").String() != "text" {
			continue
		}
		if i > 0 && text != "" {
			text += "\n"
		}
		text += part.Get("text").String()
	}
	return text
}

func (h *ChatHandler) writeJSON(c *gin.Context, conversationID, model string, created int64, result *router.ChatResult) {
	doc := `{}`
	doc, _ = sjson.Set(doc, "id", "chatcmpl-"+newRandomID())
	doc, _ = sjson.Set(doc, "object", "chat.completion")
	doc, _ = sjson.Set(doc, "created", created)
	doc, _ = sjson.Set(doc, "model", model)
	doc, _ = sjson.Set(doc, "conversation_id", conversationID)
	doc, _ = sjson.Set(doc, "choices.0.index", 0)
	doc, _ = sjson.Set(doc, "choices.0.message.role", "assistant")
	doc, _ = sjson.Set(doc, "choices.0.message.content", messageContent(result))
	doc, _ = sjson.Set(doc, "choices.0.finish_reason", "stop")
	doc, _ = sjson.Set(doc, "usage.prompt_tokens", result.PromptTokens)
	doc, _ = sjson.Set(doc, "usage.completion_tokens", result.CompletionTokens)
	doc, _ = sjson.Set(doc, "usage.total_tokens", result.PromptTokens+result.CompletionTokens)
	if result.ImageGenerationFailed {
		doc, _ = sjson.Set(doc, "warning", result.ImageGenerationError)
	}
	c.Data(http.StatusOK, "application/json", []byte(doc))
}

// writeStream implements spec §6's streaming contract exactly: an out-of-
// band conversation_id event before any content chunk, a single content
// chunk (the Router has already materialized the full reply; there is no
// incremental Upstream stream to forward, see DESIGN.md), then [DONE].
func (h *ChatHandler) writeStream(c *gin.Context, conversationID, model string, created int64, result *router.ChatResult) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, _ := c.Writer.(http.Flusher)
	write := func(payload string) {
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	idDoc, _ := sjson.Set(`{}`, "conversation_id", conversationID)
	write(idDoc)

	chunkID := "chatcmpl-" + newRandomID()
	chunk := `{}`
	chunk, _ = sjson.Set(chunk, "id", chunkID)
	chunk, _ = sjson.Set(chunk, "object", "chat.completion.chunk")
	chunk, _ = sjson.Set(chunk, "created", created)
	chunk, _ = sjson.Set(chunk, "model", model)
	chunk, _ = sjson.Set(chunk, "choices.0.index", 0)
	chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
	chunk, _ = sjson.Set(chunk, "choices.0.delta.content", messageContent(result))
	chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", nil)
	write(chunk)

	finalChunk := `{}`
	finalChunk, _ = sjson.Set(finalChunk, "id", chunkID)
	finalChunk, _ = sjson.Set(finalChunk, "object", "chat.completion.chunk")
	finalChunk, _ = sjson.Set(finalChunk, "created", created)
	finalChunk, _ = sjson.Set(finalChunk, "model", model)
	finalChunk, _ = sjson.Set(finalChunk, "choices.0.index", 0)
	finalChunk, _ = sjson.Set(finalChunk, "choices.0.delta", map[string]any{})
	finalChunk, _ = sjson.Set(finalChunk, "choices.0.finish_reason", "stop")
	write(finalChunk)

	write("[DONE]")
}

// messageContent renders the text reply plus, when the Router returned
// generated images, a markdown image link per image so an OpenAI-shaped
// text-only client still sees something actionable.
func messageContent(result *router.ChatResult) string {
	text := result.Text
	for _, img := range result.Images {
		if img.FilePath == "" {
			continue
		}
		text += fmt.Sprintf("\n\n![generated image](%s)", img.FilePath)
	}
	return text
}

func (h *ChatHandler) respondEmptyUpstream(c *gin.Context, stream bool) {
	if !stream {
		h.errorJSON(c, http.StatusBadGateway, "server_error", "upstream returned an empty response")
		return
	}
	c.Header("Content-Type", "text/event-stream")
	payload := `{"error":{"message":"upstream returned an empty response","type":"server_error"}}`
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

// respondError renders err through apperrors.ToHTTP, the one place that
// knows how an AppError's Code/Reason/Message become a status line and an
// OpenAI-shaped error body.
func (h *ChatHandler) respondError(c *gin.Context, stream bool, err error) {
	status, body := apperrors.ToHTTP(err)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if !stream {
		h.errorJSON(c, status, body.Reason, body.Message)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	payload := fmt.Sprintf(`{"error":{"message":%q,"type":%q}}`, body.Message, body.Reason)
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (h *ChatHandler) errorJSON(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{"type": errType, "message": message}})
}

func (h *ChatHandler) recoverPanic(c *gin.Context) {
	recovered := recover()
	if recovered == nil {
		return
	}
	if !c.Writer.Written() {
		h.errorJSON(c, http.StatusInternalServerError, "server_error", "internal error")
	}
	if h.log != nil {
		h.log.Error("chat_handler: panic recovered",
			zap.Any("panic", recovered),
			zap.String("client_ip", ip.GetClientIP(c)),
			zap.ByteString("stack", debug.Stack()))
	}
}

func newConversationID() string {
	return "conv-" + newRandomID()
}

func newRandomID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
