package router

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/domain"
)

var imageFailureHints = []string{
	"无法生成图片", "图片生成失败", "无法创建图像", "无法生成图像", "无法完成图片生成",
	"i can't generate images", "i cannot generate images", "unable to generate",
	"failed to generate", "image generation failed", "cannot create images",
	"i'm not able to generate images", "prompt", "建议", "选项", "option",
}

type fileReference struct {
	FileID   string
	MimeType string
	FileName string
}

// parseResponse is `_parse_response`: Upstream answers with a JSON array of
// streamAssistResponse events, not a single object, so the whole reply has
// to be folded into one ChatResult by walking every event in order.
func (r *Router) parseResponse(ctx context.Context, text, jwt, sessionName string, binding *domain.Binding, promptTokens int, imageModel bool, model string) *ChatResult {
	result := &ChatResult{SessionName: sessionName}

	parsed := gjson.Parse(text)
	if !parsed.IsArray() {
		result.Text = text
		result.PromptTokens = promptTokens
		result.CompletionTokens = estimateTokens(text)
		return result
	}

	var texts []string
	var fileInfos []fileReference
	seenHashes := make(map[string]bool)
	currentSession := sessionName

	collect := func(images gjson.Result) {
		for _, gi := range images.Array() {
			img := parseGeneratedImage(gi)
			if img == nil {
				continue
			}
			if img.Base64Data != "" {
				hash := md5Hex(img.Base64Data)
				if seenHashes[hash] {
					continue
				}
				seenHashes[hash] = true
			}
			result.Images = append(result.Images, *img)
		}
	}

	for _, data := range parsed.Array() {
		sar := data.Get("streamAssistResponse")
		if !sar.Exists() {
			continue
		}
		if s := sar.Get("sessionInfo.session").String(); s != "" {
			currentSession = s
		}

		collect(sar.Get("generatedImages"))
		answer := sar.Get("answer")
		collect(answer.Get("generatedImages"))

		for _, reply := range answer.Get("replies").Array() {
			collect(reply.Get("generatedImages"))

			content := reply.Get("groundedContent.content")
			replyText := content.Get("text").String()
			thought := content.Get("thought").Bool()

			if file := content.Get("file"); file.Exists() {
				if fileID := file.Get("fileId").String(); fileID != "" {
					mime := file.Get("mimeType").String()
					if mime == "" {
						mime = "image/png"
					}
					fileInfos = append(fileInfos, fileReference{
						FileID: fileID, MimeType: mime, FileName: file.Get("name").String(),
					})
				}
			}
			if replyText != "" && !thought {
				texts = append(texts, replyText)
			}
		}
	}

	result.Text = strings.Join(texts, "")

	var validImages []GeneratedImage
	for _, img := range result.Images {
		if img.Base64Data != "" {
			validImages = append(validImages, img)
		}
	}
	switch {
	case len(validImages) > 0 && len(fileInfos) > 0:
		// Inline images already cover this turn; skip the file download round trip.
		fileInfos = nil
	case len(result.Images) > 0 && len(validImages) == 0 && len(fileInfos) > 0:
		result.Images = nil
	}

	if len(fileInfos) > 0 && binding.TeamID != "" {
		for _, fi := range fileInfos {
			img, err := r.downloadAndSaveImage(ctx, jwt, currentSession, binding, fi.FileID, fi.MimeType)
			if err != nil {
				if r.log != nil {
					r.log.Warn("router: failed to download generated image",
						zap.String("conversation_id", binding.ConversationID), zap.String("file_id", fi.FileID), zap.Error(err))
				}
				continue
			}
			result.Images = append(result.Images, *img)
		}
	}

	result.PromptTokens = promptTokens
	result.CompletionTokens = estimateTokens(result.Text)

	if imageModel && len(result.Images) == 0 {
		lower := strings.ToLower(result.Text)
		failed := false
		for _, hint := range imageFailureHints {
			if strings.Contains(lower, hint) {
				failed = true
				break
			}
		}
		if failed || len(result.Text) < 20 {
			var msg string
			if len(result.Text) > 50 {
				msg = fmt.Sprintf("图片生成模型 %s 返回了文字而非图片，可能需要检查模型配置", model)
			} else {
				msg = fmt.Sprintf("图片生成模型 %s 未返回图片", model)
			}
			result.ImageGenerationFailed = true
			result.ImageGenerationError = msg
		}
	}

	return result
}

// parseGeneratedImage is `_parse_generated_image`: pull the inline base64
// payload out of one generatedImages entry, or nil if it has none.
func parseGeneratedImage(gi gjson.Result) *GeneratedImage {
	image := gi.Get("image")
	if !image.Exists() {
		return nil
	}
	b64 := image.Get("bytesBase64Encoded").String()
	if b64 == "" {
		return nil
	}
	mime := image.Get("mimeType").String()
	if mime == "" {
		mime = "image/png"
	}
	return &GeneratedImage{Base64Data: b64, MimeType: mime}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

type imageCacheEntry struct {
	image     GeneratedImage
	expiresAt time.Time
}

var (
	imageCacheMu sync.Mutex
	imageCache   = make(map[string]imageCacheEntry)
)

const imageCacheTTL = time.Hour

func imageCacheKey(sessionName, fileID string) string {
	return sessionName + ":" + fileID
}

func cachedImage(sessionName, fileID string) (GeneratedImage, bool) {
	imageCacheMu.Lock()
	defer imageCacheMu.Unlock()
	entry, ok := imageCache[imageCacheKey(sessionName, fileID)]
	if !ok || time.Now().After(entry.expiresAt) {
		return GeneratedImage{}, false
	}
	return entry.image, true
}

func cacheImage(sessionName, fileID string, img GeneratedImage) {
	imageCacheMu.Lock()
	defer imageCacheMu.Unlock()
	imageCache[imageCacheKey(sessionName, fileID)] = imageCacheEntry{image: img, expiresAt: time.Now().Add(imageCacheTTL)}
}
