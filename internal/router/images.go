package router

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"

	"github.com/genbridge/gateway/internal/domain"
	apperrors "github.com/genbridge/gateway/internal/pkg/errors"
)

const (
	downloadBaseURL         = "https://biz-discoveryengine.googleapis.com/v1alpha"
	listFileMetadataURL     = downloadBaseURL + "/locations/global/widgetListSessionFileMetadata"
	listFileMetadataTimeout = 30 * time.Second
	downloadTimeout         = 60 * time.Second
)

var mimeExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func downloadHeaders(jwt string) map[string]string {
	return map[string]string{
		"accept":        "*/*",
		"authorization": "Bearer " + jwt,
		"origin":        "https://business.gemini.google",
		"referer":       "https://business.gemini.google/",
		"user-agent":    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	}
}

type fileMetadata struct {
	SessionName string
	FileName    string
}

// downloadAndSaveImage is `image_service.download_and_save`: resolve the
// file's actual session (AI-generated files can outlive the session they
// were requested under), download it, persist it under the conversation's
// image directory, and cache the result for an hour.
func (r *Router) downloadAndSaveImage(ctx context.Context, jwt, sessionName string, binding *domain.Binding, fileID, mimeType string) (*GeneratedImage, error) {
	if cached, ok := cachedImage(sessionName, fileID); ok {
		return &cached, nil
	}

	actualSession := sessionName
	fileName := ""
	if binding.TeamID != "" {
		metadata := r.sessionFileMetadata(ctx, jwt, sessionName, binding.TeamID)
		if meta, ok := metadata[fileID]; ok {
			if meta.SessionName != "" {
				actualSession = meta.SessionName
			}
			fileName = meta.FileName
		}
	}

	data, err := r.downloadFile(ctx, jwt, actualSession, fileID)
	if err != nil {
		return nil, err
	}

	savedPath, err := saveToConversationDir(binding.ImageDirPath, data, mimeType, fileName)
	if err != nil {
		return nil, err
	}

	img := GeneratedImage{
		Base64Data: base64.StdEncoding.EncodeToString(data),
		MimeType:   mimeType,
		FileName:   filepath.Base(savedPath),
		FilePath:   savedPath,
	}
	cacheImage(sessionName, fileID, img)
	return &img, nil
}

// sessionFileMetadata is `_get_session_file_metadata`: best-effort, never
// fails the caller — a lookup error just means file names/sessions aren't
// improved on, not that the download itself should be aborted.
func (r *Router) sessionFileMetadata(ctx context.Context, jwt, sessionName, teamID string) map[string]fileMetadata {
	out := make(map[string]fileMetadata)

	body := fmt.Sprintf(
		`{"configId":%q,"additionalParams":{"token":"-"},"listSessionFileMetadataRequest":{"name":%q,"filter":"file_origin_type = AI_GENERATED"}}`,
		teamID, sessionName)

	resp, err := r.client.R().
		SetContext(ctx).
		SetHeaders(upstreamHeaders(jwt)).
		SetBodyString(body).
		SetTimeout(listFileMetadataTimeout).
		Post(listFileMetadataURL)
	if err != nil || resp.StatusCode != 200 {
		return out
	}

	entries := gjson.Get(resp.String(), "listSessionFileMetadataResponse.fileMetadata")
	for _, entry := range entries.Array() {
		fileID := entry.Get("fileId").String()
		if fileID == "" {
			continue
		}
		out[fileID] = fileMetadata{
			SessionName: entry.Get("sessionName").String(),
			FileName:    entry.Get("fileName").String(),
		}
	}
	return out
}

// downloadFile is `_download_image`: a GET against the session's
// :downloadFile endpoint, following redirects.
func (r *Router) downloadFile(ctx context.Context, jwt, sessionName, fileID string) ([]byte, error) {
	downloadURL := fmt.Sprintf("%s/%s:downloadFile?fileId=%s&alt=media", downloadBaseURL, sessionName, url.QueryEscape(fileID))

	resp, err := r.client.R().
		SetContext(ctx).
		SetHeaders(downloadHeaders(jwt)).
		SetTimeout(downloadTimeout).
		Get(downloadURL)
	if err != nil {
		return nil, apperrors.Request(fmt.Sprintf("download file %q: %v", fileID, err), err)
	}
	if resp.StatusCode != 200 {
		return nil, apperrors.Request(fmt.Sprintf("download file %q failed: status %d", fileID, resp.StatusCode), nil)
	}
	return resp.Bytes(), nil
}

// saveToConversationDir is `_save_to_conversation_dir`: write the downloaded
// bytes under dir, synthesizing a name from the mime type and a content hash
// when Upstream didn't give us one.
func saveToConversationDir(dir string, data []byte, mimeType, fileName string) (string, error) {
	if fileName == "" {
		ext := mimeExtensions[mimeType]
		if ext == "" {
			ext = ".png"
		}
		fileName = fmt.Sprintf("img_%d_%s%s", time.Now().Unix(), md5Hex(string(data))[:8], ext)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("router: create image dir %q: %w", dir, err)
	}

	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("router: write image %q: %w", path, err)
	}
	return path, nil
}
