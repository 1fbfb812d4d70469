package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/genbridge/gateway/internal/pkg/errors"
)

const (
	addContextFileURL = baseURL + "/widgetAddContextFile"
	uploadFileTimeout  = 60 * time.Second
)

// UploadedFile is the Router's answer to one UploadFile call: the upstream
// file id the conversation's bound session now knows about, and the session
// it was attached to (file_upload_service.py's FileMapping, minus the
// OpenAI-side bookkeeping the Files handler owns).
type UploadedFile struct {
	UpstreamFileID string
	SessionName    string
}

type addContextFileResponse struct {
	AddContextFileResponse struct {
		FileID string `json:"fileId"`
	} `json:"addContextFileResponse"`
}

// UploadFile is file_upload_service.py's upload_to_gemini: attach file
// content to the conversation's bound (or newly created) Upstream session
// via widgetAddContextFile, grounded on the same binding/account/session
// resolution Chat uses, minus the message-send step.
func (r *Router) UploadFile(ctx context.Context, conversationID, filename, mimeType string, contentBase64 string) (*UploadedFile, error) {
	binding, err := r.binder.GetOrCreate(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("router: resolve binding: %w", err)
	}
	if binding.TeamID == "" {
		return nil, fmt.Errorf("router: binding %q has no team id", binding.ConversationID)
	}

	acc := r.accounts.GetByIndex(binding.AccountIndex)
	if acc == nil {
		return nil, fmt.Errorf("router: binding %q points at unknown account %d", binding.ConversationID, binding.AccountIndex)
	}

	jwt, err := r.minter.Mint(ctx, acc, time.Now())
	if err != nil {
		return nil, err
	}
	sessionName, err := r.ensureGeminiSession(ctx, binding, acc, jwt)
	if err != nil {
		return nil, err
	}

	body := fmt.Sprintf(
		`{"addContextFileRequest":{"fileContents":%q,"fileName":%q,"mimeType":%q,"name":%q},"additionalParams":{"token":"-"},"configId":%q}`,
		contentBase64, filename, mimeType, sessionName, binding.TeamID)

	resp, err := r.doWithRetry(ctx, jwt, addContextFileURL, body, uploadFileTimeout)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case 200:
	case 401:
		return nil, apperrors.Auth("file upload authentication failed", nil)
	case 429:
		return nil, apperrors.RateLimit("file upload rate limited", nil)
	default:
		return nil, apperrors.Request(fmt.Sprintf("file upload failed: status %d", resp.StatusCode), nil)
	}

	var parsed addContextFileResponse
	if err := json.Unmarshal(resp.Bytes(), &parsed); err != nil || parsed.AddContextFileResponse.FileID == "" {
		return nil, apperrors.Request("widgetAddContextFile response missing fileId", err)
	}

	return &UploadedFile{UpstreamFileID: parsed.AddContextFileResponse.FileID, SessionName: sessionName}, nil
}
