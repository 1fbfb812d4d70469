// Package router implements the Request Router (spec §4.J): it composes an
// Upstream widgetStreamAssist call out of a bound conversation, account and
// JWT, retries the account-agnostic failure modes the way chat_service.py
// does, and turns the JSON reply back into a ChatResult.
//
// Grounded on original_source/app/services/chat_service.py in full (chat,
// _send_message, create_gemini_session, ensure_gemini_session,
// _parse_response, _parse_generated_image) and on internal/jwtmint's
// getoxsrf retry loop for the SSL/connection-reset retry shape, which
// jwt_service.py and chat_service.py share verbatim.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/cooldown"
	"github.com/genbridge/gateway/internal/domain"
	apperrors "github.com/genbridge/gateway/internal/pkg/errors"
	"github.com/genbridge/gateway/internal/repository"
)

const (
	baseURL          = "https://biz-discoveryengine.googleapis.com/v1alpha/locations/global"
	createSessionURL = baseURL + "/widgetCreateSession"
	streamAssistURL  = baseURL + "/widgetStreamAssist"

	streamAssistTimeout = 120 * time.Second
	maxTransientRetries = 2
)

// AccountView is the subset of *store.Store the Router needs: the bound
// account by index, and spec §4.J's "freshest available account" failover
// target when the bound one's credentials turn out to be dead.
type AccountView interface {
	GetByIndex(i int) *domain.Account
	FreshestAvailable(excludeIndex int, now time.Time) *domain.Account
}

// Minter mints the Upstream JWT a request authenticates with.
type Minter interface {
	Mint(ctx context.Context, acc *domain.Account, now time.Time) (string, error)
}

// BindingResolver is the subset of *binder.Binder the Router drives a
// conversation's account/session lifecycle through.
type BindingResolver interface {
	GetOrCreate(ctx context.Context, conversationID string) (*domain.Binding, error)
	BindSession(ctx context.Context, conversationID, sessionName string) error
	RebindAccount(ctx context.Context, conversationID string, acc *domain.Account) error
}

// InvalidationNotifier lets the Router tell the Lifecycle Manager a 401 just
// came back on an Upstream call, separate from whatever the JWT Minter
// already reported for its own getoxsrf call.
type InvalidationNotifier interface {
	MarkInvalid(accountIndex int)
	QueueRefresh(accountIndex int)
}

// FailureReplacer lets the Pool Maintainer (spec §4.K) take over an account
// the image-generation-failure detector just flagged
// (chat_service.py's _handle_image_generation_failure, fired as a
// best-effort background task). Nil skips the hook.
type FailureReplacer interface {
	ReplaceFailedAccount(ctx context.Context, accountIndex int) (bool, string)
}

// Router is spec §4.J. One Router serves every conversation; all per-request
// state lives on the *domain.Account and *domain.Binding it is handed.
type Router struct {
	binder   BindingResolver
	accounts AccountView
	minter   Minter
	invalid  InvalidationNotifier
	replacer FailureReplacer
	cooldown config.CooldownConfig
	client   *req.Client
	log      *zap.Logger
	rpm      RPMCounter
	results  ResultReporter
}

// ResultReporter is the subset of *selector.Selector the Router feeds each
// request's outcome into, for the Selector's own EWMA error-rate/TTFT
// telemetry (selector.Selector.ReportResult). Nil skips the hook.
type ResultReporter interface {
	ReportResult(index int, success bool, firstTokenMs *int)
}

// SetResultReporter wires the Selector's outcome-reporting hook in.
func (r *Router) SetResultReporter(rr ResultReporter) {
	r.results = rr
}

// RPMCounter is the subset of repository.RPMCache the Router uses for
// best-effort per-account requests-per-minute observability. Nil disables
// it (no Redis configured).
type RPMCounter interface {
	IncrementRPM(ctx context.Context, accountIndex int) (int, error)
}

// SetRPMCache wires an optional requests-per-minute counter in, used only
// for logging/metrics — never to reject a request, since spec's rate
// limiting is entirely the cooldown policy's job.
func (r *Router) SetRPMCache(rpm RPMCounter) {
	r.rpm = rpm
}

// New builds a Router whose Upstream calls go out through a Chrome-
// impersonating, proxy-aware client (internal/repository.NewUpstreamClient).
// replacer may be nil; the image-generation-failure hook is skipped then.
func New(binder BindingResolver, accounts AccountView, minter Minter, invalid InvalidationNotifier, replacer FailureReplacer, cooldownCfg config.CooldownConfig, proxyURL string, log *zap.Logger) (*Router, error) {
	client, err := repository.NewUpstreamClient(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("router: build upstream client: %w", err)
	}
	return &Router{
		binder:   binder,
		accounts: accounts,
		minter:   minter,
		invalid:  invalid,
		replacer: replacer,
		cooldown: cooldownCfg,
		client:   client,
		log:      log,
	}, nil
}

func upstreamHeaders(jwt string) map[string]string {
	return map[string]string{
		"accept":           "*/*",
		"accept-encoding":  "gzip, deflate, br",
		"accept-language":  "zh-CN,zh;q=0.9,en;q=0.8",
		"authorization":    "Bearer " + jwt,
		"content-type":     "application/json",
		"origin":           "https://business.gemini.google",
		"referer":          "https://business.gemini.google/",
		"user-agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		"x-server-timeout": "1800",
	}
}

// Chat is spec §4.J `chat`: the full per-request orchestration, including
// Upstream session (re)creation, the FILE_NOT_FOUND / stale-session retries,
// and the failover-to-freshest-account path on a hard auth failure.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	binding, err := r.binder.GetOrCreate(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("router: resolve binding: %w", err)
	}
	if r.rpm != nil {
		if n, rpmErr := r.rpm.IncrementRPM(ctx, binding.AccountIndex); rpmErr == nil && r.log != nil {
			r.log.Debug("router: rpm", zap.Int("account_index", binding.AccountIndex), zap.Int("rpm", n))
		}
	}
	if binding.TeamID == "" {
		return nil, fmt.Errorf("router: binding %q has no team id", binding.ConversationID)
	}

	acc := r.accounts.GetByIndex(binding.AccountIndex)
	if acc == nil {
		return nil, fmt.Errorf("router: binding %q points at unknown account %d", binding.ConversationID, binding.AccountIndex)
	}

	start := time.Now()
	acc.RecordRequestStart(start)
	success := false
	defer func() {
		acc.RecordRequestEnd(time.Now(), success, time.Since(start).Milliseconds())
		if r.results != nil {
			r.results.ReportResult(acc.Index, success, nil)
		}
	}()

	jwt, err := r.minter.Mint(ctx, acc, start)
	if err != nil {
		reason, invalidate := cooldownReasonFor(err)
		return r.handleFailover(ctx, binding, acc, req, reason, invalidate, err)
	}

	sessionName, err := r.ensureGeminiSession(ctx, binding, acc, jwt)
	if err != nil {
		reason, invalidate := cooldownReasonFor(err)
		return r.handleFailover(ctx, binding, acc, req, reason, invalidate, err)
	}

	result, err := r.sendMessage(ctx, jwt, sessionName, binding, req)
	if err == nil {
		success = true
		r.maybeHandleImageGenerationFailure(acc.Index, result)
		return result, nil
	}

	appErr := apperrors.FromError(err)
	switch appErr.Kind {
	case apperrors.KindRequest:
		switch {
		case strings.Contains(appErr.Message, "FILE_NOT_FOUND"):
			retryReq := req
			retryReq.FileIDs = nil
			result, retryErr := r.sendMessage(ctx, jwt, sessionName, binding, retryReq)
			if retryErr != nil {
				return r.handleFailover(ctx, binding, acc, req, domain.CooldownGeneric, false, retryErr)
			}
			success = true
			r.maybeHandleImageGenerationFailure(acc.Index, result)
			return result, nil

		case strings.Contains(appErr.Message, "403") || strings.Contains(appErr.Message, "404"):
			if err := r.binder.BindSession(ctx, binding.ConversationID, ""); err != nil {
				return nil, err
			}
			newSession, sessionErr := r.createGeminiSession(ctx, acc, jwt)
			if sessionErr != nil {
				return r.handleFailover(ctx, binding, acc, req, domain.CooldownGeneric, false, sessionErr)
			}
			if err := r.binder.BindSession(ctx, binding.ConversationID, newSession); err != nil {
				return nil, err
			}
			acc.Runtime.UpstreamSessionName = newSession

			retryReq := req
			retryReq.FileIDs = nil
			result, retryErr := r.sendMessage(ctx, jwt, newSession, binding, retryReq)
			if retryErr != nil {
				return r.handleFailover(ctx, binding, acc, req, domain.CooldownGeneric, false, retryErr)
			}
			success = true
			r.maybeHandleImageGenerationFailure(acc.Index, result)
			return result, nil

		default:
			return r.handleFailover(ctx, binding, acc, req, domain.CooldownGeneric, false, err)
		}

	case apperrors.KindRateLimit:
		return r.handleFailover(ctx, binding, acc, req, domain.CooldownRateLimit, false, err)

	case apperrors.KindAuth:
		return r.handleFailover(ctx, binding, acc, req, domain.CooldownAuth, true, err)

	default:
		return nil, err
	}
}

// cooldownReasonFor maps an error's apperrors.Kind to the Cooldown Policy
// reason and invalidate-credentials flag handleFailover should apply for it,
// for the two call sites (JWT mint, session ensure) whose error kind isn't
// already known at the call site the way it is in the post-sendMessage switch.
func cooldownReasonFor(err error) (domain.CooldownReason, bool) {
	switch apperrors.FromError(err).Kind {
	case apperrors.KindAuth:
		return domain.CooldownAuth, true
	case apperrors.KindRateLimit:
		return domain.CooldownRateLimit, false
	default:
		return domain.CooldownGeneric, false
	}
}

// handleFailover is chat()'s outer failover handler (spec.md:206: "the outer
// CALLER performs failover across accounts by retrying a small number of
// times per the thrown kind"), shared by AuthError, RateLimitError and
// RequestError: cool the failing account down under reason, then try exactly
// once more on the freshest available other account before giving up.
// invalidate additionally marks acc's credentials invalid and queues a
// refresh — only ever true for an AuthError, since a RateLimitError or
// RequestError says nothing about the account's credentials being bad.
func (r *Router) handleFailover(ctx context.Context, binding *domain.Binding, acc *domain.Account, req ChatRequest, reason domain.CooldownReason, invalidate bool, cause error) (*ChatResult, error) {
	if invalidate && r.invalid != nil {
		r.invalid.MarkInvalid(acc.Index)
		r.invalid.QueueRefresh(acc.Index)
	}
	cooldown.Mark(acc, reason, r.cooldown, time.Now())

	fresh := r.accounts.FreshestAvailable(acc.Index, time.Now())
	if fresh == nil {
		return nil, cause
	}

	if err := r.binder.RebindAccount(ctx, binding.ConversationID, fresh); err != nil {
		return nil, err
	}

	jwt, err := r.minter.Mint(ctx, fresh, time.Now())
	if err != nil {
		cooldown.Mark(fresh, domain.CooldownAuth, r.cooldown, time.Now())
		return nil, err
	}
	sessionName, err := r.ensureGeminiSession(ctx, binding, fresh, jwt)
	if err != nil {
		cooldown.Mark(fresh, domain.CooldownAuth, r.cooldown, time.Now())
		return nil, err
	}

	retryReq := req
	retryReq.FileIDs = nil
	result, err := r.sendMessage(ctx, jwt, sessionName, binding, retryReq)
	if err != nil {
		switch apperrors.FromError(err).Kind {
		case apperrors.KindAuth:
			cooldown.Mark(fresh, domain.CooldownAuth, r.cooldown, time.Now())
		case apperrors.KindRateLimit:
			cooldown.Mark(fresh, domain.CooldownRateLimit, r.cooldown, time.Now())
		case apperrors.KindRequest:
			cooldown.Mark(fresh, domain.CooldownGeneric, r.cooldown, time.Now())
		}
		return nil, err
	}
	// Deliberately not marking the outer request a success here: this retry
	// runs on a different account than the one RecordRequestStart was called
	// against, so the original account's latency/success bookkeeping is left
	// as a failure even though the conversation got its answer.
	r.maybeHandleImageGenerationFailure(fresh.Index, result)
	return result, nil
}

// ensureGeminiSession is conversation_manager's `ensure_gemini_session`:
// reuse the bound session if there is one, otherwise mint a fresh one and
// persist it onto both the binding and the account's runtime state.
func (r *Router) ensureGeminiSession(ctx context.Context, binding *domain.Binding, acc *domain.Account, jwt string) (string, error) {
	if binding.UpstreamSessionName != "" {
		return binding.UpstreamSessionName, nil
	}
	sessionName, err := r.createGeminiSession(ctx, acc, jwt)
	if err != nil {
		return "", err
	}
	if err := r.binder.BindSession(ctx, binding.ConversationID, sessionName); err != nil {
		return "", err
	}
	acc.Runtime.UpstreamSessionName = sessionName
	binding.UpstreamSessionName = sessionName
	return sessionName, nil
}

type createSessionResponse struct {
	Session struct {
		Name string `json:"name"`
	} `json:"session"`
}

// createGeminiSession is `create_gemini_session`: open a fresh
// widgetCreateSession and return Upstream's session.name.
func (r *Router) createGeminiSession(ctx context.Context, acc *domain.Account, jwt string) (string, error) {
	sessionID := randomHex(6)
	body := fmt.Sprintf(
		`{"configId":%q,"additionalParams":{"token":"-"},"createSessionRequest":{"session":{"name":%q,"displayName":%q}}}`,
		acc.TeamID, sessionID, sessionID)

	resp, err := r.doWithRetry(ctx, jwt, createSessionURL, body, 0)
	if err != nil {
		return "", err
	}
	if err := statusToError(resp.StatusCode, "create session"); err != nil {
		return "", err
	}

	var parsed createSessionResponse
	if jsonErr := json.Unmarshal([]byte(resp.String()), &parsed); jsonErr != nil || parsed.Session.Name == "" {
		return "", apperrors.Request("widgetCreateSession response missing session.name", jsonErr)
	}
	return parsed.Session.Name, nil
}

// sendMessage is `_send_message`: build and issue one widgetStreamAssist
// call and parse its reply.
func (r *Router) sendMessage(ctx context.Context, jwt, sessionName string, binding *domain.Binding, req ChatRequest) (*ChatResult, error) {
	fullMessage := composeMessage(req.Message, req.SystemPrompt, req.History)
	promptTokens := estimateTokens(fullMessage)
	imageModel := isImageModel(req.Model)

	body, err := buildStreamAssistBody(binding.TeamID, sessionName, fullMessage, req.FileIDs, imageModel)
	if err != nil {
		return nil, fmt.Errorf("router: build stream assist body: %w", err)
	}

	resp, err := r.doWithRetry(ctx, jwt, streamAssistURL, body, streamAssistTimeout)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case 200:
		// fall through to parsing below
	case 401:
		return nil, apperrors.Auth("chat authentication failed", nil)
	case 429:
		return nil, apperrors.RateLimit("chat rate limited", nil)
	default:
		text := resp.String()
		if len(text) > 500 {
			text = text[:500]
		}
		if strings.Contains(text, "FILE_NOT_FOUND") {
			return nil, apperrors.Request(fmt.Sprintf("FILE_NOT_FOUND:%d", resp.StatusCode), nil)
		}
		return nil, apperrors.Request(fmt.Sprintf("chat request failed: %d", resp.StatusCode), nil)
	}

	result := r.parseResponse(ctx, resp.String(), jwt, sessionName, binding, promptTokens, imageModel, req.Model)
	return result, nil
}

// buildStreamAssistBody assembles the widgetStreamAssist request body via
// sjson, the way internal/binder composes on-disk JSON elsewhere in this
// codebase, rather than hand-building nested map literals.
func buildStreamAssistBody(teamID, sessionName, fullMessage string, fileIDs []string, imageModel bool) (string, error) {
	set := func(doc, path string, value any) (string, error) {
		return sjson.Set(doc, path, value)
	}

	body := `{}`
	var err error
	steps := []struct {
		path  string
		value any
	}{
		{"configId", teamID},
		{"additionalParams.token", "-"},
		{"streamAssistRequest.session", sessionName},
		{"streamAssistRequest.query.parts.0.text", fullMessage},
		{"streamAssistRequest.filter", ""},
		{"streamAssistRequest.answerGenerationMode", "NORMAL"},
		{"streamAssistRequest.toolsSpec.webGroundingSpec", map[string]any{}},
		{"streamAssistRequest.toolsSpec.toolRegistry", "default_tool_registry"},
		{"streamAssistRequest.languageCode", "zh-CN"},
		{"streamAssistRequest.userMetadata.timeZone", "Etc/GMT-8"},
		{"streamAssistRequest.assistSkippingMode", "REQUEST_ASSIST"},
	}
	for _, step := range steps {
		if body, err = set(body, step.path, step.value); err != nil {
			return "", err
		}
	}
	if imageModel {
		if body, err = set(body, "streamAssistRequest.toolsSpec.imageGenerationSpec", map[string]any{}); err != nil {
			return "", err
		}
	}
	if len(fileIDs) > 0 {
		if body, err = set(body, "streamAssistRequest.fileIds", fileIDs); err != nil {
			return "", err
		}
	} else {
		if body, err = set(body, "streamAssistRequest.fileIds", []string{}); err != nil {
			return "", err
		}
	}
	return body, nil
}

// doWithRetry issues one POST, retrying up to maxTransientRetries times on
// the SSL/connection-reset failures Upstream's edge produces under load
// (jwt_service.py / chat_service.py's shared retry loop).
func (r *Router) doWithRetry(ctx context.Context, jwt, url, body string, timeout time.Duration) (*req.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		request := r.client.R().
			SetContext(ctx).
			SetHeaders(upstreamHeaders(jwt)).
			SetBodyString(body)
		if timeout > 0 {
			request = request.SetTimeout(timeout)
		}
		resp, err := request.Post(url)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableTransportError(err) || attempt == maxTransientRetries {
			return nil, apperrors.Request(fmt.Sprintf("upstream request failed: %v", err), err)
		}
		if r.log != nil {
			r.log.Warn("router: retrying upstream request after transient error", zap.Int("attempt", attempt), zap.Error(err))
		}
		time.Sleep(time.Second)
	}
	return nil, apperrors.Request(fmt.Sprintf("upstream request failed: %v", lastErr), lastErr)
}

func isRetryableTransportError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "ssl") || strings.Contains(s, "closed") || strings.Contains(s, "decryption") ||
		strings.Contains(s, "connection reset") || strings.Contains(s, "bad record") || strings.Contains(s, "eof")
}

// maybeHandleImageGenerationFailure is `_handle_image_generation_failure`:
// best-effort, fire-and-forget account replacement when the image-
// generation-failure detector fired, never blocking the response on it.
func (r *Router) maybeHandleImageGenerationFailure(accountIndex int, result *ChatResult) {
	if r.replacer == nil || result == nil || !result.ImageGenerationFailed {
		return
	}
	go func() {
		ok, message := r.replacer.ReplaceFailedAccount(context.Background(), accountIndex)
		if r.log == nil {
			return
		}
		if ok {
			r.log.Info("router: replaced account after image generation failure",
				zap.Int("account_index", accountIndex), zap.String("message", message))
		} else {
			r.log.Warn("router: failed to replace account after image generation failure",
				zap.Int("account_index", accountIndex), zap.String("message", message))
		}
	}()
}

// randomHex is uuid.uuid4().hex[:12]'s Go equivalent: a 12-character random
// session id, unique enough that Upstream never sees a collision.
func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// statusToError maps a widgetCreateSession status code the way
// create_gemini_session does: 401/403 both end up as a hard auth failure
// (the caller's outer auth-failure handling invalidates credentials and
// fails the account over), unlike _send_message's looser 403/404 handling.
func statusToError(status int, action string) error {
	switch status {
	case 200:
		return nil
	case 401:
		return apperrors.Auth(fmt.Sprintf("%s authentication failed", action), nil)
	case 403:
		return apperrors.Auth(fmt.Sprintf("%s permission denied, credentials may be expired", action), nil)
	case 429:
		return apperrors.RateLimit(fmt.Sprintf("%s rate limited", action), nil)
	default:
		return apperrors.Request(fmt.Sprintf("%s failed: status %d", action, status), nil)
	}
}
