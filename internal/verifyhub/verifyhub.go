// Package verifyhub implements the Verification Code Hub (spec §4.F): a
// background IMAP poller that watches one shared inbox for Google
// verification-code emails and fans each code out to whichever caller is
// waiting on it.
//
// Grounded on
// original_source/backend/GGM/app/services/auto_login/email_service.py
// (EmailVerificationService): the Google sender allowlist, the prioritized
// verification-code regexes, the subject/body/To-header matching rules, the
// "mail must not be older than its staleness window" check, and
// delete-after-consume. The Python service polls once per waiter inside its
// own asyncio.Lock; this port instead runs one continuous poll loop shared by
// every waiter, fanning results out to per-recipient channels, because Go
// gives us a cheap way to avoid serializing every account's login behind a
// single IMAP round-trip.
package verifyhub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
)

var googleSenders = []string{
	"noreply-googlecloud@google.com",
	"noreply@google.com",
	"no-reply@accounts.google.com",
}

// verificationCodePatterns mirrors VERIFICATION_CODE_PATTERNS, ordered from
// most to least specific so the first match wins.
var verificationCodePatterns = compilePatterns([]string{
	`验证码为[：:]\s*\n+\s*([A-Z0-9]{6})`,
	`一次性验证码[\s\n]+为[：:][\s\n]*([A-Z0-9]{6})`,
	`验证码[\s\n]+为[：:][\s\n]*([A-Z0-9]{6})`,
	`验证[码\s\n]*为[：:\s]*\n*\s*([A-Z0-9]{6})`,
	`code[：:\s]+([A-Z0-9]{6})`,
	`G-(\d{6})`,
	`验证码[：:]\s*([A-Z0-9]{6})`,
	`verification code[：:\s]*([A-Z0-9]{6})`,
	`security code[：:\s]*([A-Z0-9]{6})`,
	`\n\s*([A-Z0-9]{6})\s*\n`,
	`(?:验证码|code|Code)[^\d]*(\d{6})`,
})

func compilePatterns(raw []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		out = append(out, regexp.MustCompile("(?i)"+p))
	}
	return out
}

const (
	pollInterval    = 2 * time.Second
	stalenessWindow = 300 * time.Second
	fifoTrimSize    = 1000
	waiterChanBuf   = 4
)

// ErrTimeout is returned by WaitForCode when no matching code arrives in
// time.
var ErrTimeout = errors.New("verifyhub: timed out waiting for verification code")

// Hub polls one shared inbox and distributes verification codes to waiters.
type Hub struct {
	cfg config.EmailConfig
	log *zap.Logger

	mu       sync.Mutex
	paused   bool
	channels map[string]chan domain.VerificationCode // recipient (lowercased) -> buffered channel
	fallback []domain.VerificationCode                // codes whose recipient could not be determined

	seenUIDs    map[imapv2.UID]struct{}
	seenUIDFIFO []imapv2.UID

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(cfg config.EmailConfig, log *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		log:      log,
		channels: make(map[string]chan domain.VerificationCode),
		seenUIDs: make(map[imapv2.UID]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background poll loop. Safe to call once per Hub.
func (h *Hub) Start(ctx context.Context) {
	go h.pollLoop(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// Pause/Resume let the Lifecycle Manager quiesce IMAP traffic when no
// account is mid-refresh (spec §4.H idle teardown also stops the Hub).
func (h *Hub) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

func (h *Hub) Resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
}

func (h *Hub) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *Hub) pollLoop(ctx context.Context) {
	defer close(h.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			if h.isPaused() {
				continue
			}
			if err := h.pollOnce(ctx); err != nil {
				h.log.Debug("verifyhub poll failed", zap.Error(err))
			}
		}
	}
}

// WaitForCode implements spec §4.F `wait_for_code`: it blocks until a code
// addressed to recipient arrives (with ArrivedAt >= since), timeout elapses,
// or ctx is cancelled.
func (h *Hub) WaitForCode(ctx context.Context, recipient string, timeout time.Duration, since time.Time) (string, error) {
	recipientLower := strings.ToLower(recipient)
	ch := h.getOrCreateChannel(recipientLower)

	if code, ok := h.drainFallback(recipientLower, since); ok {
		return code, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	fallbackTicker := time.NewTicker(pollInterval)
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrTimeout
		case vc := <-ch:
			if !vc.ArrivedAt.Before(since) {
				return vc.Code, nil
			}
			// Stale leftover from a previous wait on this recipient; discard.
		case <-fallbackTicker.C:
			if code, ok := h.drainFallback(recipientLower, since); ok {
				return code, nil
			}
		}
	}
}

func (h *Hub) getOrCreateChannel(recipientLower string) chan domain.VerificationCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[recipientLower]
	if !ok {
		ch = make(chan domain.VerificationCode, waiterChanBuf)
		h.channels[recipientLower] = ch
	}
	return ch
}

// drainFallback consumes the first fallback entry at least as new as since,
// for codes whose recipient could not be read off the To header.
func (h *Hub) drainFallback(recipientLower string, since time.Time) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, vc := range h.fallback {
		if vc.ArrivedAt.Before(since) {
			continue
		}
		h.fallback = append(h.fallback[:i], h.fallback[i+1:]...)
		return vc.Code, true
	}
	return "", false
}

func (h *Hub) deliver(vc domain.VerificationCode) {
	h.mu.Lock()
	if vc.RecipientEmailLower == "" {
		h.fallback = append(h.fallback, vc)
		if len(h.fallback) > fifoTrimSize {
			h.fallback = h.fallback[len(h.fallback)-fifoTrimSize:]
		}
		h.mu.Unlock()
		return
	}
	ch, ok := h.channels[vc.RecipientEmailLower]
	if !ok {
		ch = make(chan domain.VerificationCode, waiterChanBuf)
		h.channels[vc.RecipientEmailLower] = ch
	}
	h.mu.Unlock()

	select {
	case ch <- vc:
	default:
		// Channel full (an earlier code nobody consumed): drop the oldest
		// and retry once so the freshest code always wins.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- vc:
		default:
		}
	}
}

func (h *Hub) markSeen(uid imapv2.UID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seenUIDs[uid]; ok {
		return false
	}
	h.seenUIDs[uid] = struct{}{}
	h.seenUIDFIFO = append(h.seenUIDFIFO, uid)
	if len(h.seenUIDFIFO) > fifoTrimSize {
		oldest := h.seenUIDFIFO[0]
		h.seenUIDFIFO = h.seenUIDFIFO[1:]
		delete(h.seenUIDs, oldest)
	}
	return true
}

func (h *Hub) pollOnce(ctx context.Context) error {
	client, err := h.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial imap: %w", err)
	}
	defer client.Logout()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select inbox: %w", err)
	}

	since := time.Now().Add(-2 * stalenessWindow)
	criteria := &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: googleSenders[0]}},
		Since:  since,
	}
	searchData, err := client.Search(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}

	var set imapv2.UIDSet
	set.AddNum(uids...)

	fetchOptions := &imapv2.FetchOptions{
		Envelope:    true,
		BodySection: []*imapv2.FetchItemBodySection{{}},
	}
	messages, err := client.Fetch(set, fetchOptions).Collect()
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	var toDelete []imapv2.UID
	for _, msg := range messages {
		if !h.markSeen(msg.UID) {
			continue
		}
		vc, ok := h.extract(msg, since)
		if !ok {
			continue
		}
		h.deliver(vc)
		toDelete = append(toDelete, msg.UID)
	}

	if len(toDelete) > 0 {
		var delSet imapv2.UIDSet
		delSet.AddNum(toDelete...)
		storeFlags := &imapv2.StoreFlags{Op: imapv2.StoreFlagsAdd, Flags: []imapv2.Flag{imapv2.FlagDeleted}}
		if err := client.Store(delSet, storeFlags, nil).Close(); err != nil {
			h.log.Debug("verifyhub mark deleted failed", zap.Error(err))
		}
		if err := client.Expunge().Close(); err != nil {
			h.log.Debug("verifyhub expunge failed", zap.Error(err))
		}
	}

	return nil
}

func (h *Hub) extract(msg *imapv2.FetchMessageBuffer, since time.Time) (domain.VerificationCode, bool) {
	from := strings.ToLower(envelopeFromAddress(msg.Envelope))
	if !isGoogleSender(from) {
		return domain.VerificationCode{}, false
	}
	subject := strings.ToLower(msg.Envelope.Subject)
	if !strings.Contains(subject, "验证码") && !strings.Contains(subject, "verification") && !strings.Contains(subject, "code") {
		return domain.VerificationCode{}, false
	}

	body := readBody(msg)
	if body == "" {
		return domain.VerificationCode{}, false
	}

	arrivedAt := msg.Envelope.Date
	if arrivedAt.Before(since) {
		return domain.VerificationCode{}, false
	}
	if time.Since(arrivedAt) > stalenessWindow {
		return domain.VerificationCode{}, false
	}

	code := matchCode(body)
	if code == "" {
		return domain.VerificationCode{}, false
	}

	return domain.VerificationCode{
		RecipientEmailLower: h.resolveRecipient(msg.Envelope, body),
		Code:                code,
		ArrivedAt:           arrivedAt,
	}, true
}

// resolveRecipient is spec §4.F's "extract To; if To is the receiving
// mailbox itself (i.e., a forwarded message), scan the body for an address
// whose domain is not in an excluded set" rule. This inbox receives every
// harvested account's Google verification mail forwarded to the one shared
// address it polls, so To is almost always the hub's own mailbox and the
// true recipient has to be recovered from the body instead.
func (h *Hub) resolveRecipient(env *imapv2.Envelope, body string) string {
	to := envelopeToAddressLower(env)
	if to == "" {
		return ""
	}
	if to != strings.ToLower(h.cfg.Address) {
		return to
	}
	if addr := scanBodyForRecipient(body, to); addr != "" {
		return addr
	}
	return ""
}

// excludedRecipientDomains are domains that can appear in a forwarded
// message's body without being the true recipient: the hub's own inbox
// domain (it shows up in forwarding headers/footers) and Google's own
// sending domains (signature/footer links in the verification mail itself).
var excludedRecipientDomains = []string{
	"google.com",
	"gmail.com",
	"accounts.google.com",
}

var emailAddressPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// scanBodyForRecipient returns the first address in body whose domain is
// neither ownAddress's domain nor in excludedRecipientDomains.
func scanBodyForRecipient(body, ownAddress string) string {
	ownDomain := domainOf(ownAddress)
	for _, match := range emailAddressPattern.FindAllString(body, -1) {
		candidate := strings.ToLower(match)
		domain := domainOf(candidate)
		if domain == "" || domain == ownDomain {
			continue
		}
		if isExcludedDomain(domain) {
			continue
		}
		return candidate
	}
	return ""
}

func domainOf(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

func isExcludedDomain(domain string) bool {
	for _, excluded := range excludedRecipientDomains {
		if domain == excluded {
			return true
		}
	}
	return false
}

func matchCode(body string) string {
	for _, pattern := range verificationCodePatterns {
		if m := pattern.FindStringSubmatch(body); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

func isGoogleSender(fromLower string) bool {
	for _, s := range googleSenders {
		if strings.Contains(fromLower, s) {
			return true
		}
	}
	return strings.Contains(fromLower, "google")
}

func envelopeFromAddress(env *imapv2.Envelope) string {
	if env == nil || len(env.From) == 0 {
		return ""
	}
	return env.From[0].Addr()
}

func envelopeToAddressLower(env *imapv2.Envelope) string {
	if env == nil || len(env.To) == 0 {
		return ""
	}
	return strings.ToLower(env.To[0].Addr())
}

// readBody walks the message's MIME tree with go-message/mail, preferring
// text/plain and falling back to a stripped text/html part, matching
// _get_email_body's precedence.
func readBody(msg *imapv2.FetchMessageBuffer) string {
	for _, section := range msg.BodySection {
		if len(section.Bytes) == 0 {
			continue
		}
		reader, err := mail.CreateReader(strings.NewReader(string(section.Bytes)))
		if err != nil {
			continue
		}
		var plain, html string
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			switch h := part.Header.(type) {
			case *mail.InlineHeader:
				contentType, _, _ := h.ContentType()
				raw, readErr := io.ReadAll(part.Body)
				if readErr != nil {
					continue
				}
				switch contentType {
				case "text/plain":
					plain += string(raw)
				case "text/html":
					if html == "" {
						html = stripTags(string(raw))
					}
				}
			}
		}
		if plain != "" {
			return plain
		}
		if html != "" {
			return html
		}
	}
	return ""
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

func stripTags(html string) string {
	return tagPattern.ReplaceAllString(html, " ")
}

func (h *Hub) dial(ctx context.Context) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", h.cfg.IMAPServer, h.cfg.IMAPPort)
	client, err := imapclient.DialTLS(addr, &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: h.cfg.IMAPServer},
	})
	if err != nil {
		return nil, err
	}
	if err := client.Login(h.cfg.Address, h.cfg.AuthCode).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	return client, nil
}
