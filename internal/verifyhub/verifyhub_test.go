package verifyhub

import (
	"context"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"

	"github.com/genbridge/gateway/internal/domain"
)

func TestMatchCode_PrefersMostSpecificPattern(t *testing.T) {
	require.Equal(t, "A1B2C3", matchCode("您的验证码为：\nA1B2C3\n"))
	require.Equal(t, "123456", matchCode("Your Google verification code: G-123456"))
	require.Equal(t, "ABC123", matchCode("verification code: ABC123"))
	require.Equal(t, "", matchCode("hello there, nothing relevant in this message at all"))
}

func TestIsGoogleSender(t *testing.T) {
	require.True(t, isGoogleSender("noreply@google.com"))
	require.True(t, isGoogleSender("no-reply@accounts.google.com"))
	require.True(t, isGoogleSender("someone@mail.google.com")) // generic "google" fallback
	require.False(t, isGoogleSender("attacker@evil.example"))
}

func TestStripTags(t *testing.T) {
	require.Equal(t, " hello   world ", stripTags("<p>hello</p> <b>world</b>"))
}

// newTestHub builds a Hub with its unexported fields initialized the same
// way New does, without requiring IMAP config (the tests here never dial).
func newTestHub() *Hub {
	return &Hub{
		channels: make(map[string]chan domain.VerificationCode),
		seenUIDs: make(map[imapv2.UID]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func TestDeliver_RoutesToRecipientChannel(t *testing.T) {
	h := newTestHub()
	now := time.Now()

	vc := domain.VerificationCode{RecipientEmailLower: "user@example.com", Code: "654321", ArrivedAt: now}
	h.deliver(vc)

	ch := h.getOrCreateChannel("user@example.com")
	select {
	case got := <-ch:
		require.Equal(t, "654321", got.Code)
	default:
		t.Fatal("expected a delivered code on the recipient channel")
	}
}

func TestDeliver_UnknownRecipientGoesToFallback(t *testing.T) {
	h := newTestHub()
	now := time.Now()

	h.deliver(domain.VerificationCode{Code: "111222", ArrivedAt: now})

	code, ok := h.drainFallback("anyone@example.com", now.Add(-time.Second))
	require.True(t, ok)
	require.Equal(t, "111222", code)
}

func TestDeliver_FullChannelDropsOldestForFreshest(t *testing.T) {
	h := newTestHub()
	now := time.Now()
	recipient := "user@example.com"

	for i := 0; i < waiterChanBuf; i++ {
		h.deliver(domain.VerificationCode{RecipientEmailLower: recipient, Code: "OLD", ArrivedAt: now})
	}
	h.deliver(domain.VerificationCode{RecipientEmailLower: recipient, Code: "FRESH", ArrivedAt: now})

	ch := h.getOrCreateChannel(recipient)
	var last string
	for i := 0; i < waiterChanBuf; i++ {
		last = (<-ch).Code
	}
	require.Equal(t, "FRESH", last)
}

func TestDrainFallback_IgnoresEntriesOlderThanSince(t *testing.T) {
	h := newTestHub()
	now := time.Now()

	h.deliver(domain.VerificationCode{Code: "STALE", ArrivedAt: now.Add(-time.Hour)})

	_, ok := h.drainFallback("user@example.com", now)
	require.False(t, ok)
}

func TestMarkSeen_DedupesAndTrimsFIFO(t *testing.T) {
	h := newTestHub()

	require.True(t, h.markSeen(imapv2.UID(1)))
	require.False(t, h.markSeen(imapv2.UID(1)))
	require.True(t, h.markSeen(imapv2.UID(2)))
}

func TestWaitForCode_ReturnsDeliveredCode(t *testing.T) {
	h := newTestHub()
	now := time.Now()

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.deliver(domain.VerificationCode{RecipientEmailLower: "user@example.com", Code: "999999", ArrivedAt: time.Now()})
	}()

	code, err := h.WaitForCode(context.Background(), "user@example.com", time.Second, now)
	require.NoError(t, err)
	require.Equal(t, "999999", code)
}

func TestWaitForCode_TimesOut(t *testing.T) {
	h := newTestHub()
	now := time.Now()

	_, err := h.WaitForCode(context.Background(), "nobody@example.com", 30*time.Millisecond, now)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestResolveRecipient_DirectToAddressUsedWhenNotOwnMailbox(t *testing.T) {
	h := newTestHub()
	h.cfg.Address = "hub@qq.com"

	env := &imapv2.Envelope{To: []imapv2.Address{{Mailbox: "someone", Host: "example.com"}}}
	require.Equal(t, "someone@example.com", h.resolveRecipient(env, "irrelevant body"))
}

func TestResolveRecipient_ForwardedMailScansBodyForRecipient(t *testing.T) {
	h := newTestHub()
	h.cfg.Address = "hub@qq.com"

	env := &imapv2.Envelope{To: []imapv2.Address{{Mailbox: "hub", Host: "qq.com"}}}
	body := "Your Google Business account harvested-account-7@workspace-example.com received a new sign-in code."

	require.Equal(t, "harvested-account-7@workspace-example.com", h.resolveRecipient(env, body))
}

func TestResolveRecipient_ForwardedMailSkipsExcludedDomains(t *testing.T) {
	h := newTestHub()
	h.cfg.Address = "hub@qq.com"

	env := &imapv2.Envelope{To: []imapv2.Address{{Mailbox: "hub", Host: "qq.com"}}}
	body := "Sent by noreply@google.com on behalf of target-account@customer-domain.org, reply to support@gmail.com."

	require.Equal(t, "target-account@customer-domain.org", h.resolveRecipient(env, body))
}

func TestResolveRecipient_ForwardedMailNoCandidateFallsBackEmpty(t *testing.T) {
	h := newTestHub()
	h.cfg.Address = "hub@qq.com"

	env := &imapv2.Envelope{To: []imapv2.Address{{Mailbox: "hub", Host: "qq.com"}}}
	require.Equal(t, "", h.resolveRecipient(env, "no addresses in here at all"))
}
