package browserworker

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
	apperrors "github.com/genbridge/gateway/internal/pkg/errors"
)

const (
	geminiHome     = "https://business.gemini.google"
	authPageHost   = "auth.business.gemini.google"
	verifyPageHost = "accountverification.business.gemini.google"
	trialCreateURL = "business.gemini.google/admin/create"

	navTimeout         = 60 * time.Second
	elementWaitTimeout = 30 * time.Second
)

var loginSuccessIndicators = []string{
	"business.gemini.google/home",
	"business.gemini.google/cid",
}

var errorPageIndicators = []string{
	"signin-error",
	"请试试其他方法",
	"Try another way",
	"Something went wrong",
}

var verificationKeywords = []string{
	"请输入验证码", "输入验证码", "verification", "verify", "enter the code", "security code", "验证码",
}

var sentIndicators = []string{
	"验证码已发送", "请查收你的邮件", "请查收您的邮件", "已发送验证码", "代码已发送",
	"Code sent", "code has been sent", "Check your email", "check your inbox",
}

var cidPattern = regexp.MustCompile(`/cid/([^/?#]+)`)

// VerificationWaiter is the subset of *verifyhub.Hub the Worker needs, kept
// as an interface so the two packages don't import each other's internals.
type VerificationWaiter interface {
	WaitForCode(ctx context.Context, recipient string, timeout time.Duration, since time.Time) (string, error)
}

// Worker drives a headless (or headed, for debugging) Chromium instance
// through Upstream's login flow. One Worker is shared across refresh/register
// tasks by the Lifecycle Manager; each task gets its own browser context so
// cookies never leak between accounts (spec §4.G, §4.H "browser created
// lazily... torn down after N idle cycles").
type Worker struct {
	cfg      config.AutoLoginConfig
	proxyURL string
	log      *zap.Logger
}

func New(cfg config.AutoLoginConfig, proxyURL string, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, proxyURL: proxyURL, log: log}
}

// newBrowserContext allocates a fresh Chromium process + isolated context
// (AutoLoginService._ensure_browser + _create_stealth_context combined: a
// whole process per task rather than one shared browser with per-task
// contexts, since chromedp's allocator model makes that the natural unit of
// isolation).
func (w *Worker) newBrowserContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", w.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.WindowSize(1280, 800),
		chromedp.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if w.proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(w.proxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	cancel := func() {
		browserCancel()
		allocCancel()
	}

	if err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthInitScript).Do(ctx)
			return err
		}),
	); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("start browser: %w", err)
	}

	return browserCtx, cancel, nil
}

// RefreshAccount re-harvests cookies for an already-known account (spec
// §4.G "refresh"): it navigates straight to the account's home URL, logs in
// if the session has expired, and extracts fresh credentials.
func (w *Worker) RefreshAccount(ctx context.Context, teamID, csesidx, googleEmail string, hub VerificationWaiter) (domain.CredentialBundle, error) {
	targetURL := fmt.Sprintf("%s/home/cid/%s", geminiHome, teamID)
	if csesidx != "" {
		targetURL += "?csesidx=" + csesidx
	}
	return w.runFlow(ctx, googleEmail, "", targetURL, hub)
}

// RegisterAccount harvests a brand new account starting from the Gemini
// Business landing page (spec §4.G "register").
func (w *Worker) RegisterAccount(ctx context.Context, googleEmail, note string, hub VerificationWaiter) (domain.CredentialBundle, error) {
	return w.runFlow(ctx, googleEmail, note, geminiHome+"/", hub)
}

// runFlow is the shared backbone of refresh_account/register_new_account:
// navigate, log in if needed, survive the trial-signup interstitial, wait
// for the chat page, then read cookies back out. Retries the whole flow up
// to cfg.RetryCount times with 5s/10s/15s backoff (spec §4.G "max 3
// attempts").
func (w *Worker) runFlow(ctx context.Context, googleEmail, note, targetURL string, hub VerificationWaiter) (domain.CredentialBundle, error) {
	maxAttempts := w.cfg.RetryCount
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(5*(attempt+1)) * time.Second
			if err := sleepCtx(ctx, backoff); err != nil {
				return domain.CredentialBundle{}, err
			}
		}

		bundle, err := w.attemptFlow(ctx, googleEmail, note, targetURL, hub)
		if err == nil {
			return bundle, nil
		}
		lastErr = err
		w.log.Warn("browser automation attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return domain.CredentialBundle{}, apperrors.BrowserFlow(fmt.Sprintf("automation failed after %d attempts: %v", maxAttempts, lastErr), lastErr)
}

func (w *Worker) attemptFlow(ctx context.Context, googleEmail, note, targetURL string, hub VerificationWaiter) (domain.CredentialBundle, error) {
	browserCtx, cancel, err := w.newBrowserContext(ctx)
	if err != nil {
		return domain.CredentialBundle{}, err
	}
	defer cancel()

	navCtx, navCancel := context.WithTimeout(browserCtx, navTimeout)
	defer navCancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(targetURL)); err != nil {
		return domain.CredentialBundle{}, fmt.Errorf("navigate: %w", err)
	}
	if err := sleepCtx(browserCtx, time.Duration(2000+rand.Intn(2000))*time.Millisecond); err != nil {
		return domain.CredentialBundle{}, err
	}

	if err := w.handleTrialSignupIfPresent(browserCtx, displayName(note, googleEmail)); err != nil {
		return domain.CredentialBundle{}, err
	}

	current, err := currentURL(browserCtx)
	if err != nil {
		return domain.CredentialBundle{}, err
	}
	if needsLogin(current) {
		if err := w.login(browserCtx, googleEmail, hub); err != nil {
			return domain.CredentialBundle{}, err
		}
		if err := chromedp.Run(browserCtx, chromedp.Navigate(targetURL)); err != nil {
			return domain.CredentialBundle{}, fmt.Errorf("re-navigate after login: %w", err)
		}
		if err := sleepCtx(browserCtx, 3*time.Second); err != nil {
			return domain.CredentialBundle{}, err
		}
		if err := w.handleTrialSignupIfPresent(browserCtx, displayName(note, googleEmail)); err != nil {
			return domain.CredentialBundle{}, err
		}
	}

	if err := w.waitForChatPage(browserCtx); err != nil {
		return domain.CredentialBundle{}, err
	}
	dismissWelcomeDialog(browserCtx)

	return w.extractCredentials(browserCtx)
}

func displayName(note, googleEmail string) string {
	if note != "" {
		return note
	}
	if at := strings.IndexByte(googleEmail, '@'); at > 0 {
		return googleEmail[:at]
	}
	return "Gemini User"
}

func needsLogin(currentURL string) bool {
	lower := strings.ToLower(currentURL)
	return strings.Contains(currentURL, "accounts.google.com") ||
		strings.Contains(currentURL, authPageHost) ||
		strings.Contains(lower, "signin")
}

func currentURL(ctx context.Context) (string, error) {
	var u string
	if err := chromedp.Run(ctx, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func pageContent(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func containsAnyFold(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// login runs GoogleAutoLogin.login's state machine: enter email, wait for a
// possible verification challenge, resolve it via the email hub, and wait
// for the success indicator.
func (w *Worker) login(ctx context.Context, googleEmail string, hub VerificationWaiter) error {
	current, err := currentURL(ctx)
	if err != nil {
		return err
	}

	if err := sleepCtx(ctx, randomDelay(1000, 2500)); err != nil {
		return err
	}

	var emailSelector, submitSelector string
	switch {
	case strings.Contains(current, authPageHost):
		emailSelector, submitSelector = "#email-input", "#log-in-button"
	case strings.Contains(current, "accounts.google.com"):
		emailSelector, submitSelector = `input[type="email"]`, "#identifierNext"
	default:
		return apperrors.BrowserFlow(fmt.Sprintf("unrecognized login page: %s", current), nil)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, elementWaitTimeout)
	defer waitCancel()
	if err := chromedp.Run(waitCtx, chromedp.WaitVisible(emailSelector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for email input: %w", err)
	}

	if err := chromedp.Run(ctx,
		randomMouseMovement(1+rand.Intn(3)),
		typeLikeHuman(emailSelector, googleEmail, "human"),
	); err != nil {
		return fmt.Errorf("enter email: %w", err)
	}
	if err := sleepCtx(ctx, randomDelay(300, 800)); err != nil {
		return err
	}
	if err := chromedp.Run(ctx, humanClick(submitSelector)); err != nil {
		// Fall back to Enter if the submit button wasn't actually there.
		_ = chromedp.Run(ctx, chromedp.KeyEvent("\r"))
	}

	if err := sleepCtx(ctx, randomDelay(3000, 5000)); err != nil {
		return err
	}

	requestTime := time.Now()
	for i := 0; i < 15; i++ {
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
		current, err = currentURL(ctx)
		if err != nil {
			return err
		}
		if isErrorPage(ctx, current) {
			return apperrors.BrowserFlow("detected automation error page", nil)
		}
		if containsAnyFold(current, loginSuccessIndicators) {
			return nil
		}
		if isVerificationPage(ctx, current) {
			return w.handleVerification(ctx, requestTime, googleEmail, hub)
		}
	}

	return w.waitForLoginSuccess(ctx, 30*time.Second)
}

func isErrorPage(ctx context.Context, current string) bool {
	if containsAnyFold(current, errorPageIndicators) {
		return true
	}
	content, err := pageContent(ctx)
	if err != nil {
		return false
	}
	return containsAnyFold(content, errorPageIndicators)
}

func isVerificationPage(ctx context.Context, current string) bool {
	if strings.Contains(current, verifyPageHost) || strings.Contains(current, "accounts.google.com/v2/challenge") {
		return true
	}
	content, err := pageContent(ctx)
	if err != nil {
		return false
	}
	return containsAnyFold(content, verificationKeywords)
}

func (w *Worker) handleVerification(ctx context.Context, requestTime time.Time, googleEmail string, hub VerificationWaiter) error {
	w.waitForSentIndicator(ctx, 60*time.Second)

	actualRequestTime := time.Now()
	code, err := hub.WaitForCode(ctx, googleEmail, w.cfg.VerificationTimeout, actualRequestTime)
	if err != nil {
		return apperrors.VerificationTimeout(fmt.Sprintf("no verification code for %s: %v", googleEmail, err))
	}

	return enterVerificationCode(ctx, code)
}

func (w *Worker) waitForSentIndicator(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		content, err := pageContent(ctx)
		if err == nil && containsAnyFold(content, sentIndicators) {
			return true
		}
		if !isVerificationPage(ctx, mustCurrentURL(ctx)) {
			return false
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return false
		}
	}
	return false
}

func mustCurrentURL(ctx context.Context) string {
	u, _ := currentURL(ctx)
	return u
}

var verificationInputSelectors = []string{
	`input[name="code"]`, `input[type="tel"]`, `input[autocomplete="one-time-code"]`,
	`input[name="totpPin"]`, `input[name="Pin"]`, `input#code`,
}

var verificationNextButtonSelectors = []string{
	"#idvPreregisteredPhoneNext", `button[type="submit"]`,
}

func enterVerificationCode(ctx context.Context, code string) error {
	current, err := currentURL(ctx)
	if err != nil {
		return err
	}
	if strings.Contains(current, verifyPageHost) {
		return enterVerificationCodeGemini(ctx, code)
	}
	return enterVerificationCodeGoogle(ctx, code)
}

// enterVerificationCodeGemini fills Gemini Business's six independent
// single-character boxes, or a single combined box if that's what rendered.
func enterVerificationCodeGemini(ctx context.Context, code string) error {
	if err := sleepCtx(ctx, time.Second); err != nil {
		return err
	}
	var count int
	if err := chromedp.Run(ctx, chromedp.EvaluateAsDevTools(
		`document.querySelectorAll('input[type="text"]').length`, &count)); err != nil {
		return err
	}

	if count >= 6 {
		for i, ch := range code {
			if i >= 6 {
				break
			}
			sel := fmt.Sprintf(`(document.querySelectorAll('input[type="text"]'))[%d]`, i)
			if err := chromedp.Run(ctx, chromedp.EvaluateAsDevTools(
				fmt.Sprintf(`%s.value = %q; %s.dispatchEvent(new Event('input', {bubbles:true}));`, sel, string(ch), sel), nil)); err != nil {
				return err
			}
			if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
				return err
			}
		}
	} else {
		if err := chromedp.Run(ctx, chromedp.SetValue(`input[type="text"]`, code, chromedp.ByQuery)); err != nil {
			return err
		}
	}

	if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
		return err
	}
	_ = chromedp.Run(ctx, chromedp.Click(`button[type="submit"]`, chromedp.ByQuery))
	return sleepCtx(ctx, 3*time.Second)
}

func enterVerificationCodeGoogle(ctx context.Context, code string) error {
	for _, sel := range verificationInputSelectors {
		if err := chromedp.Run(ctx, chromedp.SetValue(sel, code, chromedp.ByQuery)); err != nil {
			continue
		}
		for _, btnSel := range verificationNextButtonSelectors {
			if err := chromedp.Run(ctx, chromedp.Click(btnSel, chromedp.ByQuery)); err == nil {
				break
			}
		}
		return sleepCtx(ctx, 3*time.Second)
	}
	return apperrors.BrowserFlow("no verification input found", nil)
}

func (w *Worker) waitForLoginSuccess(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	trialHandled := false
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
		current, err := currentURL(ctx)
		if err != nil {
			return err
		}
		if containsAnyFold(current, loginSuccessIndicators) {
			return nil
		}
		if !trialHandled && strings.Contains(current, trialCreateURL) {
			if err := w.handleTrialSignupIfPresent(ctx, "Gemini User"); err == nil {
				trialHandled = true
				_ = sleepCtx(ctx, 3*time.Second)
			}
		}
	}
	return apperrors.BrowserFlow("timed out waiting for login success", nil)
}

func (w *Worker) waitForChatPage(ctx context.Context) error {
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		current, err := currentURL(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(current, "/cid/") {
			return nil
		}
		if strings.Contains(current, trialCreateURL) {
			_ = w.handleTrialSignupIfPresent(ctx, "Gemini User")
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
	}
	return nil // best-effort: extraction below will fail loudly if we never arrived
}

var trialSubmitSelectors = []string{
	`button[type="submit"]`,
}

func (w *Worker) handleTrialSignupIfPresent(ctx context.Context, name string) error {
	current, err := currentURL(ctx)
	if err != nil {
		return err
	}
	if !strings.Contains(current, trialCreateURL) {
		return nil
	}

	if err := sleepCtx(ctx, time.Second); err != nil {
		return err
	}
	_ = chromedp.Run(ctx, chromedp.SetValue(`input[type="text"]`, name, chromedp.ByQuery))
	_ = sleepCtx(ctx, 300*time.Millisecond)
	for _, sel := range trialSubmitSelectors {
		if err := chromedp.Run(ctx, chromedp.Click(sel, chromedp.ByQuery)); err == nil {
			break
		}
	}

	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
		current, err = currentURL(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(current, "admin/create") {
			return nil
		}
	}
	return apperrors.BrowserFlow("timed out on trial signup page", nil)
}

func dismissWelcomeDialog(ctx context.Context) {
	_ = sleepCtx(ctx, 2*time.Second)
	selectors := []string{
		`button.mdc-button--outlined`,
		`div[role="dialog"] button:first-of-type`,
	}
	for _, sel := range selectors {
		if err := chromedp.Run(ctx, chromedp.Click(sel, chromedp.ByQuery)); err == nil {
			_ = sleepCtx(ctx, 2*time.Second)
			return
		}
	}
	_ = chromedp.Run(ctx, chromedp.KeyEvent(kb.Escape))
}

// extractCredentials reads team_id/csesidx off the final URL and the
// session cookies out of the browser context, matching
// AutoLoginService.refresh_account's credential-extraction tail.
func (w *Worker) extractCredentials(ctx context.Context) (domain.CredentialBundle, error) {
	current, err := currentURL(ctx)
	if err != nil {
		return domain.CredentialBundle{}, err
	}
	if !strings.Contains(current, "business.gemini.google") || !strings.Contains(current, "/cid/") ||
		strings.Contains(current, authPageHost) {
		return domain.CredentialBundle{}, apperrors.BrowserFlow(fmt.Sprintf("did not land on chat page: %s", current), nil)
	}

	bundle := domain.CredentialBundle{RefreshAt: time.Now()}
	if m := cidPattern.FindStringSubmatch(current); m != nil {
		bundle.TeamID = m[1]
	}
	if parsed, err := url.Parse(current); err == nil {
		bundle.CSesIdx = parsed.Query().Get("csesidx")
	}

	var cookies []*network.Cookie
	if err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c, err := network.GetCookies().WithUrls([]string{geminiHome}).Do(ctx)
		cookies = c
		return err
	})); err != nil {
		return domain.CredentialBundle{}, fmt.Errorf("read cookies: %w", err)
	}
	for _, c := range cookies {
		switch c.Name {
		case "__Secure-C_SES":
			bundle.SecureCSes = c.Value
		case "__Host-C_OSES":
			bundle.HostCOses = c.Value
		}
	}

	if bundle.SecureCSes == "" {
		return domain.CredentialBundle{}, apperrors.BrowserFlow("missing __Secure-C_SES cookie after login", nil)
	}
	return bundle, nil
}
