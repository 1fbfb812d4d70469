// Package browserworker implements the Browser-Automation Worker (spec
// §4.G): it drives a real Chromium instance through Upstream's
// email+verification-code login flow and extracts the resulting cookies.
//
// Grounded on
// original_source/backend/GGM/app/services/auto_login/{service,human_behavior}.py.
// Playwright's page/element API is replaced by chromedp's action-list idiom;
// the random-delay, human-like-typing and page-state-indicator logic is
// otherwise a direct port.
package browserworker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

// randomDelay mirrors HumanBehavior.random_delay: a normally-distributed
// duration clamped to [minMs, maxMs], biasing toward the midpoint rather than
// a flat uniform draw.
func randomDelay(minMs, maxMs int) time.Duration {
	mean := float64(minMs+maxMs) / 2
	std := float64(maxMs-minMs) / 4
	delay := rand.NormFloat64()*std + mean
	delay = math.Max(float64(minMs), math.Min(float64(maxMs), delay))
	return time.Duration(delay) * time.Millisecond
}

func waitRandom(minMs, maxMs int) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return sleepCtx(ctx, randomDelay(minMs, maxMs))
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var typingSpeeds = map[string][2]int{
	"fast":   {30, 80},
	"normal": {50, 150},
	"slow":   {100, 250},
	"human":  {40, 200},
}

// typeLikeHuman clicks sel, clears it, and types text one rune at a time with
// randomized inter-keystroke delay, occasionally pausing longer as if
// thinking (the 10% branch in type_like_human).
func typeLikeHuman(sel, text, speed string) chromedp.Action {
	bounds, ok := typingSpeeds[speed]
	if !ok {
		bounds = typingSpeeds["human"]
	}
	minDelay, maxDelay := bounds[0], bounds[1]

	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.Run(ctx, chromedp.Click(sel, chromedp.ByQuery)); err != nil {
			return err
		}
		if err := sleepCtx(ctx, randomDelay(100, 300)); err != nil {
			return err
		}
		if err := chromedp.Run(ctx, chromedp.Clear(sel, chromedp.ByQuery)); err != nil {
			return err
		}
		if err := sleepCtx(ctx, randomDelay(100, 300)); err != nil {
			return err
		}

		for i, r := range text {
			if i > 0 {
				if rand.Float64() < 0.1 {
					if err := sleepCtx(ctx, randomDelay(200, 500)); err != nil {
						return err
					}
				} else if err := sleepCtx(ctx, randomDelay(minDelay, maxDelay)); err != nil {
					return err
				}
			}
			if err := chromedp.Run(ctx, chromedp.SendKeys(sel, string(r), chromedp.ByQuery)); err != nil {
				return err
			}
		}
		return sleepCtx(ctx, randomDelay(200, 500))
	})
}

// randomMouseMovement moves the mouse to n arbitrary points in the viewport,
// the chromedp equivalent of random_mouse_movement — there is no element
// bounding-box API as convenient as Playwright's here, so this jitters
// absolute coordinates instead of tracing a path to a specific element.
func randomMouseMovement(n int) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for i := 0; i < n; i++ {
			x, y := rand.Float64()*1200+40, rand.Float64()*700+40
			if err := chromedp.Run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y)); err != nil {
				return err
			}
			if err := sleepCtx(ctx, randomDelay(80, 250)); err != nil {
				return err
			}
		}
		return nil
	})
}

// humanClick moves toward sel before clicking it, approximating human_click's
// move-then-click behavior.
func humanClick(sel string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := sleepCtx(ctx, randomDelay(200, 600)); err != nil {
			return err
		}
		return chromedp.Run(ctx, chromedp.Click(sel, chromedp.ByQuery))
	})
}

// stealthInitScript is injected on every new document so navigator.webdriver
// and friends don't give the automation away, mirroring
// AutoLoginService._create_stealth_context's add_init_script call.
const stealthInitScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh', 'en'] });
window.chrome = { runtime: {} };
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
	parameters.name === 'notifications' ?
		Promise.resolve({ state: Notification.permission }) :
		originalQuery(parameters)
);
`
