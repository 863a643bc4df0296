package executor

import (
	"context"
	"math/rand"
	"time"

	"github.com/marionette/backend/internal/browser"
	"github.com/marionette/backend/internal/core"
)

// strategyHooks is the capability set every strategy implements. Hooks run
// around the shared navigate step; Execute itself stays with the action
// routines.
type strategyHooks interface {
	Name() core.Strategy
	BeforeNavigation(ctx context.Context, page browser.Page) error
	AfterNavigation(ctx context.Context, page browser.Page) error
}

// realisticViewports is the pool stealth picks from. Common desktop sizes
// so the viewport alone does not flag the session.
var realisticViewports = [][2]int{
	{1920, 1080},
	{1366, 768},
	{1536, 864},
}

// evasionPatches hide the obvious automation tells. Installed by assault
// after every navigation since page scripts reset on document change.
const evasionPatches = `
(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  if (!window.chrome) { window.chrome = { runtime: {} }; }
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
  const origQuery = window.navigator.permissions && window.navigator.permissions.query;
  if (origQuery) {
    window.navigator.permissions.query = (params) =>
      params.name === 'notifications'
        ? Promise.resolve({ state: 'denied' })
        : origQuery(params);
  }
})();`

// hooksFor returns the hook set for a strategy. Random sources are injected
// so tests can pin the choices.
func hooksFor(s core.Strategy, rng *rand.Rand, sleep func(time.Duration)) strategyHooks {
	switch s {
	case core.StrategyStealth:
		return &stealthHooks{rng: rng, sleep: sleep}
	case core.StrategyAssault:
		return &assaultHooks{stealthHooks{rng: rng, sleep: sleep}}
	default:
		return vanillaHooks{}
	}
}

// vanillaHooks does nothing beyond the shared pipeline.
type vanillaHooks struct{}

func (vanillaHooks) Name() core.Strategy                                  { return core.StrategyVanilla }
func (vanillaHooks) BeforeNavigation(context.Context, browser.Page) error { return nil }
func (vanillaHooks) AfterNavigation(context.Context, browser.Page) error  { return nil }

// stealthHooks adds human-ish timing and a realistic viewport.
type stealthHooks struct {
	rng   *rand.Rand
	sleep func(time.Duration)
}

func (s *stealthHooks) Name() core.Strategy { return core.StrategyStealth }

func (s *stealthHooks) BeforeNavigation(ctx context.Context, page browser.Page) error {
	delay := 100 + time.Duration(s.rng.Intn(200))
	s.sleep(delay * time.Millisecond)

	vp := realisticViewports[s.rng.Intn(len(realisticViewports))]
	return page.SetViewport(ctx, vp[0], vp[1])
}

func (s *stealthHooks) AfterNavigation(context.Context, browser.Page) error { return nil }

// assaultHooks layers the client-side patches on top of stealth.
type assaultHooks struct {
	stealthHooks
}

func (a *assaultHooks) Name() core.Strategy { return core.StrategyAssault }

func (a *assaultHooks) AfterNavigation(ctx context.Context, page browser.Page) error {
	_, err := page.Evaluate(ctx, evasionPatches)
	return err
}
