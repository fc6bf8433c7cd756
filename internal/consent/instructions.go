package consent

import (
	"slices"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// Known consent management platforms.
const (
	ProviderOneTrust     = "onetrust"
	ProviderCookiebot    = "cookiebot"
	ProviderDidomi       = "didomi"
	ProviderQuantcast    = "quantcast"
	ProviderUsercentrics = "usercentrics"
	ProviderTrustArc     = "trustarc"
	ProviderGeneric      = "generic"
)

const (
	bannerWaitMs = 1000
	settleWaitMs = 500
)

// acceptSelectors are the "accept all" buttons of each platform, tried in order.
var acceptSelectors = map[string][]string{
	ProviderOneTrust: {"#onetrust-accept-btn-handler"},
	ProviderCookiebot: {
		"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
		"#CybotCookiebotDialogBodyButtonAccept",
	},
	ProviderDidomi:       {"#didomi-notice-agree-button"},
	ProviderQuantcast:    {".qc-cmp2-summary-buttons button[mode='primary']"},
	ProviderUsercentrics: {"[data-testid='uc-accept-all-button']"},
	ProviderTrustArc:     {"#truste-consent-button", ".truste_popframe .call"},
	ProviderGeneric: {
		"button[id*='accept' i]",
		"button[class*='accept' i]",
		"[aria-label*='accept' i]",
	},
}

// Providers returns the known provider names, sorted.
func Providers() []string {
	out := make([]string, 0, len(acceptSelectors))
	for name := range acceptSelectors {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Known reports whether provider is a known platform or ConsentNone.
func Known(provider string) bool {
	if provider == snapshot.ConsentNone {
		return true
	}
	_, ok := acceptSelectors[provider]
	return ok
}

// Instructions returns the banner dismissal steps for provider: wait for the
// banner, click each accept selector, then let the page settle. Clicks on
// missing elements are skipped by the provider. Unknown providers and
// ConsentNone yield no steps.
func Instructions(provider string) []snapshot.Instruction {
	selectors, ok := acceptSelectors[provider]
	if !ok {
		return nil
	}
	steps := make([]snapshot.Instruction, 0, len(selectors)+2)
	steps = append(steps, snapshot.Instruction{Wait: bannerWaitMs})
	for _, sel := range selectors {
		steps = append(steps, snapshot.Instruction{Click: sel})
	}
	return append(steps, snapshot.Instruction{Wait: settleWaitMs})
}

// WithCallerSteps runs the consent steps for provider first, then extra.
func WithCallerSteps(provider string, extra []snapshot.Instruction) []snapshot.Instruction {
	steps := Instructions(provider)
	if len(extra) == 0 {
		return steps
	}
	return append(steps, extra...)
}
