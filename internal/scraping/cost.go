package scraping

import "github.com/JakeFAU/page-snapshot-cache/internal/snapshot"

const (
	screenshotCredits  = 5
	dualDeviceMultiple = 2
)

// baseCredits is the provider's price per request by tier and JS rendering.
var baseCredits = map[snapshot.ProxyTier]struct{ plain, rendered int }{
	snapshot.TierStandard: {plain: 1, rendered: 5},
	snapshot.TierPremium:  {plain: 10, rendered: 25},
	// Stealth always renders.
	snapshot.TierStealth: {plain: 75, rendered: 75},
}

// EstimateCredits predicts what one logical request costs without making it.
// Unknown tiers are priced as standard.
func EstimateCredits(tier snapshot.ProxyTier, jsRendering, screenshot, dualDevice bool) int {
	price, ok := baseCredits[tier]
	if !ok {
		price = baseCredits[snapshot.TierStandard]
	}
	credits := price.plain
	if jsRendering {
		credits = price.rendered
	}
	if screenshot {
		credits += screenshotCredits
	}
	if dualDevice {
		credits *= dualDeviceMultiple
	}
	return credits
}
