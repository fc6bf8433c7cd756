package scraping

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// ErrNotConfigured is returned when no provider credentials are available.
var ErrNotConfigured = errors.New("scraping provider not configured")

// ProviderError is a non-2xx answer from the scraping provider.
type ProviderError struct {
	StatusCode int
	Message    string
	Tier       snapshot.ProxyTier
	// Credits charged for the rejected attempt.
	Credits int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned %d at %s tier: %s", e.StatusCode, e.Tier, e.Message)
}

var blockedStatus = map[int]bool{
	403: true,
	407: true,
	429: true,
	503: true,
}

var blockedText = regexp.MustCompile(`(?i)blocked|captcha|access denied|forbidden|bot detected|rate limit`)

// IsBlocked reports whether err is an anti-bot rejection from the provider
// that a stronger proxy tier may get past. Only the provider's own status and
// message count; transport failures and deadlines are never blocked.
func IsBlocked(err error) bool {
	var perr *ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	return blockedStatus[perr.StatusCode] || blockedText.MatchString(perr.Message)
}

// EscalationError is returned by FetchWithRetry when every permitted attempt
// failed. It wraps the last attempt's error and remembers what was spent.
type EscalationError struct {
	Attempts []snapshot.Attempt
	Err      error
}

func (e *EscalationError) Error() string {
	if len(e.Attempts) == 0 {
		return e.Err.Error()
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("scrape failed at %s tier after %d attempt(s): %v", last.Tier, len(e.Attempts), e.Err)
}

func (e *EscalationError) Unwrap() error {
	return e.Err
}

// Credits sums the credits charged across all attempts.
func (e *EscalationError) Credits() int {
	total := 0
	for _, a := range e.Attempts {
		total += a.Credits
	}
	return total
}

// creditsSpent returns what a failed fetch cost, as far as we know.
func creditsSpent(err error) int {
	var eerr *EscalationError
	if errors.As(err, &eerr) {
		return eerr.Credits()
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Credits
	}
	return 0
}

// DualFetchError is returned when both the desktop and mobile captures fail.
type DualFetchError struct {
	Desktop error
	Mobile  error
}

func (e *DualFetchError) Error() string {
	var b strings.Builder
	b.WriteString("dual fetch failed: desktop: ")
	b.WriteString(e.Desktop.Error())
	b.WriteString("; mobile: ")
	b.WriteString(e.Mobile.Error())
	return b.String()
}

func (e *DualFetchError) Unwrap() []error {
	return []error{e.Desktop, e.Mobile}
}
