package scraping

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/metrics"
	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// Provider response metadata headers.
const (
	headerCost          = "Spb-Cost"
	headerResolvedURL   = "Spb-Resolved-Url"
	headerInitialStatus = "Spb-Initial-Status-Code"
)

const maxErrorBody = 4 << 10

var tracer = otel.Tracer("github.com/JakeFAU/page-snapshot-cache/internal/scraping")

// Config controls the provider client.
type Config struct {
	APIKey string
	// AuthURL exchanges the API key for a bearer token. When empty the API
	// key itself is sent as the bearer token.
	AuthURL        string
	BaseURL        string
	RequestTimeout time.Duration
	WaitMs         int
	MobileWidth    int
	UserAgent      string
}

// Waiter paces outbound calls; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client issues single-tier requests to the scraping provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *TokenCache
	limiter    Waiter
	logger     *zap.Logger
}

// NewClient constructs a Client. A nil httpClient uses http.DefaultClient and
// a nil limiter disables pacing.
func NewClient(
	cfg Config,
	httpClient *http.Client,
	tokens *TokenCache,
	limiter Waiter,
	logger *zap.Logger,
) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	if cfg.MobileWidth <= 0 {
		cfg.MobileWidth = 375
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    limiter,
		logger:     logger,
	}
}

// Configured reports whether provider credentials are present.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != "" && c.cfg.BaseURL != "" && c.tokens != nil
}

// Scrape performs one provider request at tier. It never retries.
func (c *Client) Scrape(
	ctx context.Context,
	req snapshot.ScrapeRequest,
	tier snapshot.ProxyTier,
) (snapshot.ScrapeResult, error) {
	if !c.Configured() {
		return snapshot.ScrapeResult{}, ErrNotConfigured
	}

	ctx, span := tracer.Start(ctx, "scraping.Scrape")
	defer span.End()
	span.SetAttributes(
		attribute.String("scrape.tier", string(tier)),
		attribute.String("scrape.device", string(deviceOf(req))),
		attribute.Bool("scrape.screenshot", req.Screenshot),
	)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.cfg.BaseURL); err != nil {
			return snapshot.ScrapeResult{}, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	result, err := c.do(ctx, req, tier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := "error"
		if IsBlocked(err) {
			outcome = "blocked"
		}
		metrics.ObserveScrapeAttempt(string(tier), outcome, creditsSpent(err))
		return snapshot.ScrapeResult{}, err
	}
	span.SetAttributes(attribute.Int("scrape.credits", result.CreditsUsed))
	metrics.ObserveScrapeAttempt(string(tier), "success", result.CreditsUsed)
	return result, nil
}

func (c *Client) do(
	ctx context.Context,
	req snapshot.ScrapeRequest,
	tier snapshot.ProxyTier,
) (snapshot.ScrapeResult, error) {
	endpoint, err := c.buildURL(req, tier)
	if err != nil {
		return snapshot.ScrapeResult{}, err
	}
	token, err := c.tokens.Token(ctx, c.fetchToken)
	if err != nil {
		return snapshot.ScrapeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return snapshot.ScrapeResult{}, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return snapshot.ScrapeResult{}, fmt.Errorf("provider request %s: %w", req.URL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close provider response", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return snapshot.ScrapeResult{}, c.providerError(resp, req, tier)
	}

	var body struct {
		Body       string `json:"body"`
		Screenshot string `json:"screenshot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return snapshot.ScrapeResult{}, fmt.Errorf("decode provider response: %w", err)
	}

	result := snapshot.ScrapeResult{
		HTML:         body.Body,
		ResolvedURL:  resp.Header.Get(headerResolvedURL),
		StatusCode:   headerInt(resp.Header, headerInitialStatus, http.StatusOK),
		CreditsUsed:  headerInt(resp.Header, headerCost, EstimateCredits(tier, true, req.Screenshot, false)),
		TierUsed:     tier,
		RenderMethod: snapshot.RenderScrapingTiered,
	}
	if result.ResolvedURL == "" {
		result.ResolvedURL = req.URL
	}
	if body.Screenshot != "" {
		shot, err := base64.StdEncoding.DecodeString(body.Screenshot)
		if err != nil {
			return snapshot.ScrapeResult{}, fmt.Errorf("decode screenshot: %w", err)
		}
		result.Screenshot = shot
	}
	return result, nil
}

func (c *Client) buildURL(req snapshot.ScrapeRequest, tier snapshot.ProxyTier) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse provider base url: %w", err)
	}

	q := base.Query()
	q.Set("url", req.URL)
	q.Set("render_js", "true")
	q.Set("json_response", "true")

	wait := req.WaitMs
	if wait <= 0 {
		wait = c.cfg.WaitMs
	}
	if wait > 0 {
		q.Set("wait", strconv.Itoa(wait))
	}

	device := deviceOf(req)
	q.Set("device", string(device))
	if device == snapshot.DeviceMobile {
		q.Set("window_width", strconv.Itoa(c.cfg.MobileWidth))
	}
	if req.BlockAds {
		q.Set("block_ads", "true")
	}
	if req.Screenshot {
		q.Set("screenshot", "true")
		q.Set("screenshot_full_page", "true")
	}

	switch tier {
	case snapshot.TierStandard:
	case snapshot.TierPremium:
		q.Set("premium_proxy", "true")
	case snapshot.TierStealth:
		q.Set("stealth_proxy", "true")
	default:
		return "", fmt.Errorf("unknown proxy tier %q", tier)
	}

	if len(req.Instructions) > 0 {
		scenario, err := json.Marshal(struct {
			Instructions []snapshot.Instruction `json:"instructions"`
			Strict       bool                   `json:"strict"`
		}{Instructions: req.Instructions})
		if err != nil {
			return "", fmt.Errorf("encode js scenario: %w", err)
		}
		q.Set("js_scenario", string(scenario))
	}

	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (c *Client) providerError(
	resp *http.Response,
	req snapshot.ScrapeRequest,
	tier snapshot.ProxyTier,
) *ProviderError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	perr := &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(raw),
		Tier:       tier,
	}
	// Rejections by the target's anti-bot layer are billed; provider faults are not.
	fallback := 0
	if IsBlocked(perr) {
		fallback = EstimateCredits(tier, true, req.Screenshot, false)
	}
	perr.Credits = headerInt(resp.Header, headerCost, fallback)
	return perr
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if c.cfg.AuthURL == "" {
		return c.cfg.APIKey, 0, nil
	}

	payload, err := json.Marshal(map[string]string{"api_key": c.cfg.APIKey})
	if err != nil {
		return "", 0, fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close token response", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, errorMessage(raw))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	return body.AccessToken, time.Duration(body.ExpiresIn) * time.Second, nil
}

func deviceOf(req snapshot.ScrapeRequest) snapshot.Device {
	if req.Device == "" {
		return snapshot.DeviceDesktop
	}
	return req.Device
}

func headerInt(h http.Header, key string, fallback int) int {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// errorMessage extracts a human readable message from a provider error body.
func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Error != "":
			return body.Error
		}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "no message"
	}
	return msg
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
