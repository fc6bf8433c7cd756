package scraping

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

type providerStub struct {
	t          *testing.T
	tokenCalls atomic.Int32
	handler    http.HandlerFunc
}

func (p *providerStub) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		var body map[string]string
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(p.t, "secret", body["api_key"])
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/scrape", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(p.t, "Bearer tok", r.Header.Get("Authorization"))
		p.handler(w, r)
	})
	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(Config{
		APIKey:         "secret",
		AuthURL:        srv.URL + "/auth",
		BaseURL:        srv.URL + "/scrape",
		RequestTimeout: 2 * time.Second,
		WaitMs:         1500,
	}, srv.Client(), NewTokenCache(newFakeClock(), time.Hour, time.Minute), nil, zap.NewNop())
}

func TestClientScrapeSuccess(t *testing.T) {
	t.Parallel()

	shot := []byte{0x89, 'P', 'N', 'G'}
	stub := &providerStub{t: t}
	stub.handler = func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "https://example.com", q.Get("url"))
		require.Equal(t, "true", q.Get("render_js"))
		require.Equal(t, "true", q.Get("json_response"))
		require.Equal(t, "1500", q.Get("wait"))
		require.Equal(t, "mobile", q.Get("device"))
		require.Equal(t, "375", q.Get("window_width"))
		require.Equal(t, "true", q.Get("screenshot"))
		require.Equal(t, "true", q.Get("screenshot_full_page"))
		require.Equal(t, "true", q.Get("premium_proxy"))
		require.Empty(t, q.Get("stealth_proxy"))
		require.JSONEq(t,
			`{"instructions":[{"wait":500},{"click":"#accept"}],"strict":false}`,
			q.Get("js_scenario"))

		w.Header().Set(headerCost, "30")
		w.Header().Set(headerResolvedURL, "https://example.com/home")
		w.Header().Set(headerInitialStatus, "301")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"body":       "<html>ok</html>",
			"screenshot": base64.StdEncoding.EncodeToString(shot),
		})
	}
	srv := stub.server()
	defer srv.Close()

	client := newTestClient(t, srv)
	require.True(t, client.Configured())

	req := snapshot.ScrapeRequest{
		URL:          "https://example.com",
		Device:       snapshot.DeviceMobile,
		Screenshot:   true,
		Instructions: []snapshot.Instruction{{Wait: 500}, {Click: "#accept"}},
	}
	res, err := client.Scrape(context.Background(), req, snapshot.TierPremium)
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", res.HTML)
	require.Equal(t, shot, res.Screenshot)
	require.Equal(t, "https://example.com/home", res.ResolvedURL)
	require.Equal(t, 301, res.StatusCode)
	require.Equal(t, 30, res.CreditsUsed)
	require.Equal(t, snapshot.TierPremium, res.TierUsed)
	require.Equal(t, snapshot.RenderScrapingTiered, res.RenderMethod)

	_, err = client.Scrape(context.Background(), req, snapshot.TierPremium)
	require.NoError(t, err)
	require.Equal(t, int32(1), stub.tokenCalls.Load())
}

func TestClientScrapeDefaultsWithoutMetadata(t *testing.T) {
	t.Parallel()

	stub := &providerStub{t: t}
	stub.handler = func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "desktop", r.URL.Query().Get("device"))
		require.Empty(t, r.URL.Query().Get("window_width"))
		require.Empty(t, r.URL.Query().Get("premium_proxy"))
		_ = json.NewEncoder(w).Encode(map[string]string{"body": "<p>hi</p>"})
	}
	srv := stub.server()
	defer srv.Close()

	res, err := newTestClient(t, srv).Scrape(
		context.Background(),
		snapshot.ScrapeRequest{URL: "https://example.com"},
		snapshot.TierStandard,
	)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "https://example.com", res.ResolvedURL)
	require.Equal(t, EstimateCredits(snapshot.TierStandard, true, false, false), res.CreditsUsed)
	require.Nil(t, res.Screenshot)
}

func TestClientScrapeBlocked(t *testing.T) {
	t.Parallel()

	stub := &providerStub{t: t}
	stub.handler = func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("stealth_proxy"))
		w.Header().Set(headerCost, "75")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "slow down"})
	}
	srv := stub.server()
	defer srv.Close()

	_, err := newTestClient(t, srv).Scrape(
		context.Background(),
		snapshot.ScrapeRequest{URL: "https://example.com"},
		snapshot.TierStealth,
	)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	require.Equal(t, "slow down", perr.Message)
	require.Equal(t, 75, perr.Credits)
	require.True(t, IsBlocked(err))
}

func TestClientScrapeProviderFaultIsNotCharged(t *testing.T) {
	t.Parallel()

	stub := &providerStub{t: t}
	stub.handler = func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal glitch", http.StatusInternalServerError)
	}
	srv := stub.server()
	defer srv.Close()

	_, err := newTestClient(t, srv).Scrape(
		context.Background(),
		snapshot.ScrapeRequest{URL: "https://example.com"},
		snapshot.TierStandard,
	)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.False(t, IsBlocked(err))
	require.Zero(t, perr.Credits)
}

func TestClientScrapeTimeout(t *testing.T) {
	t.Parallel()

	stub := &providerStub{t: t}
	stub.handler = func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}
	srv := stub.server()
	defer srv.Close()

	client := newTestClient(t, srv)
	client.cfg.RequestTimeout = 50 * time.Millisecond

	_, err := client.Scrape(
		context.Background(),
		snapshot.ScrapeRequest{URL: "https://example.com"},
		snapshot.TierStandard,
	)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.False(t, IsBlocked(err))
}

func TestClientNotConfigured(t *testing.T) {
	t.Parallel()

	client := NewClient(Config{BaseURL: "https://provider.test"}, nil, nil, nil, nil)
	require.False(t, client.Configured())

	_, err := client.Scrape(context.Background(), snapshot.ScrapeRequest{URL: "https://x.test"}, snapshot.TierStandard)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestClientUsesAPIKeyWithoutAuthURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer raw-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"body": "ok"})
	}))
	defer srv.Close()

	client := NewClient(
		Config{APIKey: "raw-key", BaseURL: srv.URL},
		srv.Client(),
		NewTokenCache(newFakeClock(), time.Hour, time.Minute),
		nil,
		nil,
	)
	_, err := client.Scrape(context.Background(), snapshot.ScrapeRequest{URL: "https://x.test"}, snapshot.TierStandard)
	require.NoError(t, err)
}

func TestClientTransportErrorOnBlockWordURLDoesNotEscalate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL + "/scrape"
	srv.Close()

	client := NewClient(Config{
		APIKey:         "secret",
		BaseURL:        base,
		RequestTimeout: 2 * time.Second,
	}, nil, NewTokenCache(newFakeClock(), time.Hour, time.Minute), nil, zap.NewNop())
	esc := NewEscalator(client, nil, 0, nil)

	_, err := esc.FetchWithRetry(
		context.Background(),
		snapshot.ScrapeRequest{URL: "https://shop.example.com/captcha-help"},
		snapshot.TierStandard,
		true,
	)
	require.Error(t, err)
	require.False(t, IsBlocked(err))

	var eerr *EscalationError
	require.ErrorAs(t, err, &eerr)
	require.Len(t, eerr.Attempts, 1)
	require.Equal(t, snapshot.TierStandard, eerr.Attempts[0].Tier)
}
