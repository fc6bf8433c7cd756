package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/config"
	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

func TestBuildServesPagesWithFallbackFetcher(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>origin page</body></html>"))
	}))
	t.Cleanup(origin.Close)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.LocalDir = t.TempDir()
	cfg.Storage.Backend = "local"

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	get := func(target, tenant string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if tenant != "" {
			req.Header.Set("X-Tenant-ID", tenant)
		}
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, req)
		return rec
	}

	pageURL := "/v1/pages?url=" + url.QueryEscape(origin.URL+"/item")

	first := get(pageURL, "tenant-a")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	var res snapshot.PageResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &res))
	require.False(t, res.WasCached)
	require.Contains(t, res.HTML, "origin page")
	require.Equal(t, snapshot.RenderFetch, res.Snapshot.RenderMethod)
	require.Nil(t, res.Snapshot.CreditsUsed)

	second := get(pageURL, "tenant-b")
	require.Equal(t, http.StatusOK, second.Code)
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &res))
	require.True(t, res.WasCached)

	require.Equal(t, http.StatusOK, get("/readyz", "").Code)
}
