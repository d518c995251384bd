package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/ledger"
	"github.com/anatolykoptev/go_vidbot/internal/store"
)

const token = "s3cret"

func newServer(t *testing.T) (*httptest.Server, *ledger.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.New(mem)
	srv := httptest.NewServer(NewRouter(Config{
		Token:   token,
		Metrics: func() string { return "searches=3\n" },
	}, l, mem))
	t.Cleanup(srv.Close)
	return srv, l, mem
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestAuth(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := srv.Client().Get(srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is open")
}

func TestBalanceTopUpReset(t *testing.T) {
	ctx := context.Background()
	srv, l, _ := newServer(t)
	_, err := l.Open(ctx, "u1", "Alice", 1000)
	require.NoError(t, err)
	_, err = l.Debit(ctx, "u1", 400)
	require.NoError(t, err)

	resp, body := do(t, srv, http.MethodGet, "/users/u1/balance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 600, body["available_balance"])

	resp, body = do(t, srv, http.MethodPost, "/users/u1/topup", `{"amount":250}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1250, body["balance"])
	assert.EqualValues(t, 850, body["available_balance"])

	resp, body = do(t, srv, http.MethodPost, "/users/u1/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1000, body["balance"])
	assert.EqualValues(t, 1000, body["available_balance"])
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	srv, l, _ := newServer(t)
	_, err := l.Open(ctx, "u1", "", 10)
	require.NoError(t, err)

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"unknown user", http.MethodGet, "/users/ghost/balance", "", http.StatusNotFound},
		{"negative top-up", http.MethodPost, "/users/u1/topup", `{"amount":-5}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/users/u1/topup", `{`, http.StatusBadRequest},
		{"top-up unknown", http.MethodPost, "/users/ghost/topup", `{"amount":5}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHistoryAndStats(t *testing.T) {
	ctx := context.Background()
	srv, l, mem := newServer(t)
	_, err := l.Open(ctx, "u1", "", 10)
	require.NoError(t, err)
	_, err = mem.RecordSearch(ctx, "u1", "cats", []engine.ResultSummary{{Title: "Cat"}})
	require.NoError(t, err)
	_, err = mem.RecordDownload(ctx, "u1", "https://v/1.mp4", "user_1.mp4", engine.DownloadCompleted)
	require.NoError(t, err)

	resp, body := do(t, srv, http.MethodGet, "/users/u1/searches?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["searches"], 1)

	resp, body = do(t, srv, http.MethodGet, "/users/u1/downloads", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["downloads"], 1)

	resp, body = do(t, srv, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total_users"])
	assert.EqualValues(t, 1, body["total_searches"])
	assert.EqualValues(t, 1, body["total_downloads"])

	resp, body = do(t, srv, http.MethodPost, "/users/u1/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["active"])

	resp, body = do(t, srv, http.MethodGet, "/users", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
}

func TestMetrics(t *testing.T) {
	srv, _, _ := newServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
