package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"miner-pulse/internal/core/fleet"
	"miner-pulse/internal/core/ingest"
	"miner-pulse/internal/core/project"
	"miner-pulse/internal/secrets"
	"miner-pulse/internal/settings"
)

func newTestHandler(t *testing.T, token string) (*Handler, *fleet.Store) {
	t.Helper()

	store := fleet.NewStore(100)
	svc := ingest.New(ingest.Config{Store: store})

	cfg, err := settings.Open(t.TempDir())
	require.NoError(t, err)
	sec, err := secrets.Open(t.TempDir())
	require.NoError(t, err)

	h := &Handler{
		Store:     store,
		Ingest:    svc,
		Projector: project.New(store, 0),
		Settings:  cfg,
		Secrets:   sec,
		Log:       zap.NewNop(),
		Token:     func() string { return token },
	}
	return h, store
}

func doJSON(t *testing.T, srv http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestIngestRejectsWithoutToken(t *testing.T) {
	h, store := newTestHandler(t, "secret")
	srv := h.Router()

	body := `{"miners":[{"id":"a","metrics":{"ts":1}}]}`

	rec := doJSON(t, srv, http.MethodPost, "/v1/ingest", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/ingest", "wrong", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, store.Len(), "rejected pushes write nothing")
}

func TestIngestFailsClosedWithNoConfiguredToken(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := h.Router()

	rec := doJSON(t, srv, http.MethodPost, "/v1/ingest", "anything",
		`{"miners":[{"id":"a"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestThenListRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t, "secret")
	srv := h.Router()

	now := time.Now().UnixMilli()
	body := `{"miners":[
		{"id":"r1","name":"rig one","coin":"BTC","metrics":{"ts":` + jsonNum(now) + `,"power":3250,"hashrate_ths":100}},
		{"id":"  "}
	]}`

	rec := doJSON(t, srv, http.MethodPost, "/v1/ingest", "secret", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var ack struct {
		OK        bool `json:"ok"`
		Count     int  `json:"count"`
		Submitted int  `json:"submitted"`
		Accepted  int  `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, 2, ack.Submitted)
	assert.Equal(t, ack.Submitted, ack.Count)
	assert.Equal(t, 1, ack.Accepted)

	rec = doJSON(t, srv, http.MethodGet, "/v1/miners", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Miners []struct {
			ID         string           `json:"id"`
			Name       string           `json:"name"`
			Online     bool             `json:"online"`
			Efficiency float64          `json:"efficiency_jth"`
			History    []map[string]any `json:"history"`
		} `json:"miners"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Miners, 1)

	m := list.Miners[0]
	assert.Equal(t, "r1", m.ID)
	assert.Equal(t, "rig one", m.Name)
	assert.True(t, m.Online)
	assert.InDelta(t, 32.5, m.Efficiency, 1e-9)
	require.Len(t, m.History, 1)
	assert.Contains(t, m.History[0], "ts", "history points are flat maps with ts inline")
	assert.Contains(t, m.History[0], "power")
}

func TestIngestMalformedPayload(t *testing.T) {
	h, _ := newTestHandler(t, "secret")
	srv := h.Router()

	rec := doJSON(t, srv, http.MethodPost, "/v1/ingest", "secret", `{"miners":`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "server_error")
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t, "")
	rec := doJSON(t, h.Router(), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestSettingsTokenWriteOnly(t *testing.T) {
	h, _ := newTestHandler(t, "admin")
	srv := h.Router()

	cur := h.Settings.Get()
	cur.ShardID = "shard-9"
	b, err := json.Marshal(cur)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(b, &req))
	req["ingest_token"] = "hunter2"
	body, err := json.Marshal(req)
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPut, "/api/settings", "admin", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	// Response never echoes the stored secret, encrypted or not.
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.NotContains(t, rec.Body.String(), h.Settings.Get().IngestTokenEnc)

	stored := h.Settings.Get()
	assert.Equal(t, "shard-9", stored.ShardID)
	require.NotEmpty(t, stored.IngestTokenEnc)
	assert.NotEqual(t, "hunter2", stored.IngestTokenEnc, "token is encrypted at rest")

	plain, err := h.Secrets.DecryptString(stored.IngestTokenEnc)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	// A follow-up write with no token field keeps the existing secret.
	rec = doJSON(t, srv, http.MethodPut, "/api/settings", "admin", string(b))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stored.IngestTokenEnc, h.Settings.Get().IngestTokenEnc)
}

func TestSettingsWriteRequiresAuth(t *testing.T) {
	h, store := newTestHandler(t, "")
	srv := h.Router()

	// With no token configured the server is fail-closed; a settings write
	// must not be able to install a token and open ingest from outside.
	rec := doJSON(t, srv, http.MethodPut, "/api/settings", "",
		`{"ingest_token":"evil"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.Settings.Get().IngestTokenEnc)

	rec = doJSON(t, srv, http.MethodPost, "/v1/ingest", "evil",
		`{"miners":[{"id":"a"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, store.Len())

	// A wrong credential is rejected the same way once a token exists.
	h2, _ := newTestHandler(t, "admin")
	rec = doJSON(t, h2.Router(), http.MethodPut, "/api/settings", "wrong",
		`{"ingest_token":"evil"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h2.Settings.Get().IngestTokenEnc)
}

func TestClearRequiresAuth(t *testing.T) {
	h, store := newTestHandler(t, "secret")
	srv := h.Router()
	store.UpsertSnapshot(fleet.Snapshot{ID: "a", LastTS: 1})

	rec := doJSON(t, srv, http.MethodPost, "/api/admin/clear", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, store.Len())

	cleared := false
	h.OnCleared = func() { cleared = true }

	rec = doJSON(t, srv, http.MethodPost, "/api/admin/clear", "secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, store.Len())
	assert.True(t, cleared)
}

func TestStatusIncludesMinerCount(t *testing.T) {
	h, store := newTestHandler(t, "")
	h.Status = func() map[string]any { return map[string]any{"nats_connected": false} }
	store.UpsertSnapshot(fleet.Snapshot{ID: "a", LastTS: 1})

	rec := doJSON(t, h.Router(), http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.EqualValues(t, 1, out["miners"])
	assert.Equal(t, false, out["nats_connected"])
}

func jsonNum(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
