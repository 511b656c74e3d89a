package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"miner-pulse/internal/core/fleet"
	"miner-pulse/internal/core/ingest"
	"miner-pulse/internal/core/project"
	"miner-pulse/internal/core/webui"
	"miner-pulse/internal/secrets"
	"miner-pulse/internal/settings"
	"miner-pulse/internal/version"
)

// maxIngestBody bounds a single push so one request cannot balloon memory.
const maxIngestBody = 1 << 20

// Handler wires the fleet store, normalizer and projector into the HTTP
// surface. All dependencies are injected; nothing here owns state.
type Handler struct {
	Store     *fleet.Store
	Ingest    *ingest.Service
	Projector *project.Projector
	Settings  *settings.Store
	Secrets   *secrets.Secrets
	Log       *zap.Logger

	// Token returns the ingest secret. Empty closes the push endpoint.
	Token func() string
	// Status supplies runtime fields for /api/status (bus state, uptime).
	Status func() map[string]any
	// OnApplied runs after a batch is applied, with the written snapshots.
	OnApplied func(applied []fleet.Snapshot)
	// OnCleared runs after the clear-all hook wipes the store.
	OnCleared func()
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		_, _ = w.Write([]byte(version.String()))
	})

	r.Post("/v1/ingest", h.handleIngest)
	r.Get("/v1/miners", h.handleList)
	r.Get("/api/stream/miners", h.handleStream)

	r.Get("/api/status", h.handleStatus)
	r.Get("/api/settings", h.handleGetSettings)
	r.Put("/api/settings", h.handlePutSettings)
	r.Post("/api/admin/clear", h.handleClear)

	// UI (embedded)
	if uiFS, err := webui.FS(); err == nil {
		r.Handle("/*", http.FileServer(http.FS(uiFS)))
	} else {
		h.Log.Warn("web ui disabled", zap.Error(err))
	}

	return r
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	// Anything outside per-entry tolerance rejects the whole batch with no
	// partial application.
	defer func() {
		if rec := recover(); rec != nil {
			h.Log.Error("ingest panic", zap.Any("panic", rec))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "server_error"})
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)
	var batch ingest.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.Log.Warn("ingest bad payload", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "server_error"})
		return
	}

	rep := h.Ingest.Apply(r.Context(), batch)
	if h.OnApplied != nil && len(rep.Applied) > 0 {
		h.OnApplied(rep.Applied)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"count":     rep.Submitted,
		"submitted": rep.Submitted,
		"accepted":  rep.Accepted,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	// Read path is deliberately public: the read model is assumed
	// non-sensitive. Revisit before deploying where metrics are not.
	writeJSON(w, http.StatusOK, map[string]any{
		"miners": h.Projector.Build(time.Now()),
	})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusBadRequest)
		return
	}

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")

	ctx := r.Context()
	ch := h.Store.Subscribe(ctx)

	send := func() {
		b, _ := json.Marshal(h.Projector.Build(time.Now()))
		_, _ = fmt.Fprintf(w, "event: miners\ndata: %s\n\n", b)
		flusher.Flush()
	}

	send()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			send()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, "event: ping\ndata: 1\n\n")
			flusher.Flush()
		}
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"miners": h.Store.Len(),
	}
	if h.Status != nil {
		for k, v := range h.Status() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redact(h.Settings.Get()))
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	// Settings writes can rotate the ingest token, so they carry the same
	// credential as ingest itself. A fresh install with no token bootstraps
	// through the INGEST_TOKEN environment override.
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	var req struct {
		settings.Settings
		// Write-only plaintext token; empty keeps the current secret.
		IngestToken string `json:"ingest_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s := req.Settings
	s.IngestTokenEnc = h.Settings.Get().IngestTokenEnc
	if req.IngestToken != "" {
		enc, err := h.Secrets.EncryptString(req.IngestToken)
		if err != nil {
			http.Error(w, "encrypt token failed", http.StatusInternalServerError)
			return
		}
		s.IngestTokenEnc = enc
	}

	if err := h.Settings.Update(s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, redact(h.Settings.Get()))
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	h.Store.Clear()
	if h.OnCleared != nil {
		h.OnCleared()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func redact(s settings.Settings) settings.Settings {
	s.IngestTokenEnc = ""
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
