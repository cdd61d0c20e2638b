package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/chat"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/messenger"
	"github.com/MaiM-with-u/Maimchat/internal/model"
	"github.com/MaiM-with-u/Maimchat/internal/store"
	"github.com/MaiM-with-u/Maimchat/internal/transform"
	"github.com/MaiM-with-u/Maimchat/internal/wire"
)

const version = "0.3.0"

// Handler contains shared dependencies for the HTTP handlers.
type Handler struct {
	service *messenger.Service
	catalog *model.Catalog
	store   store.Store
	backend string
	ring    *logging.Ring
	views   *transform.Store
	logger  zerolog.Logger
	started time.Time
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("response write failed")
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
	Chat      string           `json:"chat"`
	Clients   int              `json:"clients"`
	Timestamp string           `json:"timestamp"`
}

// Health reports store reachability and the chat connection state. Only a
// failing store makes the service degraded; a disconnected chat is normal.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true

	if h.store != nil {
		start := time.Now()
		if err := h.store.Ping(ctx); err != nil {
			checks[h.backend] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
		} else {
			checks[h.backend] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	} else {
		checks["store"] = Check{Status: "fail", Message: "not configured"}
		healthy = false
	}

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.service != nil {
		resp.Chat = h.service.Snapshot().State.String()
		resp.Clients = h.service.Endpoints()
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}

// Logs returns the most recent log entries, oldest first.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	if h.ring == nil {
		h.JSON(w, http.StatusOK, map[string]any{"entries": []json.RawMessage{}})
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"entries": h.ring.Entries()})
}

// ClearLogs empties the recent-log buffer.
func (h *Handler) ClearLogs(w http.ResponseWriter, r *http.Request) {
	if h.ring != nil {
		h.ring.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// SnapshotResponse is the diagnostic view of the chat core.
type SnapshotResponse struct {
	State    string            `json:"state"`
	Label    string            `json:"label"`
	Ordinal  int               `json:"ordinal"`
	Messages []chat.Message    `json:"messages"`
	Standard []json.RawMessage `json:"standard_messages"`
}

// Snapshot returns the chat state and both message lists.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		h.Error(w, http.StatusServiceUnavailable, "chat service not running")
		return
	}
	snap := h.service.Snapshot()
	resp := SnapshotResponse{
		State:    snap.State.String(),
		Label:    snap.State.Label(),
		Ordinal:  int(snap.State),
		Messages: snap.Messages,
		Standard: make([]json.RawMessage, 0, len(snap.Standard)),
	}
	if resp.Messages == nil {
		resp.Messages = []chat.Message{}
	}
	for _, m := range snap.Standard {
		data, err := wire.Encode(m)
		if err != nil {
			h.logger.Warn().Err(err).Msg("standard message not encodable")
			continue
		}
		resp.Standard = append(resp.Standard, data)
	}
	h.JSON(w, http.StatusOK, resp)
}

// ModelSummary describes one model folder.
type ModelSummary struct {
	model.Info
	DisplayName string      `json:"display_name"`
	Stats       model.Stats `json:"stats"`
	Valid       bool        `json:"valid"`
	Issues      []string    `json:"issues,omitempty"`
}

func summarize(info model.Info) ModelSummary {
	s := ModelSummary{
		Info:        info,
		DisplayName: model.DisplayName(info.Folder),
		Stats:       model.StatsOf(info),
		Valid:       true,
	}
	if verr, ok := model.Validate(info).(*model.ValidationError); ok {
		s.Valid = false
		s.Issues = verr.Issues
	}
	return s
}

// Models lists the scanned model folders.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.JSON(w, http.StatusOK, map[string]any{"models": []ModelSummary{}})
		return
	}
	models := h.catalog.Models()
	out := make([]ModelSummary, 0, len(models))
	for _, m := range models {
		out = append(out, summarize(m))
	}
	h.JSON(w, http.StatusOK, map[string]any{"models": out})
}

// Model describes one folder with its motion list.
func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")
	if h.catalog == nil {
		h.Error(w, http.StatusNotFound, "model not found")
		return
	}
	info, ok := h.catalog.Find(folder)
	if !ok {
		h.Error(w, http.StatusNotFound, "model not found")
		return
	}
	h.JSON(w, http.StatusOK, struct {
		ModelSummary
		MotionList []model.MotionInfo `json:"motion_list"`
	}{summarize(info), info.MotionList()})
}

// RescanModels rereads the model directory.
func (h *Handler) RescanModels(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.Error(w, http.StatusServiceUnavailable, "no model directory")
		return
	}
	if err := h.catalog.Rescan(); err != nil {
		h.logger.Error().Err(err).Msg("model rescan failed")
		h.Error(w, http.StatusInternalServerError, "rescan failed")
		return
	}
	h.Models(w, r)
}

// TransformResponse carries one surface's view matrix.
type TransformResponse struct {
	Key     string    `json:"key"`
	Matrix  []float32 `json:"matrix"`
	Stored  bool      `json:"stored"`
	Mutated bool      `json:"mutated,omitempty"`
	Details []string  `json:"details,omitempty"`
}

// Transform returns the stored matrix for a surface, or identity.
func (h *Handler) Transform(w http.ResponseWriter, r *http.Request) {
	if h.views == nil {
		h.Error(w, http.StatusServiceUnavailable, "no transform store")
		return
	}
	key := chi.URLParam(r, "key")
	m, ok, err := h.views.Get(r.Context(), key)
	if err != nil {
		h.logger.Error().Err(err).Str("key", key).Msg("transform read failed")
		h.Error(w, http.StatusInternalServerError, "transform read failed")
		return
	}
	if !ok {
		m = transform.Identity()
	}
	h.JSON(w, http.StatusOK, TransformResponse{Key: key, Matrix: m[:], Stored: ok})
}

// SaveTransform sanitizes and stores a 16-element matrix.
func (h *Handler) SaveTransform(w http.ResponseWriter, r *http.Request) {
	if h.views == nil {
		h.Error(w, http.StatusServiceUnavailable, "no transform store")
		return
	}
	var req struct {
		Matrix []float32 `json:"matrix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Matrix) != transform.Size {
		h.Error(w, http.StatusBadRequest, "matrix must have 16 elements")
		return
	}

	key := chi.URLParam(r, "key")
	res, err := h.views.Save(r.Context(), key, req.Matrix)
	if err != nil {
		h.logger.Error().Err(err).Str("key", key).Msg("transform save failed")
		h.Error(w, http.StatusInternalServerError, "transform save failed")
		return
	}
	h.JSON(w, http.StatusOK, TransformResponse{
		Key:     key,
		Matrix:  res.Matrix[:],
		Stored:  true,
		Mutated: res.Mutated,
		Details: res.Details,
	})
}

// ClearTransform forgets a surface's matrix.
func (h *Handler) ClearTransform(w http.ResponseWriter, r *http.Request) {
	if h.views == nil {
		h.Error(w, http.StatusServiceUnavailable, "no transform store")
		return
	}
	if err := h.views.Clear(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.Error(w, http.StatusInternalServerError, "transform clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
