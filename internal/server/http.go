package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/arcs-remote/arcs-server/internal/registry"
)

// Routes builds the relay's HTTP surface: the websocket endpoint, a
// health probe, Prometheus metrics, and the device registration API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Registration is unauthenticated by design (operators run it
		// from provisioning scripts), so it sits behind a per-IP limit.
		r.With(httprate.LimitByIP(10, time.Minute)).
			Post("/devices/register", h.handleRegisterDevice)
		r.Get("/sessions/{sessionID}/stats", h.handleSessionStats)
	})

	return r
}

type healthResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Devices   int    `json:"registered_devices"`
	Timestamp int64  `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	count, err := h.devices.Count()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Sessions:  h.sessions.ActiveCount(),
		Devices:   count,
		Timestamp: time.Now().UnixMilli(),
	})
}

type registerRequest struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"device_secret"`
	Model    string `json:"device_model"`
}

type registerResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
	Token    string `json:"token"`
	Secret   string `json:"secret,omitempty"`
}

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id is required"})
		return
	}

	// A registration without a secret gets one generated server-side;
	// the caller must capture it from the response, it is stored only
	// as a hash.
	generated := ""
	if req.Secret == "" {
		generated = uuid.NewString()
		req.Secret = generated
	}

	if err := h.devices.Register(req.DeviceID, req.Secret, req.Model); err != nil {
		if errors.Is(err, registry.ErrDeviceExists) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "device already registered"})
			return
		}
		log.Error().Err(err).Str("device", req.DeviceID).Msg("Device registration failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
		return
	}

	// A provisioning token lets the device prove its registration before
	// its first session exists; session-scoped tokens are minted at auth.
	signed, _, err := h.tokens.Issue(req.DeviceID, "", nil)
	if err != nil {
		log.Error().Err(err).Str("device", req.DeviceID).Msg("Provisioning token issue failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
		return
	}

	log.Info().Str("device", req.DeviceID).Msg("Device registered")
	writeJSON(w, http.StatusOK, registerResponse{
		Success:  true,
		DeviceID: req.DeviceID,
		Token:    signed,
		Secret:   generated,
	})
}

type sessionStatsResponse struct {
	SessionID     string  `json:"session_id"`
	Controllers   int     `json:"controllers"`
	FramesIn      uint64  `json:"frames_in"`
	BytesIn       uint64  `json:"bytes_in"`
	FramesDropped uint64  `json:"frames_dropped"`
	AvgFrameSize  float64 `json:"avg_frame_size"`
}

func (h *Handler) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := h.sessions.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	stats, _ := h.streams.Stats(id)
	writeJSON(w, http.StatusOK, sessionStatsResponse{
		SessionID:     id,
		Controllers:   len(sess.Controllers),
		FramesIn:      stats.FramesIn,
		BytesIn:       stats.BytesIn,
		FramesDropped: stats.FramesDropped,
		AvgFrameSize:  stats.AvgFrameSize,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}
