package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/InsulaLabs/relay/internal/backend"
	"github.com/InsulaLabs/relay/internal/buffer"
	"github.com/InsulaLabs/relay/internal/devices"
	"github.com/InsulaLabs/relay/internal/registry"
)

type BackendStatus struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	Breaker   string    `json:"breaker,omitempty"`
}

type StatusResponse struct {
	Backend       BackendStatus    `json:"backend"`
	Subscriptions []registry.Entry `json:"subscriptions"`
	Buffered      int              `json:"buffered"`
	LiveClients   int              `json:"live_clients"`
	StartedAt     time.Time        `json:"started_at"`
	Uptime        string           `json:"uptime"`
}

type BufferListResponse struct {
	Entries []buffer.Entry `json:"entries"`
}

type DropResponse struct {
	DeviceID string `json:"device_id"`
	Dropped  int    `json:"dropped"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Liveness.Status()
	resp := StatusResponse{
		Backend: BackendStatus{
			Status:    backend.StatusOffline,
			CheckedAt: st.CheckedAt,
		},
		Subscriptions: s.cfg.Subscriptions.Entries(),
		LiveClients:   s.cfg.Hub.Clients(),
		StartedAt:     s.startedAt.UTC(),
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
	}
	if st.Online {
		resp.Backend.Status = backend.StatusOnline
	}
	if s.cfg.BreakerState != nil {
		resp.Backend.Breaker = s.cfg.BreakerState()
	}

	pending, err := s.cfg.Buffer.Pending()
	if err != nil {
		s.logger.Error("failed to count buffered records", "error", err)
		pending = -1
	}
	resp.Buffered = pending
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deviceEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev devices.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := ev.Valid(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.cfg.Lifecycle.Apply(r.Context(), ev); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrBrokerSubscription) {
			status = http.StatusBadGateway
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resyncHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Lifecycle.Initialize(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Subscriptions.Entries())
}

func (s *Server) bufferListHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	entries, err := s.cfg.Buffer.List(limit)
	if err != nil {
		s.logger.Error("failed to list buffered records", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, BufferListResponse{Entries: entries})
}

func (s *Server) bufferDropHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	n, err := s.cfg.Buffer.Drop(deviceID)
	if err != nil {
		s.logger.Error("failed to drop buffered records", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, DropResponse{DeviceID: deviceID, Dropped: n})
}
