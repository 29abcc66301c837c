package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// DeviceInfo is the admin view of one session.
type DeviceInfo struct {
	ID            string    `json:"id"`
	Protocol      string    `json:"protocol"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Queued        int       `json:"queued"`
	Dropped       uint64    `json:"dropped"`
}

func NewDeviceInfo(sess *Session) DeviceInfo {
	return DeviceInfo{
		ID:            sess.DeviceID,
		Protocol:      sess.Protocol,
		RemoteAddr:    sess.RemoteAddr(),
		ConnectedAt:   sess.ConnectedAt.UTC(),
		LastHeartbeat: sess.LastHeartbeat().UTC(),
		Queued:        sess.outbox.Len(),
		Dropped:       sess.outbox.Dropped(),
	}
}

// MountAdmin adds the admin routes to r. metrics may be nil.
func (s *Server) MountAdmin(r chi.Router, metrics http.Handler) {
	r.Get("/healthz", s.HandleHealth)
	r.Get("/devices", s.HandleDevices)
	r.Get("/devices/{id}", s.HandleDeviceDetail)
	r.Get("/devices/{id}/events", s.HandleDeviceEvents)
	r.Get("/transports", s.HandleTransports)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "devices": s.registry.Len()})
}

func (s *Server) HandleDevices(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	devices := make([]DeviceInfo, 0, len(sessions))
	for _, sess := range sessions {
		devices = append(devices, NewDeviceInfo(sess))
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) HandleDeviceDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, NewDeviceInfo(sess))
}

func (s *Server) HandleTransports(w http.ResponseWriter, r *http.Request) {
	metas := make([]TransportMetadata, 0, len(s.transports))
	for _, t := range s.transports {
		metas = append(metas, t.Meta())
	}
	writeJSON(w, http.StatusOK, metas)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
