package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/devicelink/broker"
	"github.com/tidwall/gjson"
)

// sseWriter writes broker events in text/event-stream framing.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) Send(ev broker.Event) error {
	kind := gjson.GetBytes(ev.Data, "kind").String()
	if kind == "" {
		kind = "message"
	}
	// Event data is compact JSON; guard against embedded newlines anyway.
	data := strings.ReplaceAll(string(ev.Data), "\n", "")
	_, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, kind, data)
	s.flusher.Flush()
	return err
}

// HandleDeviceEvents streams a device's events as server-sent events. A
// Last-Event-ID header resumes after that event.
func (s *Server) HandleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream not configured", http.StatusServiceUnavailable)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := chi.URLParam(r, "id")
	ctx := r.Context()
	stream, err := s.events.Subscribe(ctx, broker.DeviceTopic(id), r.Header.Get("Last-Event-ID"))
	if err != nil {
		s.log.Warn("Failed to subscribe to device events", "device_id", id, "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	s.log.Debug("SSE subscriber attached", "device_id", id, "remote_addr", r.RemoteAddr)
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.log.Debug("SSE stream ended", "device_id", id, "error", err)
			}
			return
		}
		if err := sse.Send(ev); err != nil {
			return
		}
	}
}
