// Package web serves the operator HTTP API for running commands on devices.
package web

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/devicelink/services"
)

// MaxCallBodyBytes bounds a call request body.
const MaxCallBodyBytes = 1 << 20

// API exposes the service layer over HTTP.
type API struct {
	services *services.ServiceContainer
	log      *slog.Logger
}

func NewAPI(svc *services.ServiceContainer, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{services: svc, log: logger}
}

// Mount adds the /api routes to r.
func (a *API) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/devices/{id}/calls", a.HandleCall)
		r.Post("/devices/{id}/disconnect", a.HandleDisconnect)
		r.Get("/transports", a.HandleTransports)
		r.Get("/transports/stats", a.HandleTransportStats)
		r.Get("/transports/{i}", a.HandleTransportDetail)
	})
}
