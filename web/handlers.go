package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/devicelink/services"
)

type callRequest struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

type callResponse struct {
	DeviceID string          `json:"device_id"`
	Command  string          `json:"command"`
	Data     json.RawMessage `json:"data,omitempty"`
	Elapsed  string          `json:"elapsed"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HandleCall runs a command on a device and answers with the device's data.
func (a *API) HandleCall(wr http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req callRequest
	if err := json.NewDecoder(http.MaxBytesReader(wr, r.Body, MaxCallBodyBytes)).Decode(&req); err != nil {
		a.handleError(wr, r, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Invalid call body", Cause: err})
		return
	}
	if req.Command == "" {
		a.handleError(wr, r, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "command is required"})
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	timeout, err := services.TimeoutFromMillis(float64(req.TimeoutMS))
	if err != nil {
		a.handleError(wr, r, err)
		return
	}
	start := time.Now()
	data, err := a.services.Calls.Call(r.Context(), deviceID, req.Command, params, timeout)
	if err != nil {
		a.handleError(wr, r, err)
		return
	}
	writeJSON(wr, http.StatusOK, callResponse{
		DeviceID: deviceID,
		Command:  req.Command,
		Data:     data,
		Elapsed:  time.Since(start).Round(time.Millisecond).String(),
	})
}

func (a *API) HandleDisconnect(wr http.ResponseWriter, r *http.Request) {
	if err := a.services.Device.DisconnectDevice(chi.URLParam(r, "id")); err != nil {
		a.handleError(wr, r, err)
		return
	}
	wr.WriteHeader(http.StatusNoContent)
}

func (a *API) HandleTransports(wr http.ResponseWriter, r *http.Request) {
	transports, err := a.services.Transport.ListTransports()
	if err != nil {
		a.handleError(wr, r, err)
		return
	}
	writeJSON(wr, http.StatusOK, transports)
}

func (a *API) HandleTransportStats(wr http.ResponseWriter, r *http.Request) {
	stats, err := a.services.Transport.GetTransportStats()
	if err != nil {
		a.handleError(wr, r, err)
		return
	}
	writeJSON(wr, http.StatusOK, stats)
}

func (a *API) HandleTransportDetail(wr http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "i"))
	if err != nil {
		a.handleError(wr, r, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Transport index must be a number"})
		return
	}
	info, err := a.services.Transport.GetTransport(i)
	if err != nil {
		a.handleError(wr, r, err)
		return
	}
	writeJSON(wr, http.StatusOK, info)
}

// handleError maps service errors to HTTP status codes.
func (a *API) handleError(wr http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: "Internal server error"}

	var remote *services.RemoteError
	var serviceErr services.ServiceError
	switch {
	case errors.As(err, &remote):
		status = http.StatusBadGateway
		body = errorResponse{Error: remote.Message, Code: remote.Code}
	case errors.Is(err, services.ErrTimeout):
		status = http.StatusGatewayTimeout
		body = errorResponse{Error: err.Error(), Code: services.ErrCodeTimeout}
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
		body = errorResponse{Error: "request cancelled"}
	case errors.As(err, &serviceErr):
		body = errorResponse{Error: serviceErr.Error(), Code: serviceErr.Code}
		switch serviceErr.Code {
		case services.ErrCodeNotFound, services.ErrCodeUnavailable:
			status = http.StatusNotFound
		case services.ErrCodeInvalidInput:
			status = http.StatusBadRequest
		case services.ErrCodeClosed:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "Service error", "path", r.URL.Path, "error", err)
	} else {
		a.log.DebugContext(r.Context(), "Request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(wr, status, body)
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	json.NewEncoder(wr).Encode(v)
}
