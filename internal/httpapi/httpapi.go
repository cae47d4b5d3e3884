// Package httpapi exposes the submitter API over HTTP for collaborators
// that do not link the engine directly. One endpoint, JSON in, JSON out.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/switchyard-net/switchyard/api"
)

// Submitter is the engine surface the HTTP adapter needs.
type Submitter interface {
	Submit(ctx context.Context, deviceID string, commands []string, wait time.Duration) (*api.Result, error)
}

// Server adapts a Submitter to HTTP.
type Server struct {
	submitter Submitter
	logger    pslog.Logger
}

// New constructs a Server.
func New(submitter Submitter, logger pslog.Logger) *Server {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Server{submitter: submitter, logger: logger}
}

// Handler returns the route mux: submit, health, metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/devices/{device}/commands", s.handleSubmit)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type submitRequest struct {
	// Commands are executed in order within one session.
	Commands []string `json:"commands"`
	// WaitSeconds bounds the wait for results; 0 uses the device default.
	WaitSeconds int64 `json:"wait_seconds,omitempty"`
}

type errorResponse struct {
	Code       string `json:"code"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Detail: err.Error()})
		return
	}
	if len(req.Commands) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Detail: "commands required"})
		return
	}
	wait := time.Duration(req.WaitSeconds) * time.Second

	res, err := s.submitter.Submit(r.Context(), device, req.Commands, wait)
	if err != nil {
		status, body := failureStatus(err)
		s.logger.Warn("httpapi.submit.failed", "device", device, "code", body.Code, "error", err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// failureStatus maps engine failure codes onto HTTP statuses.
func failureStatus(err error) (int, errorResponse) {
	var f api.Failure
	if !errors.As(err, &f) {
		return http.StatusInternalServerError, errorResponse{Code: "internal", Detail: err.Error()}
	}
	body := errorResponse{Code: f.Code, Detail: f.Detail, RetryAfter: f.RetryAfter}
	switch f.Code {
	case api.CodeUnknownDevice:
		return http.StatusNotFound, body
	case api.CodeLockTimeout:
		return http.StatusConflict, body
	case api.CodeSubmitTimeout:
		return http.StatusGatewayTimeout, body
	case api.CodeBackendUnavailable:
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusBadGateway, body
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
