package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/woudc/woudc-api/api/apierr"
)

// exception is the OGC API error body.
type exception struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	switch apierr.KindOf(err) {
	case apierr.InvalidDataset, apierr.UnknownField, apierr.InvalidQuery, apierr.ParseFailure:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Unavailable:
		return http.StatusServiceUnavailable
	case apierr.Timeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// The client is gone.
		return
	}
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureException(err)
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	code := apierr.KindOf(err).String()
	if apierr.KindOf(err) == apierr.KindUnknown {
		code = "NoApplicableCode"
	}
	s.writeJSON(w, status, exception{Code: code, Description: apierr.UserMessage(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
