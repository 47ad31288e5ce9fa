package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"confmesh/internal/types"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	// CurrentVersion accompanies stale-version conflicts so the caller can
	// refresh and retry without another round trip.
	CurrentVersion *int64 `json:"currentVersion,omitempty"`
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// statusOf maps an error kind to an HTTP status. The refined bad-request
// kinds must be checked before the generic one.
func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrUnprocessable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrStaleVersion):
		return http.StatusConflict
	case errors.Is(err, types.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a service error to a response. Internal errors are
// logged and masked; the other kinds pass their message through.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}

	var stale *types.StaleVersionError
	if errors.As(err, &stale) {
		current := stale.Current
		body.CurrentVersion = &current
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if !errors.Is(err, types.ErrTransient) {
			body.Error = "internal error"
		}
	}
	respond(w, status, body)
}
