package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"mailsched/internal/domain"
)

const (
	ErrInvalidJSON   = "invalid json"
	ErrInvalidQuery  = "invalid query"
	ErrDependency    = "dependency error"
	ErrNotFound      = "not found"
	ErrConflict      = "invalid status transition"
	ErrUnauthorized  = "unauthorized"
	ErrInternal      = "internal error"
	ErrSourceAccess  = "recipient source unavailable"
	ErrConfiguration = "invalid campaign configuration"
)

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, r *http.Request, status int, msg, detail string) {
	writeJSON(w, status, errorBody{Error: msg, Detail: detail, RequestID: RequestIDFrom(r.Context())})
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ce *domain.ConfigurationError
		se *domain.SourceAccessError
	)
	body := errorBody{RequestID: RequestIDFrom(r.Context())}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &ce):
		status, body.Error, body.Detail, body.Field = http.StatusBadRequest, ErrConfiguration, ce.Error(), ce.Field
	case errors.As(err, &se):
		status, body.Error, body.Detail = http.StatusBadGateway, ErrSourceAccess, se.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, body.Error = http.StatusNotFound, ErrNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status, body.Error, body.Detail = http.StatusConflict, ErrConflict, err.Error()
	default:
		body.Error = ErrInternal
		slog.Error("request failed", "path", r.URL.Path, "request_id", body.RequestID, "err", err)
	}
	writeJSON(w, status, body)
}
