package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailsched/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// Handler wraps the router with request id, logging and metrics middleware
// and exposes /metrics.
func (s *Server) Handler() http.Handler {
	s.Mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.Mux.Use(Metrics(observability.APIRequests))
	return RequestID(Logging(s.Mux))
}
