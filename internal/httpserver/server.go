package httpserver

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Server owns the router. Middleware is attached through mux so handlers
// run with the matched route available; the metrics label is then the
// route template rather than the raw path, which on webhook URLs carries
// per-message query payloads.
type Server struct {
	Mux *mux.Router
}

func New(requests *prometheus.CounterVec) *Server {
	m := mux.NewRouter()
	m.Use(Metrics(requests))
	m.Use(Logging)
	return &Server{Mux: m}
}
