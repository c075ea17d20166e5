package obs

import (
	"net/http"
)

// Server exposes the Collector's Prometheus text format on /metrics and a
// liveness check on /healthz, grounded on the teacher's cmd/server health
// and metrics endpoints.
type Server struct {
	collector *Collector
	mux       *http.ServeMux
}

// NewServer builds a Server backed by collector.
func NewServer(collector *Collector) *Server {
	s := &Server{collector: collector, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.collector.Expose()))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
