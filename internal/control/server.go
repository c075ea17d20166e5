package control

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/joluben/iotdevsim-transmission/internal/obs"
)

// stopRequest is the JSON body of a stop() call (spec.md §6.3).
type stopRequest struct {
	ResetRowIndex bool `json:"reset_row_index"`
}

// Server exposes the Control Handler over HTTP, matching the fixed-path
// POST contract spec.md §6.3 describes: empty body for start, a small
// JSON body for stop. Requests are trusted only when they carry the
// configured shared secret (spec.md §1: "a shared-secret header, mirroring
// the teacher's X-Worker-Token check"), compared in constant time.
type Server struct {
	handler      *Handler
	sharedSecret string
	mux          *http.ServeMux
	tracer       *obs.Tracer
}

// NewServer builds a Server. sharedSecret, when non-empty, is required on
// the X-Control-Token header of every request; an empty secret disables
// the check (useful for local/dev wiring, never production).
func NewServer(handler *Handler, sharedSecret string) *Server {
	s := &Server{handler: handler, sharedSecret: sharedSecret, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /devices/{id}/start", s.withAuth(s.handleStart))
	s.mux.HandleFunc("POST /devices/{id}/stop", s.withAuth(s.handleStop))
	s.mux.HandleFunc("POST /connections/{id}/test", s.withAuth(s.handleTestConnection))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetTracer installs the distributed-tracing sink each start/stop request
// reports through. A nil tracer (the default) leaves requests unspanned.
func (s *Server) SetTracer(tracer *obs.Tracer) {
	s.tracer = tracer
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sharedSecret == "" {
			next(w, r)
			return
		}
		token := r.Header.Get("X-Control-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.sharedSecret)) != 1 {
			http.Error(w, "invalid control token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartControlSpan(ctx, "start", deviceID)
		defer span.End()
	}
	if err := s.handler.Start(ctx, deviceID); err != nil {
		http.Error(w, "start failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return
	}

	var body stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartControlSpan(ctx, "stop", deviceID)
		defer span.End()
	}
	if err := s.handler.Stop(ctx, deviceID, body.ResetRowIndex); err != nil {
		http.Error(w, "stop failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("id")
	if connectionID == "" {
		http.Error(w, "connection id required", http.StatusBadRequest)
		return
	}
	if err := s.handler.TestConnection(r.Context(), connectionID); err != nil {
		http.Error(w, "connection test failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}
