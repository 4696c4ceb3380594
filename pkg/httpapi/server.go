// Package httpapi is the agent's HTTP control plane: the route table of
// spec.md §6, wired with gorilla/mux, one file per subsystem. Every route
// gets a per-request correlation id and is timed and counted into
// pkg/metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cuemby/wormhole/pkg/agent"
	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/metrics"
	"github.com/cuemby/wormhole/pkg/storagegateway"
	"github.com/cuemby/wormhole/pkg/task"
	"github.com/cuemby/wormhole/pkg/volumectl"
	"github.com/cuemby/wormhole/pkg/wherr"
)

// Server wires the agent's subsystems into an http.Handler.
type Server struct {
	agent   *agent.Agent
	volumes *volumectl.Controller
	sg      *storagegateway.Controller
	tasks   *task.Manager
	router  *mux.Router
}

// New builds the route table over the given subsystem controllers.
func New(a *agent.Agent, volumes *volumectl.Controller, sg *storagegateway.Controller, tasks *task.Manager) *Server {
	s := &Server{agent: a, volumes: volumes, sg: sg, tasks: tasks}

	r := mux.NewRouter().StrictSlash(true)
	r.Use(s.correlationMiddleware)
	r.Use(s.metricsMiddleware)

	s.registerContainerRoutes(r)
	s.registerVolumeRoutes(r)
	s.registerSGRoutes(r)
	s.registerTaskRoutes(r)
	s.registerPersonalityRoutes(r)

	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/health", metrics.HealthHandler())
	r.HandleFunc("/ready", metrics.ReadyHandler())
	r.HandleFunc("/live", metrics.LivenessHandler())

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type correlationIDKey struct{}

// correlationMiddleware tags every request with a uuid, set in the
// X-Request-Id response header and stored in the request context, from
// which writeError logs it so a failure line can be traced back to the
// request that produced it.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// metricsMiddleware records request counts and durations into pkg/metrics.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cr := mux.CurrentRoute(r); cr != nil {
			if m, err := cr.GetPathTemplate(); err == nil {
				route = m
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method, route)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// errorPayload is the {code,title,message} shape spec.md §7 mandates for
// every non-2xx response.
type errorPayload struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := wherr.KindOf(err)
	status := kind.HTTPStatus()
	log.Logger.Error().Str("request_id", requestID(r.Context())).Str("kind", string(kind)).Err(err).Msg("request failed")
	writeJSON(w, status, errorPayload{Code: status, Title: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return wherr.Wrap(wherr.KindValidation, "decode request body", err)
	}
	return nil
}
