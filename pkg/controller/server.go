package controller

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/stagecraft/trafficcore/pkg/log"
	"github.com/stagecraft/trafficcore/pkg/metrics"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// Server exposes the controller over HTTP on a single port
type Server struct {
	controller *Controller
	router     *mux.Router
	http       *http.Server

	// bearerSecret is the shared secret inbound tokens are checked
	// against. Empty disables verification (development only).
	bearerSecret string
}

// NewServer builds the router and middleware around a controller
func NewServer(c *Controller, bearerSecret string) *Server {
	s := &Server{
		controller:   c,
		router:       mux.NewRouter(),
		bearerSecret: bearerSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Probes and metrics are unauthenticated.
	s.router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.recoverMiddleware, s.metricsMiddleware, s.authMiddleware)

	api.HandleFunc("/message", s.handleMessage).Methods(http.MethodPost)
	api.HandleFunc("/createAgent", s.handleCreateAgent).Methods(http.MethodPost)
	api.HandleFunc("/pauseAgents", s.missionCommandHandler(types.MissionCommandPause)).Methods(http.MethodPost)
	api.HandleFunc("/abortAgents", s.missionCommandHandler(types.MissionCommandAbort)).Methods(http.MethodPost)
	api.HandleFunc("/resumeAgents", s.missionCommandHandler(types.MissionCommandResume)).Methods(http.MethodPost)
	api.HandleFunc("/resumeAgent", s.handleResumeAgent).Methods(http.MethodPost)
	api.HandleFunc("/getAgentStatistics/{missionId}", s.handleStatistics).Methods(http.MethodGet)
	api.HandleFunc("/mission/{missionId}/roster", s.handleRoster).Methods(http.MethodGet)
	api.HandleFunc("/getAgentLocation/{agentId}", s.handleAgentLocation).Methods(http.MethodGet)
	api.HandleFunc("/updateAgentLocation", s.handleUpdateAgentLocation).Methods(http.MethodPost)
	api.HandleFunc("/agentStatisticsUpdate", s.handleStatisticsUpdate).Methods(http.MethodPost)
	api.HandleFunc("/checkBlockedAgents", s.handleCheckBlocked).Methods(http.MethodPost)
	api.HandleFunc("/dependentAgents/{agentId}", s.handleDependentAgents).Methods(http.MethodGet)
}

// Handler returns the assembled router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving; it blocks until the listener fails or Shutdown runs
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 35 * time.Second, // fan-outs may take up to 30s
		IdleTimeout:  60 * time.Second,
	}
	metrics.UpdateComponent("controller", true, "")
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---- middleware ----

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerSecret)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(types.ErrorBody{Error: types.ErrorDetail{
				Kind:    types.KindValidation,
				Message: "missing or invalid bearer token",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		timer := metrics.NewTimer()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(route))
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithComponent("server")
				logger.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeError(w, types.NewError(types.KindInternal, "server", r.URL.Path,
					"internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ---- handlers ----

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var env types.MessageEnvelope
	if err := decodeBody(r, &env); err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.Forward(r.Context(), &env); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req types.CreateAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.controller.CreateAgent(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) missionCommandHandler(op types.MissionCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.MissionCommandRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		resp, err := s.controller.MissionCommand(r.Context(), op, req.MissionID)
		if err != nil {
			writeError(w, err)
			return
		}
		// Always 200; partial failure is carried in the body.
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	var req types.ResumeAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.ResumeAgent(r.Context(), req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	missionID := mux.Vars(r)["missionId"]
	stats, err := s.controller.Statistics(r.Context(), missionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	missionID := mux.Vars(r)["missionId"]
	roster, _, err := s.controller.Roster(r.Context(), missionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if roster == nil {
		roster = []types.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, roster)
}

func (s *Server) handleAgentLocation(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]
	location, err := s.controller.AgentLocation(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, location)
}

func (s *Server) handleUpdateAgentLocation(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateAgentLocationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.UpdateAgentLocation(req.AgentID, req.WorkerURL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleStatisticsUpdate(w http.ResponseWriter, r *http.Request) {
	var update types.StatusUpdate
	if err := decodeBody(r, &update); err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.HandleStatusUpdate(r.Context(), &update); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleCheckBlocked(w http.ResponseWriter, r *http.Request) {
	var req types.CheckBlockedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CompletedAgentID == "" {
		writeError(w, types.NewError(types.KindValidation, "server", "checkBlockedAgents",
			"missing completedAgentId"))
		return
	}
	s.controller.CheckBlocked(r.Context(), req.CompletedAgentID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "checked"})
}

func (s *Server) handleDependentAgents(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]
	dependents := s.controller.DependentAgents(agentID)
	if dependents == nil {
		dependents = []string{}
	}
	writeJSON(w, http.StatusOK, dependents)
}

// ---- helpers ----

func decodeBody(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return types.NewError(types.KindValidation, "server", r.URL.Path,
			"malformed request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	body := types.ErrorBody{Error: types.ErrorDetail{
		Kind:    kind,
		Message: err.Error(),
	}}
	var typed *types.Error
	if e, ok := err.(*types.Error); ok {
		typed = e
	}
	if typed != nil && typed.Err != nil {
		body.Error.Details = typed.Err.Error()
	}
	writeJSON(w, kind.HTTPStatus(), body)
}

// Addr formats the listen address for a port
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
