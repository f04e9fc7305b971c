package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/autoapply/internal/telemetry"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Status
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler) // GET - per-job and per-config status

	// API routes - Scheduler
	mux.HandleFunc("/api/schedules", s.handleSchedulesRoute)   // GET (list), POST (create/update by name)
	mux.HandleFunc("/api/schedules/", s.handleScheduleRoutes) // POST /{id}/trigger

	// API routes - Records
	mux.HandleFunc("/api/activity", s.app.RecordsHandler.ActivityHandler) // GET ?config_id=&limit=
	mux.HandleFunc("/api/failures", s.app.RecordsHandler.FailuresHandler) // GET ?user_id=&limit=
	mux.HandleFunc("/api/external", s.app.RecordsHandler.ExternalHandler) // GET ?user_id=

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// Prometheus metrics
	mux.Handle("/metrics", telemetry.Handler())

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleSchedulesRoute routes /api/schedules requests (list and create)
func (s *Server) handleSchedulesRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.SchedulerHandler.ListSchedulesHandler,
		s.app.SchedulerHandler.CreateScheduleHandler,
	)
}

// handleScheduleRoutes routes /api/schedules/{id}/... requests
func (s *Server) handleScheduleRoutes(w http.ResponseWriter, r *http.Request) {
	if RouteByPathSuffix(w, r, "/api/schedules/", []PathSuffixRouter{
		{Suffix: "/trigger", Handler: s.app.SchedulerHandler.TriggerHandler},
	}) {
		return
	}

	if strings.TrimPrefix(r.URL.Path, "/api/schedules/") == "" {
		s.handleSchedulesRoute(w, r)
		return
	}

	s.app.APIHandler.NotFoundHandler(w, r)
}
