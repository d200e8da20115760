package server

import (
	"net/http"

	"github.com/ternarybob/neurareport/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - progress stream for one job
	mux.HandleFunc("/ws/jobs/", s.handleJobStream)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.StatsHandler)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (list), POST (submit)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Discovery preview
	mux.HandleFunc("/api/preview", s.app.JobHandler.PreviewHandler)

	// API routes - Recurring schedules
	mux.HandleFunc("/api/schedules", s.app.ScheduleHandler.ListSchedulesHandler)
	mux.HandleFunc("/api/schedules/", s.handleScheduleRoutes) // POST /api/schedules/{name}/trigger

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs requests (list and submit)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.SubmitJobHandler)
}

// handleJobRoutes routes /api/jobs/{id}, /api/jobs/{id}/manifest and /api/jobs/{id}/action
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/api/jobs/")
	if len(segments) == 0 || len(segments) > 2 {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	jobID := segments[0]

	if len(segments) == 1 {
		RouteByMethod(w, r, MethodRouter{
			"GET": func(w http.ResponseWriter, r *http.Request) { s.app.JobHandler.GetJobHandler(w, r, jobID) },
		})
		return
	}

	switch segments[1] {
	case "manifest":
		RouteByMethod(w, r, MethodRouter{
			"GET": func(w http.ResponseWriter, r *http.Request) { s.app.JobHandler.ManifestHandler(w, r, jobID) },
		})
	case "action":
		RouteByMethod(w, r, MethodRouter{
			"POST": func(w http.ResponseWriter, r *http.Request) { s.app.JobHandler.ActionHandler(w, r, jobID) },
		})
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleScheduleRoutes routes /api/schedules/{name}/trigger
func (s *Server) handleScheduleRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/api/schedules/")
	if len(segments) != 2 || segments[1] != "trigger" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	RouteByMethod(w, r, MethodRouter{
		"POST": func(w http.ResponseWriter, r *http.Request) { s.app.ScheduleHandler.TriggerHandler(w, r, segments[0]) },
	})
}

// handleJobStream routes /ws/jobs/{id}
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/ws/jobs/")
	if len(segments) != 1 {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	s.app.ProgressHandler.HandleJobStream(w, r, segments[0])
}
