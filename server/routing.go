package server

import "net/http"

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket)) // Execution event stream
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))

	mux.HandleFunc("/api/pollers/stats", s.corsMiddleware(s.HandlePoolStats))        // Pool load snapshot (GET)
	mux.HandleFunc("/api/scheduler/health", s.corsMiddleware(s.HandleSchedulerHealth)) // Last tick snapshot (GET)

	mux.HandleFunc("/api/executions/", s.corsMiddleware(s.HandleExecution)) // Individual execution (GET)
	mux.HandleFunc("/api/executions", s.corsMiddleware(s.HandleExecutions)) // Recent executions (GET)

	mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))  // Individual job and sub-resources (GET/POST)
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))  // List/create jobs (GET/POST)

	mux.HandleFunc("/api/olts/", s.corsMiddleware(s.HandleOLT))  // Individual OLT and actions (GET/POST)
	mux.HandleFunc("/api/olts", s.corsMiddleware(s.HandleOLTs))  // List/create OLTs (GET/POST)

	mux.HandleFunc("/api/config", s.corsMiddleware(s.HandleConfig)) // Runtime config (GET/PATCH)
}

// corsMiddleware adds CORS headers to HTTP responses using configured
// allowed origins, matching the WebSocket origin check.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
