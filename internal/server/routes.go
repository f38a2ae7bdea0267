package server

import "net/http"

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Broker connections
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/connections/", s.routeConnections)
	mux.HandleFunc("/api/admin/connections/", s.routeAdminConnections)

	// Consolidated portfolio
	mux.HandleFunc("/api/portfolio", s.handlePortfolio)
	mux.HandleFunc("/api/portfolio/refresh", s.handlePortfolioRefresh)

	// Streaming
	mux.HandleFunc("/api/stream", s.handleStream)
}
