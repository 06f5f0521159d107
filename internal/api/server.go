// Package api provides the HTTP monitoring and control surface of the
// go-sunwatch server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sundial-energy/go-sunwatch/internal/config"
	"github.com/sundial-energy/go-sunwatch/internal/domain"
	"github.com/sundial-energy/go-sunwatch/internal/resilience"
)

// RegisterWriter executes control writes addressed by logical register name.
// The service layer implements it on top of the per-device pollers.
type RegisterWriter interface {
	WriteRegister(ctx context.Context, deviceID, name string, value float64) (resilience.WriteReceipt, error)
}

// Server represents the HTTP API server that provides monitoring and
// management functionality.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	registry  *domain.DeviceRegistry
	writer    RegisterWriter
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, registry *domain.DeviceRegistry, writer RegisterWriter) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	// Create API server instance
	apiServer := &Server{
		config:    cfg,
		router:    router,
		registry:  registry,
		writer:    writer,
		logger:    logger,
		startTime: time.Now(),
	}

	// Set up API routes
	apiServer.setupRoutes()

	return apiServer
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Server status endpoint
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Device endpoints
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}/snapshot", s.handleGetSnapshot).Methods("GET")
	api.HandleFunc("/devices/{id}/registers/{name}", s.handleWriteRegister).Methods("POST")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	// Create HTTP server
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":      "ok",
		"version":     "dev",
		"uptime":      time.Since(s.startTime).String(),
		"deviceCount": s.registry.Count(),
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListDevices returns every configured device and its poll state.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.All()
	s.writeJSON(w, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	}, http.StatusOK)
}

// handleGetDevice returns the status of a specific device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	status, found := s.registry.Status(id)
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleGetSnapshot returns the latest decoded snapshot of a device.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, found := s.registry.Snapshot(id)
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}
	if snap == nil {
		s.writeError(w, "No snapshot yet", http.StatusNotFound)
		return
	}

	s.writeJSON(w, snap, http.StatusOK)
}

// writeRequest is the body of a register write.
type writeRequest struct {
	Value float64 `json:"value"`
}

// handleWriteRegister writes a control register by logical name.
func (s *Server) handleWriteRegister(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["name"]

	if _, found := s.registry.Status(id); !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}
	if s.writer == nil {
		s.writeError(w, "Writes not available", http.StatusServiceUnavailable)
		return
	}

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.writer.WriteRegister(r.Context(), id, name, req.Value)
	if err != nil {
		s.writeWriteError(w, err)
		return
	}

	response := map[string]interface{}{
		"device":      id,
		"name":        name,
		"value":       req.Value,
		"raw":         receipt.Value,
		"address":     receipt.Address,
		"accepted_at": receipt.AcceptedAt,
	}
	if receipt.Previous != nil {
		response["previous_raw"] = *receipt.Previous
	}
	s.writeJSON(w, response, http.StatusOK)
}

// writeWriteError maps the write error taxonomy onto HTTP status codes: rate
// limits carry Retry-After, device rejections are unprocessable, and a dead
// link is a 503.
func (s *Server) writeWriteError(w http.ResponseWriter, err error) {
	var rejected *resilience.WriteRejectedError
	switch {
	case errors.As(err, &rejected):
		if rejected.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rejected.RetryAfter.Seconds())+1))
			s.writeError(w, rejected.Error(), http.StatusTooManyRequests)
			return
		}
		s.writeError(w, rejected.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, resilience.ErrNotConnected):
		s.writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.writeError(w, err.Error(), http.StatusBadGateway)
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
