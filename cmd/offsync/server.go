package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"offsync/internal/constants"
	"offsync/internal/engine"
	"offsync/internal/errors"
	"offsync/internal/middleware"
	"offsync/internal/models"
	"offsync/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// SyncService is the part of the engine the admin surface drives.
type SyncService interface {
	Status(ctx context.Context) (*engine.Status, error)
	FailedEntries(ctx context.Context) ([]*models.QueueEntry, error)
	ResetFailed(ctx context.Context) (int64, error)
	SyncNow(ctx context.Context) (*engine.DrainResult, error)
	FullSync(ctx context.Context) (*engine.FullSyncResult, error)
}

// Store is the part of the local store the admin surface reads directly.
type Store interface {
	Healthy(ctx context.Context) bool
	ListConflicts(ctx context.Context, limit int) ([]models.ConflictRecord, error)
}

type Server struct {
	router    *mux.Router
	logger    *logrus.Logger
	errLogger *errors.Logger
	sync      SyncService
	store     Store
	port      int
	server    *http.Server
}

func NewServer(cfg models.ServerConfig, sync SyncService, store Store, logger *logrus.Logger) *Server {
	port := cfg.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}

	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		errLogger: errors.NewLoggerFrom(logger),
		sync:      sync,
		store:     store,
		port:      port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	sync := s.router.PathPrefix("/sync").Subrouter()
	sync.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	sync.HandleFunc("/failed", s.handleFailed()).Methods(http.MethodGet)
	sync.HandleFunc("/conflicts", s.handleConflicts()).Methods(http.MethodGet)
	sync.HandleFunc("/reset", s.handleReset()).Methods(http.MethodPost)
	sync.HandleFunc("/now", s.handleSyncNow()).Methods(http.MethodPost)
	sync.HandleFunc("/full", s.handleFullSync()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting admin server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(constants.DefaultHealthCheckTimeoutSec)*time.Second)
		defer cancel()

		if !s.store.Healthy(ctx) {
			s.writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.sync.Status(r.Context())
		if err != nil {
			s.writeError(w, r, err, "Failed to read sync status")
			return
		}
		s.writeJSON(w, r, http.StatusOK, status)
	}
}

func (s *Server) handleFailed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.sync.FailedEntries(r.Context())
		if err != nil {
			s.writeError(w, r, err, "Failed to list failed entries")
			return
		}
		if entries == nil {
			entries = []*models.QueueEntry{}
		}
		s.writeJSON(w, r, http.StatusOK, entries)
	}
}

func (s *Server) handleConflicts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := constants.DefaultConflictListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				s.writeError(w, r, errors.NewValidationError("limit", raw, "limit must be a positive integer"), "Invalid conflict query")
				return
			}
			limit = min(n, constants.MaxConflictListLimit)
		}

		conflicts, err := s.store.ListConflicts(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err, "Failed to list conflicts")
			return
		}
		if conflicts == nil {
			conflicts = []models.ConflictRecord{}
		}
		s.writeJSON(w, r, http.StatusOK, conflicts)
	}
}

func (s *Server) handleReset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.sync.ResetFailed(r.Context())
		if err != nil {
			s.writeError(w, r, err, "Failed to reset failed entries")
			return
		}
		s.writeJSON(w, r, http.StatusOK, map[string]int64{"reset": n})
	}
}

func (s *Server) handleSyncNow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.sync.SyncNow(r.Context())
		if err != nil {
			s.writeError(w, r, err, "Manual sync failed")
			return
		}
		s.writeJSON(w, r, http.StatusOK, result)
	}
}

func (s *Server) handleFullSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.sync.FullSync(r.Context())
		if err != nil {
			s.writeError(w, r, err, "Full sync failed")
			return
		}
		s.writeJSON(w, r, http.StatusOK, result)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithFields(logrus.Fields{
			"request_id": tracing.GetRequestID(r.Context()),
			"error":      err,
		}).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	requestID := tracing.GetRequestID(r.Context())
	status := errors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		s.errLogger.LogError(err, message, logrus.Fields{"request_id": requestID})
	} else {
		s.errLogger.LogWarn(err, message, logrus.Fields{"request_id": requestID})
	}
	s.writeJSON(w, r, status, errors.ToHTTPResponse(err, requestID))
}
