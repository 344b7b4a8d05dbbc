package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/crawlqueue/internal/metrics"
	"github.com/ChuLiYu/crawlqueue/internal/service"
	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

// Server exposes the job operations over REST.
type Server struct {
	jobs    *service.Jobs
	metrics *metrics.Collector
	httpSrv *http.Server
	log     *slog.Logger
}

// submitRequest is the POST /jobs body.
type submitRequest struct {
	URLs   []string `json:"urls"`
	UserID string   `json:"userId,omitempty"`
}

// submitResponse carries the assigned job identity back to the caller.
type submitResponse struct {
	JobID string `json:"jobId"`
}

// statusResponse is the reconciled status view.
type statusResponse struct {
	JobID         string  `json:"jobId"`
	Status        string  `json:"status"`
	Message       *string `json:"message,omitempty"`
	URLsSubmitted int     `json:"urlsSubmitted"`
	URLsSucceeded int     `json:"urlsSucceeded"`
	URLsFailed    int     `json:"urlsFailed"`
}

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewServer builds the REST server on the given port.
func NewServer(jobs *service.Jobs, collector *metrics.Collector, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{jobs: jobs, metrics: collector, log: logger}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobId}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobId}/result", s.handleResult).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("REST server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	jobID, err := s.jobs.Submit(r.Context(), req.URLs, req.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.metrics.RecordSubmitted()
	s.writeJSON(w, http.StatusOK, submitResponse{JobID: string(jobID)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := types.JobID(mux.Vars(r)["jobId"])

	view, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		JobID:         string(view.JobID),
		Status:        string(view.Status),
		Message:       view.LiveMessage,
		URLsSubmitted: view.URLsSubmitted,
		URLsSucceeded: view.URLsSucceeded,
		URLsFailed:    view.URLsFailed,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := types.JobID(mux.Vars(r)["jobId"])

	html, err := s.jobs.Result(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(html)); err != nil {
		s.log.Error("Failed to write result body", "jobID", jobID, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps a service error kind onto an HTTP status code.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	message, details := "Internal server error", ""
	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		message, details = svcErr.Message, svcErr.Details
	}

	var code int
	switch service.KindOf(err) {
	case service.KindInvalidInput, service.KindJobNotCompleted:
		code = http.StatusBadRequest
	case service.KindJobNotFound:
		code = http.StatusNotFound
	default:
		code = http.StatusInternalServerError
		s.log.Error("Request failed", "error", err)
	}

	s.writeError(w, code, message, details)
}

func (s *Server) writeError(w http.ResponseWriter, code int, message, details string) {
	s.writeJSON(w, code, errorResponse{Status: code, Message: message, Details: details})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("Failed to encode response", "error", err)
	}
}
