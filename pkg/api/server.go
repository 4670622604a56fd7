package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/npu-bridge/npu-bridge-go/pkg/bridge"
	"github.com/npu-bridge/npu-bridge-go/pkg/engine"
	"github.com/npu-bridge/npu-bridge-go/pkg/history"
	"github.com/npu-bridge/npu-bridge-go/pkg/metrics"
	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/pkg/queue"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

// Server exposes the bridge over HTTP. The history store is optional; when
// present, terminal operations stay queryable after the engine forgets them.
type Server struct {
	router   *mux.Router
	bridge   *bridge.Bridge
	exporter *metrics.PromExporter
	history  *history.Store
	httpSrv  *http.Server
	logger   *utils.Logger
}

// NewServer creates the HTTP server and registers all routes
func NewServer(b *bridge.Bridge, exporter *metrics.PromExporter, hist *history.Store, port string) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		bridge:   b,
		exporter: exporter,
		history:  hist,
		logger:   utils.GetLogger(),
	}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:         ":" + port,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Router returns the underlying router, used by tests
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.errorRecoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")

	s.router.HandleFunc("/api/operations", s.handleSubmitOperation).Methods("POST")
	s.router.HandleFunc("/api/operations", s.handleListOperations).Methods("GET")
	s.router.HandleFunc("/api/operations/{id}", s.handleGetOperation).Methods("GET")
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")

	if s.exporter != nil {
		s.router.Handle("/metrics", s.exporter.Handler()).Methods("GET")
	}
}

// Start begins serving; it blocks until the listener fails or Stop is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening",
		utils.Component("api"),
		utils.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "npu-bridge",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.bridge.Ready() {
		writeErrorResponse(w, http.StatusServiceUnavailable, "engine is not accepting operations")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleSubmitOperation accepts an operation request. With ?wait=true the
// call blocks until the operation finishes and returns its result envelope;
// otherwise it returns 202 with the assigned id.
func (s *Server) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	var req models.OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequestResponse(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Kind == "" {
		writeBadRequestResponse(w, "kind is required")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		result, err := s.bridge.Execute(r.Context(), req)
		if err != nil {
			s.writeSubmitError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, result)
		return
	}

	id, err := s.bridge.Submit(req)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]string{
		"operation_id": id,
		"status":       string(models.OperationStatusQueued),
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeErrorResponse(w, http.StatusTooManyRequests, "operation queue is full")
	case errors.Is(err, engine.ErrNotRunning):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeErrorResponse(w, http.StatusRequestTimeout, err.Error())
	default:
		writeBadRequestResponse(w, err.Error())
	}
}

// handleGetOperation serves live operations from the engine and falls back
// to the history store for terminal ones
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if op, err := s.bridge.Status(id); err == nil {
		writeJSONResponse(w, http.StatusOK, op)
		return
	}
	if s.history != nil {
		if rec, err := s.history.Get(id); err == nil {
			writeJSONResponse(w, http.StatusOK, rec)
			return
		}
	}
	writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown operation: %s", id))
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.bridge.Operations()
	resp := map[string]any{
		"operations": ops,
		"count":      len(ops),
	}
	if s.history != nil {
		if recent, err := s.history.Recent(50); err == nil {
			resp["recent"] = recent
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.bridge.Statistics())
}
