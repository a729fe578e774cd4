// Package api exposes the orchestrator's operational surface over HTTP:
// starting workflows, inspecting and steering processes, listing
// subscriptions, triggering reconciliation and serving health and metrics
// endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openlumen/openlumen/pkg/engine"
	"github.com/openlumen/openlumen/pkg/stores"
)

// Server wires the HTTP handlers to the engine, scheduler and store.
type Server struct {
	store      stores.Store
	engine     *engine.Engine
	scheduler  *engine.Scheduler
	reconciler *engine.Reconciler
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
}

// NewServer creates the HTTP surface. The reconciler and gatherer are
// optional; their endpoints degrade to 404 when absent.
func NewServer(store stores.Store, eng *engine.Engine, sched *engine.Scheduler, rec *engine.Reconciler, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		store:      store,
		engine:     eng,
		scheduler:  sched,
		reconciler: rec,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /workflows/start", s.handleStart)
	mux.HandleFunc("GET /processes", s.handleListProcesses)
	mux.HandleFunc("GET /processes/{id}", s.handleGetProcess)
	mux.HandleFunc("POST /processes/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /processes/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("GET /subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("POST /reconcile", s.handleReconcile)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}

	return mux
}

// startRequest is the payload of POST /workflows/start.
type startRequest struct {
	Workflow       string         `json:"workflow"`
	SubscriptionID string         `json:"subscription_id"`
	Input          map[string]any `json:"input,omitempty"`
}

// startResponse carries the IDs of the created process and its target
// subscription.
type startResponse struct {
	ProcessID      string `json:"process_id"`
	SubscriptionID string `json:"subscription_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Workflow == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("field \"workflow\" is required"))
		return
	}
	// Provisioning workflows name the subscription they create.
	if req.SubscriptionID == "" {
		req.SubscriptionID = uuid.New().String()
	}

	processID, err := s.engine.Start(r.Context(), req.Workflow, req.SubscriptionID, req.Input)
	if err != nil {
		s.writeOrchError(w, err)
		return
	}
	s.scheduler.Enqueue(processID, engine.PriorityNormal)

	s.writeJSON(w, http.StatusAccepted, startResponse{
		ProcessID:      processID,
		SubscriptionID: req.SubscriptionID,
	})
}

// processResponse is a process together with its step history.
type processResponse struct {
	Process *stores.Process      `json:"process"`
	Steps   []*stores.StepRecord `json:"steps"`
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	proc, records, err := s.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeOrchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, processResponse{Process: proc, Steps: records})
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var subscriptionID *string
	if v := q.Get("subscription_id"); v != "" {
		subscriptionID = &v
	}
	var status *stores.ProcessStatus
	if v := q.Get("status"); v != "" {
		st := stores.ProcessStatus(v)
		status = &st
	}
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))

	procs, err := s.store.ListProcesses(r.Context(), subscriptionID, status, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, procs)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	processID := r.PathValue("id")
	if err := s.engine.Retry(r.Context(), processID); err != nil {
		s.writeOrchError(w, err)
		return
	}
	s.scheduler.Enqueue(processID, engine.PriorityNormal)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	processID := r.PathValue("id")
	if err := s.engine.Abort(r.Context(), processID); err != nil {
		s.writeOrchError(w, err)
		return
	}
	// A pending or suspended process compensates synchronously in Abort; a
	// running one finishes aborting at its next step boundary.
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var state *stores.LifecycleState
	if v := q.Get("state"); v != "" {
		st := stores.LifecycleState(v)
		state = &st
	}
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))

	subs, err := s.store.ListSubscriptions(r.Context(), state, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		s.writeError(w, http.StatusNotFound, errors.New("reconciliation is not enabled"))
		return
	}
	reports, err := s.reconciler.ReconcileAll(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the JSON error body. Code and class are filled from
// classified orchestration errors.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Class string `json:"class,omitempty"`
}

// writeOrchError maps a classified orchestration error onto an HTTP status.
func (s *Server) writeOrchError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: err.Error()}

	var oe *engine.OrchError
	if errors.As(err, &oe) {
		body.Code = oe.Code
		body.Class = string(oe.Class)
		switch oe.Code {
		case engine.CodeNotFound:
			status = http.StatusNotFound
		case engine.CodeSubscriptionLocked, engine.CodeConcurrentModification:
			status = http.StatusConflict
		case engine.CodeInvalidTransition, engine.CodeInvalidProcessState, engine.CodeTypeMismatch:
			status = http.StatusUnprocessableEntity
		case engine.CodeDeviceError:
			status = http.StatusBadGateway
		default:
			if oe.Class == engine.ErrorClassTransient {
				status = http.StatusServiceUnavailable
			}
		}
	}

	s.write(w, status, body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.write(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	s.write(w, status, v)
}

func (s *Server) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to write response")
	}
}

func pagination(limitStr, offsetStr string) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(limitStr); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(offsetStr); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
