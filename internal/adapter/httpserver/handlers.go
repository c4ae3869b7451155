package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/stepflow/internal/config"
	"github.com/fairyhunter13/stepflow/internal/domain"
	"github.com/fairyhunter13/stepflow/internal/usecase"
)

// heartbeatLiveness is the maximum heartbeat age for a worker to count alive.
const heartbeatLiveness = 12 * time.Second

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Svc        *usecase.Service
	Store      domain.Store
	Queue      domain.QueueDriver
	StoreCheck func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, svc *usecase.Service, store domain.Store, queue domain.QueueDriver,
	storeCheck, queueCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Svc: svc, Store: store, Queue: queue, StoreCheck: storeCheck, QueueCheck: queueCheck}
}

type createRunRequest struct {
	Plan usecase.Plan `json:"plan"`
}

// CreateRunHandler admits a plan and returns 201 {id, status}.
func (s *Server) CreateRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		run, err := s.Svc.CreateRun(r.Context(), req.Plan)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": run.ID, "status": run.Status})
	}
}

// RetryStepHandler re-admits a failed step and returns 200.
func (s *Server) RetryStepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		stepID := chi.URLParam(r, "stepId")
		if err := s.Svc.RetryStep(r.Context(), runID, stepID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": stepID, "status": domain.StepQueued})
	}
}

// CancelRunHandler cancels a run and returns 200.
func (s *Server) CancelRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		if err := s.Svc.CancelRun(r.Context(), runID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": runID, "status": domain.RunCancelled})
	}
}

// GetRunHandler returns the run, its steps, and derived progress.
func (s *Server) GetRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := s.Svc.GetRunDetail(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

// DevQueueHandler reports queue depth for a topic (default step.ready).
func (s *Server) DevQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			topic = domain.TopicStepReady
		}
		stats, err := s.Svc.QueueStatsFor(r.Context(), topic)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// DevDLQHandler lists dead jobs for a topic (default the configured DLQ).
func (s *Server) DevDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			topic = s.Cfg.DLQTopic
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 {
				writeError(w, r, fmt.Errorf("%w: limit", domain.ErrInvalidArgument), nil)
				return
			}
		}
		items, err := s.Svc.ListDLQ(r.Context(), topic, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if items == nil {
			items = []domain.QueueJob{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "count": len(items), "items": items})
	}
}

type rehydrateRequest struct {
	Topic string `json:"topic"`
	Max   int    `json:"max"`
}

// DevRehydrateHandler re-admits up to max DLQ jobs.
func (s *Server) DevRehydrateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rehydrateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if req.Topic == "" {
			req.Topic = s.Cfg.DLQTopic
		}
		moved, err := s.Svc.RehydrateDLQ(r.Context(), req.Topic, req.Max)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"topic": req.Topic, "moved": moved})
	}
}

// HealthHandler summarizes process liveness including worker heartbeat age
// for networked drivers.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": "ok",
			"driver": s.Queue.Name(),
		}
		if b, ok := s.Queue.(domain.Beater); ok && s.Queue.Name() != config.DriverMemory {
			worker := map[string]any{"alive": false}
			if last, err := b.LastBeat(r.Context()); err == nil {
				age := time.Since(last)
				worker["lastBeat"] = last.UTC().Format(time.RFC3339)
				worker["alive"] = age < heartbeatLiveness
			}
			body["worker"] = worker
		} else {
			body["worker"] = map[string]any{
				"alive": s.Queue.HasSubscribers(domain.TopicStepReady),
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// LivezHandler is the bare liveness probe.
func (s *Server) LivezHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler probes the store and the queue driver.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.HealthCheckEnabled {
			w.WriteHeader(http.StatusOK)
			return
		}
		checks := map[string]func(context.Context) error{
			"store": s.StoreCheck,
			"queue": s.QueueCheck,
		}
		failures := map[string]string{}
		for name, check := range checks {
			if check == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := check(ctx)
			cancel()
			if err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failures": failures})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}
