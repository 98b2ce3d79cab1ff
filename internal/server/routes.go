package server

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/models"
)

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /api/queues", s.handleListQueues)
	mux.HandleFunc("GET /api/queues/{name}", s.handleGetQueue)

	mux.HandleFunc("GET /api/deadletter", s.handleListDeadLetters)
	mux.HandleFunc("POST /api/deadletter/{id}/requeue", s.handleRequeueDeadLetter)
	mux.HandleFunc("POST /api/deadletter/{id}/discard", s.handleDiscardDeadLetter)

	mux.HandleFunc("GET /api/streams/{type}/{id}", s.handleGetStream)
	mux.HandleFunc("GET /api/sagas", s.handleListSagas)
	mux.HandleFunc("GET /api/sagas/{id}", s.handleGetSaga)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": common.GetVersion(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	s.monitor.Render(w)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	names := s.engine.QueueNames()
	metrics := make([]*models.QueueMetrics, 0, len(names))
	for _, name := range names {
		qm, err := s.engine.GetQueueMetrics(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		metrics = append(metrics, qm)
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	qm, err := s.engine.GetQueueMetrics(r.Context(), r.PathValue("name"))
	if err != nil {
		if models.IsQueueNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, qm)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	queue := models.DeadLetterQueue(r.URL.Query().Get("queue"))
	if queue == "" {
		queue = models.DeadLetterManualReview
	}

	entries, err := s.deadLetters.List(r.Context(), queue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.deadLetters.Requeue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) handleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.deadLetters.Discard(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.GetEventStream(r.Context(), r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListSagas(w http.ResponseWriter, r *http.Request) {
	status := models.SagaStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.SagaStatusRunning
	}

	instances, err := s.sagas.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	instance, err := s.sagas.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
