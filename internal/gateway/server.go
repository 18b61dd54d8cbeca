// Package gateway is the thin HTTP/WebSocket surface over the
// orchestrator's query API. It is an external collaborator of the
// pipeline core: every handler is read-only except manual ingest,
// acknowledgement and response tracking.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/orchestrator"
	"github.com/visioncortex/backend/internal/scoring"
)

// Server exposes the REST/JSON and WebSocket endpoints.
type Server struct {
	orch     *orchestrator.Orchestrator
	engine   *scoring.Engine
	streamer *Streamer
	httpSrv  *http.Server
}

// NewServer builds the router. streamer may be nil to disable /ws.
func NewServer(orch *orchestrator.Orchestrator, engine *scoring.Engine, streamer *Streamer, port string) *Server {
	s := &Server{orch: orch, engine: engine, streamer: streamer}

	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/entities", s.handleSearchEntities).Methods("GET")
	api.HandleFunc("/entities/{id}", s.handleGetEntity).Methods("GET")
	api.HandleFunc("/entities/{id}/timeline", s.handleTimeline).Methods("GET")
	api.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	api.HandleFunc("/alerts/{id}/ack", s.handleAcknowledge).Methods("POST")
	api.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/scoring/weights", s.handleGetWeights).Methods("GET")
	api.HandleFunc("/scoring/weights", s.handleUpdateWeights).Methods("PUT")
	api.HandleFunc("/responses", s.handleRecordResponse).Methods("POST")

	if streamer != nil {
		r.HandleFunc("/ws", streamer.HandleWebSocket)
	}

	s.httpSrv = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	slog.Info("[Gateway] listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.streamer != nil {
		s.streamer.Stop()
	}
	return s.httpSrv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearchEntities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.orch.SearchEntities(query, limit))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ent, ok := s.orch.GetEntity(id)
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	timeline, ok := s.orch.GetEntityTimeline(id)
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	priority := core.Priority(strings.ToLower(r.URL.Query().Get("priority")))
	writeJSON(w, http.StatusOK, s.orch.GetActiveAlerts(priority))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.AcknowledgeAlert(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sig core.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal payload: "+err.Error())
		return
	}
	scored, err := s.orch.Ingest(r.Context(), sig)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scored)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetMetrics())
}

func (s *Server) handleGetWeights(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Weights())
}

func (s *Server) handleUpdateWeights(w http.ResponseWriter, r *http.Request) {
	var partial map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, "invalid weight map: "+err.Error())
		return
	}
	if err := s.engine.UpdateWeights(partial); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Weights())
}

func (s *Server) handleRecordResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID string `json:"template_id"`
		Responded  bool   `json:"responded"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "template_id required")
		return
	}
	s.orch.RecordResponse(r.Context(), req.TemplateID, req.Responded)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
