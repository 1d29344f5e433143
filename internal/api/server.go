// Package api serves the dashboard: per-vehicle tracking, history, a live
// websocket stream, the demo fleet and a GTFS-RT vehicle position feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"fleet-tracker/internal/demo"
	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/telemetry"
	"fleet-tracker/internal/tracking"
)

// LatestStore serves the last known record per device.
type LatestStore interface {
	Latest(ctx context.Context, deviceIDs []string) (map[string]telemetry.Record, error)
}

type Config struct {
	Addr          string
	DefaultSource tracking.Source
	PathLimit     int
}

type Option func(*Server)

func WithDemo(d *demo.Tracker) Option { return func(s *Server) { s.demo = d } }

func WithLatest(l LatestStore) Option { return func(s *Server) { s.latest = l } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// Server keeps one Tracker per vehicle, shared by every viewer of it.
type Server struct {
	cfg      Config
	svc      *tracking.Service
	demo     *demo.Tracker
	latest   LatestStore
	logger   *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	httpServer *http.Server

	mu       sync.Mutex
	trackers map[string]*tracking.Tracker
}

func NewServer(cfg Config, svc *tracking.Service, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		trackers: make(map[string]*tracking.Tracker),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = observability.Discard()
	}
	s.logger = s.logger.With("component", "api")

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/vehicles/latest", s.handleLatest).Methods("GET")
	api.HandleFunc("/vehicles/{id}/tracking", s.handleGetTracking).Methods("GET")
	api.HandleFunc("/vehicles/{id}/tracking", s.handleStartTracking).Methods("POST")
	api.HandleFunc("/vehicles/{id}/tracking", s.handleStopTracking).Methods("DELETE")
	api.HandleFunc("/vehicles/{id}/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/vehicles/{id}/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/demo/vehicles", s.handleDemoVehicles).Methods("GET")
	api.HandleFunc("/feed/vehicle-positions", s.handleFeed).Methods("GET")
	s.router = router

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     router,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("Starting server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down and closes every tracker.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	trackers := s.trackers
	s.trackers = make(map[string]*tracking.Tracker)
	s.mu.Unlock()
	for _, t := range trackers {
		t.Close()
	}
	return err
}

func (s *Server) tracker(id string) (*tracking.Tracker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[id]
	return t, ok
}

func (s *Server) handleGetTracking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := s.tracker(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("vehicle %s is not tracked", id))
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	src := s.cfg.DefaultSource
	if q := r.URL.Query().Get("source"); q != "" {
		parsed, err := tracking.ParseSource(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		src = parsed
	}

	s.mu.Lock()
	t, ok := s.trackers[id]
	if ok && t.Source() != src {
		// release the old subscription before the new tracker takes the device
		delete(s.trackers, id)
		s.mu.Unlock()
		t.Close()
		s.mu.Lock()
		t, ok = s.trackers[id]
	}
	s.mu.Unlock()

	if !ok {
		// NewTracker may dial; other requests must not wait on it
		nt := tracking.NewTracker(r.Context(), s.svc,
			tracking.WithSource(src),
			tracking.WithPathLimit(s.cfg.PathLimit),
			tracking.WithTrackerLogger(s.logger),
		)
		s.mu.Lock()
		t, ok = s.trackers[id]
		if !ok {
			t = nt
			s.trackers[id] = t
		}
		s.mu.Unlock()
		if ok {
			nt.Close()
		}
	}

	if err := t.StartTracking(id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, tracking.ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, t.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	t, ok := s.trackers[id]
	delete(s.trackers, id)
	s.mu.Unlock()
	if ok {
		t.Close()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	end := time.Now().UTC()
	start := end.Add(-time.Hour)
	q := r.URL.Query()

	var err error
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
			return
		}
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, errors.New("end before start"))
		return
	}

	recs, err := s.svc.GetHistoricalData(r.Context(), id, start, end)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := s.tracker(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("vehicle %s is not tracked", id))
		return
	}
	updates, stop := t.Watch(32)
	defer stop()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "vehicle", id, "error", err)
		return
	}
	defer conn.Close()

	// the read side only exists to notice the client leaving
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case rec, ok := <-updates:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tracking stopped"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleDemoVehicles(w http.ResponseWriter, r *http.Request) {
	if s.demo == nil {
		writeJSON(w, http.StatusOK, []demo.Vehicle{})
		return
	}
	writeJSON(w, http.StatusOK, s.demo.Vehicles())
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.latest == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no telemetry store configured"))
		return
	}
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("ids is required"))
		return
	}
	out, err := s.latest.Latest(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
