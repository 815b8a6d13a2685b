// Package server exposes the queue as a JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"dlqueue/internal/metrics"
	"dlqueue/internal/progress"
	"dlqueue/internal/task"
)

type Server struct {
	addr        string
	manager     *task.Manager
	events      *progress.Bus
	downloadDir string
}

func NewServer(addr string, manager *task.Manager, events *progress.Bus, downloadDir string) *Server {
	return &Server{
		addr:        addr,
		manager:     manager,
		events:      events,
		downloadDir: downloadDir,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("POST /api/tasks", s.handleAdd)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/tasks/{id}/move", s.handleMove)
	mux.HandleFunc("POST /api/pause-all", s.handlePauseAll)
	mux.HandleFunc("POST /api/start-all", s.handleStartAll)
	if s.events != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("API listening on http://%s", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps queue errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrDuplicateSource):
		status = http.StatusConflict
	case task.IsUserError(err):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id %q", task.ErrInvalidTarget, r.PathValue("id"))
	}
	return id, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("archive") != "" {
		archived, err := s.manager.ListArchive()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, archived)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL         string `json:"url"`
		Kind        string `json:"kind"`
		Destination string `json:"destination"`
		Start       bool   `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", task.ErrInvalidTarget, err))
		return
	}

	req := task.AddRequest{Source: body.URL, Destination: body.Destination}
	if body.Kind != "" {
		kind, err := task.ParseKind(body.Kind)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Kind = kind
	}
	if req.Kind == "" {
		req.Kind = task.DetectKind(req.Source)
	}
	if req.Destination == "" {
		req.Destination = task.DefaultDestination(s.downloadDir, req.Source, req.Kind)
	}

	t, err := s.manager.Add(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if body.Start {
		if err := s.manager.Start(t.ID); err != nil {
			writeError(w, err)
			return
		}
		if t, err = s.manager.Get(t.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskAction wraps a per-task command that answers with the updated task.
func (s *Server) taskAction(fn func(id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := fn(id); err != nil {
			writeError(w, err)
			return
		}
		t, err := s.manager.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.taskAction(s.manager.Start)(w, r)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.taskAction(s.manager.Pause)(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.taskAction(s.manager.Cancel)(w, r)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Position *int `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Position == nil {
		writeError(w, fmt.Errorf("%w: body must carry a position", task.ErrInvalidPosition))
		return
	}
	s.taskAction(func(id int64) error {
		return s.manager.Move(id, *body.Position)
	})(w, r)
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.PauseAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"paused": nonNil(ids)})
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.StartAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"started": nonNil(ids)})
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// handleEvents streams progress events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.events.Subscribe(64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
			flusher.Flush()
		}
	}
}
