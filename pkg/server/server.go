// Package server exposes the chat service, project store and response cache
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ted-keystonepartners/tevor/pkg/chat"
	"github.com/ted-keystonepartners/tevor/pkg/models"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

const (
	defaultHistoryLimit = 50
	defaultPopularLimit = 10
	maxBodyBytes        = 1 << 20
)

// Replier answers a chat message for a project.
type Replier interface {
	Reply(ctx context.Context, projectID, message string) (models.Reply, error)
}

// StreamReplier answers a chat message as a sequence of events.
type StreamReplier interface {
	Stream(ctx context.Context, projectID, message string, emit func(models.StreamEvent) error) (models.Reply, error)
}

// CacheAdmin is the cache surface exposed for monitoring.
type CacheAdmin interface {
	Stats() models.CacheStats
	PopularQueries(limit int) []string
	Clear()
}

// Server is the tevor HTTP API.
type Server struct {
	listen string
	store  store.Store
	chat   Replier
	cache  CacheAdmin
	log    zerolog.Logger
	mux    *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithCache exposes cache statistics and clearing. Without it the cache
// endpoints report the cache as disabled.
func WithCache(c CacheAdmin) Option {
	return func(s *Server) { s.cache = c }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server listening on listen.
func New(listen string, st store.Store, replier Replier, opts ...Option) *Server {
	s := &Server{
		listen: listen,
		store:  st,
		chat:   replier,
		log:    zerolog.Nop(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /api/v2/chat/message", s.handleChatMessage)
	s.mux.HandleFunc("POST /api/v2/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	s.mux.HandleFunc("GET /api/projects", s.handleListProjects)
	s.mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	s.mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	s.mux.HandleFunc("GET /api/projects/{id}/messages", s.handleProjectMessages)
	s.mux.HandleFunc("GET /cache-stats", s.handleCacheStats)
	s.mux.HandleFunc("POST /cache/clear", s.handleCacheClear)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("duration", time.Since(start)).
		Msg("request")
}

// ListenAndServe starts the server and shuts it down gracefully when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.listen).Msg("tevor listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type chatRequest struct {
	ProjectID string `json:"project_id"`
	Message   string `json:"message"`
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		writeJSONError(w, http.StatusBadRequest, "project_id is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	reply, err := s.chat.Reply(r.Context(), req.ProjectID, req.Message)
	if err != nil {
		s.writeChatError(w, req.ProjectID, err)
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

// handleChatStream answers with server-sent events. Errors found before the
// first event are plain JSON errors with the same status codes as
// handleChatMessage.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	streamer, ok := s.chat.(StreamReplier)
	if !ok {
		writeJSONError(w, http.StatusNotImplemented, "streaming is not supported")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	started := false
	emit := func(evt models.StreamEvent) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := streamer.Stream(r.Context(), req.ProjectID, req.Message, emit)
	if err == nil {
		return
	}
	if !started {
		s.writeChatError(w, req.ProjectID, err)
		return
	}
	s.log.Warn().Err(err).Str("project_id", req.ProjectID).Msg("chat stream ended early")
}

func (s *Server) writeChatError(w http.ResponseWriter, projectID string, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrProjectNotFound):
		writeJSONError(w, http.StatusNotFound, "project not found: "+projectID)
	default:
		s.log.Error().Err(err).Str("project_id", projectID).Msg("chat reply")
		writeJSONError(w, http.StatusInternalServerError, "failed to generate reply")
	}
}

type createProjectRequest struct {
	ProjectID      string   `json:"project_id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ProjectType    string   `json:"project_type"`
	CurrentStage   string   `json:"current_stage"`
	ExpectedSpaces []string `json:"expected_spaces"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	p, err := s.store.CreateProject(r.Context(), models.Project{
		ProjectID:      req.ProjectID,
		Name:           req.Name,
		Description:    req.Description,
		ProjectType:    req.ProjectType,
		CurrentStage:   req.CurrentStage,
		ExpectedSpaces: req.ExpectedSpaces,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("create project")
		writeJSONError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list projects")
		writeJSONError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.DeleteProject(r.Context(), id)
	if errors.Is(err, store.ErrProjectNotFound) {
		writeJSONError(w, http.StatusNotFound, "project not found: "+id)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("project_id", id).Msg("delete project")
		writeJSONError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	s.log.Info().Str("project_id", id).Msg("project deleted")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "project_id": id})
}

func (s *Server) handleProjectMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}

	msgs, err := s.store.History(r.Context(), p.ProjectID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("project_id", p.ProjectID).Msg("load history")
		writeJSONError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []models.MessageRecord{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) lookupProject(w http.ResponseWriter, r *http.Request) (models.Project, bool) {
	id := r.PathValue("id")
	p, err := s.store.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrProjectNotFound) {
		writeJSONError(w, http.StatusNotFound, "project not found: "+id)
		return models.Project{}, false
	}
	if err != nil {
		s.log.Error().Err(err).Str("project_id", id).Msg("get project")
		writeJSONError(w, http.StatusInternalServerError, "failed to load project")
		return models.Project{}, false
	}
	return p, true
}

// CacheStatsResponse is the body of GET /cache-stats.
type CacheStatsResponse struct {
	Enabled bool `json:"enabled"`
	models.CacheStats
	PopularQueries []string `json:"popular_queries"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, CacheStatsResponse{PopularQueries: []string{}})
		return
	}
	limit, err := queryLimit(r, defaultPopularLimit)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CacheStatsResponse{
		Enabled:        true,
		CacheStats:     s.cache.Stats(),
		PopularQueries: s.cache.PopularQueries(limit),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusConflict, "cache is disabled")
		return
	}
	s.cache.Clear()
	s.log.Info().Msg("cache cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// decodeBody decodes a JSON body of at most maxBodyBytes into v, writing a
// 400 or 413 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeJSONError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"tevor_error","code":%d}}`, message, code)
}
