package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

// LessonLister is the read side of the lesson directory.
type LessonLister interface {
	List() []types.Lesson
	Refresh(ctx context.Context) ([]types.Lesson, error)
}

// Presence reports who is online.
type Presence interface {
	Stats() types.PresenceStats
	OnlineParticipants(lesson types.LessonID) []types.OnlineParticipant
}

// ConnectionCounter reports the number of open sockets.
type ConnectionCounter interface {
	Count() int
}

// Server serves the HTTP surface next to the WebSocket endpoint.
type Server struct {
	store       interfaces.RowStore
	lessons     LessonLister
	presence    Presence
	connections ConnectionCounter
	router      *http.ServeMux
	startedAt   time.Time
}

func NewServer(store interfaces.RowStore, lessons LessonLister, presence Presence, connections ConnectionCounter) *Server {
	s := &Server{
		store:       store,
		lessons:     lessons,
		presence:    presence,
		connections: connections,
		router:      http.NewServeMux(),
		startedAt:   time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/lessons", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleLessons))))
	s.router.Handle("/api/lessons/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleLessonByID))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

// Handle mounts an extra handler, such as the WebSocket endpoint, on the mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.router.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ListLessonsResponse struct {
	Lessons []types.Lesson `json:"lessons"`
}

type LessonResponse struct {
	Lesson types.Lesson              `json:"lesson"`
	Online []types.OnlineParticipant `json:"online"`
}

type HealthResponse struct {
	Status      string              `json:"status"`
	Timestamp   time.Time           `json:"timestamp"`
	Store       string              `json:"store"`
	Connections int                 `json:"connections"`
	Presence    types.PresenceStats `json:"presence"`
	Uptime      string              `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/lessons, optionally ?refresh=true to re-read the store.
func (s *Server) handleLessons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lessons := s.lessons.List()
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		refreshed, err := s.lessons.Refresh(r.Context())
		if err != nil {
			s.sendError(w, "Failed to refresh lessons", storeStatus(err))
			return
		}
		lessons = refreshed
	}

	json.NewEncoder(w).Encode(ListLessonsResponse{Lessons: lessons})
}

// GET /api/lessons/{id}
func (s *Server) handleLessonByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/lessons/"), "/")[0]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.sendError(w, "Invalid lesson ID", http.StatusBadRequest)
		return
	}

	for _, l := range s.lessons.List() {
		if l.ID == types.LessonID(id) {
			json.NewEncoder(w).Encode(LessonResponse{
				Lesson: l,
				Online: s.presence.OnlineParticipants(l.ID),
			})
			return
		}
	}
	s.sendError(w, "Lesson not found", http.StatusNotFound)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	storeState := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		storeState = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Store:       storeState,
		Connections: s.connections.Count(),
		Presence:    s.presence.Stats(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrStoreRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
