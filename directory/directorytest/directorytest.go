// Package directorytest provides an in-process directory service for tests.
package directorytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/authz-gateway/models"
)

// Server serves users over the directory REST surface and counts list requests.
type Server struct {
	*httptest.Server

	mu     sync.RWMutex
	users  map[string]*models.User
	order  []string
	status int
	delay  time.Duration

	lists   atomic.Int64
	updates atomic.Int64
}

// NewServer starts a directory holding users. It is closed on test cleanup.
func NewServer(t testing.TB, users ...*models.User) *Server {
	t.Helper()
	s := &Server{users: map[string]*models.User{}, status: http.StatusOK}
	for _, u := range users {
		s.users[u.ID] = u.Clone()
		s.order = append(s.order, u.ID)
	}

	r := chi.NewRouter()
	r.Get("/api/v1/users", s.listUsers)
	r.Get("/api/v1/users/{id}", s.getUser)
	r.Post("/api/v1/users/{id}/attributes", s.updateUser)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// SetStatus makes every endpoint answer with status and no body when status is not 200.
func (s *Server) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetDelay holds every list response for d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// ListRequests returns how many times the full user list was fetched.
func (s *Server) ListRequests() int64 {
	return s.lists.Load()
}

// UpdateRequests returns how many attribute updates were received.
func (s *Server) UpdateRequests() int64 {
	return s.updates.Load()
}

// User returns a copy of the stored user, or nil.
func (s *Server) User(id string) *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id].Clone()
}

func (s *Server) failing(w http.ResponseWriter) bool {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status == http.StatusOK {
		return false
	}
	w.WriteHeader(status)
	return true
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	s.lists.Add(1)

	s.mu.RLock()
	delay := s.delay
	s.mu.RUnlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if s.failing(w) {
		return
	}

	s.mu.RLock()
	results := make([]*models.User, 0, len(s.order))
	for _, id := range s.order {
		results = append(results, s.users[id])
	}
	writeJSON(w, map[string]any{"results": results})
	s.mu.RUnlock()
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	if s.failing(w) {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[chi.URLParam(r, "id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"result": user})
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	s.updates.Add(1)
	if s.failing(w) {
		return
	}

	var body struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[chi.URLParam(r, "id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if user.Attributes == nil {
		user.Attributes = map[string]any{}
	}
	user.Attributes[body.Key] = body.Value
	writeJSON(w, map[string]any{"result": user})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
