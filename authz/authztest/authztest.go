// Package authztest provides an in-process policy decision point for tests.
package authztest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Server allows the policy paths it was told to allow and denies the rest.
type Server struct {
	*httptest.Server

	mu      sync.RWMutex
	allowed map[string]bool
	status  int
	paths   []string

	calls atomic.Int64
}

// NewServer starts a decision point allowing paths. It is closed on test cleanup.
func NewServer(t testing.TB, allowed ...string) *Server {
	t.Helper()
	s := &Server{allowed: map[string]bool{}, status: http.StatusOK}
	for _, p := range allowed {
		s.allowed[p] = true
	}

	r := chi.NewRouter()
	r.Post("/api/v1/authz/is", s.is)
	r.Post("/api/v1/authz/decisiontree", s.decisionTree)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Allow adds path to the allowed set.
func (s *Server) Allow(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[path] = true
}

// SetStatus makes the server answer with status and no body when status is not 200.
func (s *Server) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Calls returns how many decisions were requested.
func (s *Server) Calls() int64 {
	return s.calls.Load()
}

// Paths returns the policy paths evaluated so far, in order.
func (s *Server) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.paths...)
}

type policyRequest struct {
	IdentityContext struct {
		Type string `json:"type"`
	} `json:"identity_context"`
	PolicyContext struct {
		Path string `json:"path"`
	} `json:"policy_context"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (policyRequest, bool) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return req, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, req.PolicyContext.Path)
	if s.status != http.StatusOK {
		w.WriteHeader(s.status)
		return req, false
	}
	return req, true
}

func (s *Server) is(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	req, ok := s.decode(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	allowed := s.allowed[req.PolicyContext.Path]
	s.mu.RUnlock()

	writeJSON(w, map[string]any{
		"decisions": []map[string]any{{"decision": "allowed", "is": allowed}},
	})
}

func (s *Server) decisionTree(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	tree := make(map[string]map[string]bool, len(s.allowed))
	for p := range s.allowed {
		tree[p] = map[string]bool{"visible": true, "enabled": true}
	}
	s.mu.RUnlock()

	writeJSON(w, map[string]any{
		"path_root": req.PolicyContext.Path,
		"path":      tree,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
