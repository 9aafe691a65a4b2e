// Package jwkstest provides an in-process key set server and token signer for tests.
package jwkstest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Key is an RSA key pair published under KeyID.
type Key struct {
	KeyID   string
	Private *rsa.PrivateKey
}

// NewKey generates a 2048-bit RSA key.
func NewKey(t testing.TB, kid string) *Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &Key{KeyID: kid, Private: priv}
}

// Sign returns an RS256 token over claims with the key's kid in the header.
func (k *Key) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.KeyID
	signed, err := token.SignedString(k.Private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Server serves a key set over HTTP and counts requests.
type Server struct {
	*httptest.Server

	mu       sync.RWMutex
	keys     []*Key
	status   int
	requests atomic.Int64
}

// NewServer starts a key set server publishing keys. It is closed on test cleanup.
func NewServer(t testing.TB, keys ...*Key) *Server {
	t.Helper()
	s := &Server{keys: keys, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetKeys replaces the published keys.
func (s *Server) SetKeys(keys ...*Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

// SetStatus makes the server answer with status and no body when status is not 200.
func (s *Server) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Requests returns how many times the key set was fetched.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status != http.StatusOK {
		w.WriteHeader(s.status)
		return
	}

	set := jose.JSONWebKeySet{}
	for _, k := range s.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.Private.PublicKey,
			KeyID:     k.KeyID,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}
