// Package testutil provides an in-process stand-in for the Spotify accounts
// host, Web API host and preview CDN.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockSpotifyServer serves every Spotify host from one httptest server,
// dispatching on the request path.
type MockSpotifyServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockSpotifyServer creates a new mock server closed on test cleanup.
func NewMockSpotifyServer(t *testing.T) *MockSpotifyServer {
	t.Helper()
	m := &MockSpotifyServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for an exact path.
func (m *MockSpotifyServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Hits returns how many requests reached path.
func (m *MockSpotifyServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// TokenURL is the mocked client-credentials endpoint.
func (m *MockSpotifyServer) TokenURL() string { return m.URL + "/api/token" }

// APIURL is the mocked Web API base (".../v1").
func (m *MockSpotifyServer) APIURL() string { return m.URL + "/v1" }

// TrackPath returns the path the track lookup for id hits.
func TrackPath(id string) string { return "/v1/tracks/" + id }

// MockTokenResponse answers the token endpoint with a fixed token.
func (m *MockSpotifyServer) MockTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/api/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	})
}

// MockTrackResponse answers the lookup for id. An empty previewURL is sent as null.
func (m *MockSpotifyServer) MockTrackResponse(id, name, previewURL string) {
	m.Handle(TrackPath(id), func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"id":                id,
			"name":              name,
			"preview_url":       nil,
			"available_markets": []string{"US", "CA"},
		}
		if previewURL != "" {
			body["preview_url"] = previewURL
		}
		writeJSON(w, http.StatusOK, body)
	})
}

// MockPreview serves data with contentType at path.
func (m *MockSpotifyServer) MockPreview(path, contentType string, data []byte) string {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(data) //nolint:errcheck // test mock response
	})
	return m.URL + path
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
