package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// MockXServer creates a test server that mocks the X API v2 filtered stream.
type MockXServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	rules    map[string]string // id -> value
	nextID   int
	requests map[string]int
	auth     []string
}

// NewMockXServer creates a new mock X API server. Unknown paths return 404.
func NewMockXServer(t *testing.T) *MockXServer {
	t.Helper()
	m := &MockXServer{
		Handlers: make(map[string]http.HandlerFunc),
		rules:    make(map[string]string),
		requests: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.requests[r.Method+" "+key]++
		m.auth = append(m.auth, r.Header.Get("Authorization"))
		handler, ok := m.Handlers[key]
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

func (m *MockXServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Requests returns how often "METHOD /path" was called.
func (m *MockXServer) Requests(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[key]
}

// AuthHeaders returns every Authorization header seen, in order.
func (m *MockXServer) AuthHeaders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.auth...)
}

// RuleValues returns the values of the rules currently installed.
func (m *MockXServer) RuleValues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rules))
	for i := 1; i <= m.nextID; i++ {
		if v, ok := m.rules[strconv.Itoa(i)]; ok {
			out = append(out, v)
		}
	}
	return out
}

// SeedRules installs rules as if left over from an earlier run.
func (m *MockXServer) SeedRules(values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.nextID++
		m.rules[strconv.Itoa(m.nextID)] = v
	}
}

// MockRules adds an in-memory implementation of the stream rules endpoint.
func (m *MockXServer) MockRules() {
	m.handle("/2/tweets/search/stream/rules", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			m.mu.Lock()
			data := []map[string]string{}
			for i := 1; i <= m.nextID; i++ {
				id := strconv.Itoa(i)
				if v, ok := m.rules[id]; ok {
					data = append(data, map[string]string{"id": id, "value": v})
				}
			}
			m.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
			return
		}
		var body struct {
			Add []struct {
				Value string `json:"value"`
			} `json:"add"`
			Delete struct {
				IDs []string `json:"ids"`
			} `json:"delete"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		for _, id := range body.Delete.IDs {
			delete(m.rules, id)
		}
		for _, a := range body.Add {
			m.nextID++
			m.rules[strconv.Itoa(m.nextID)] = a.Value
		}
		m.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"meta": map[string]string{"sent": "now"}}) //nolint:errcheck // test mock response
	})
}

// MockStream adds a handler for the filtered stream that writes lines, then
// holds the connection open until the client goes away. When hangUp is true
// the server closes the stream after the last line instead.
func (m *MockXServer) MockStream(hangUp bool, lines ...string) {
	m.handle("/2/tweets/search/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\r\n", line)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if hangUp {
			return
		}
		<-r.Context().Done()
	})
}

// MockStatus makes path answer with code and a JSON problem body.
func (m *MockXServer) MockStatus(path string, code int) {
	m.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"title": http.StatusText(code)}) //nolint:errcheck // test mock response
	})
}

// MockOAuthTokenResponse adds a handler for the app-only token endpoint.
func (m *MockXServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// PostLine builds one filtered stream payload with the author expanded.
func PostLine(id, authorID, username, text, createdAt string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"data": map[string]string{
			"id":         id,
			"text":       text,
			"author_id":  authorID,
			"created_at": createdAt,
		},
		"includes": map[string]interface{}{
			"users": []map[string]string{{"id": authorID, "username": username}},
		},
	})
	return string(b)
}
