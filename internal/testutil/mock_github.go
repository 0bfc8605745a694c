// Package testutil provides a mock GitHub REST server for tests.
package testutil

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration

	// Times limits how often a page failure is served; 0 means always.
	Times int
}

// Collection is a paginated list endpoint. Records are served in the given
// order, which should be newest-first for incremental fetches.
type Collection struct {
	Records []map[string]any

	// DefaultPageSize is used when the request has no per_page (GitHub uses 30).
	DefaultPageSize int

	// SinceField enables server-side filtering on ?since=: only records whose
	// SinceField is at or after since are returned.
	SinceField string
}

// MockGitHub is a configurable mock GitHub server for testing.
type MockGitHub struct {
	server      *httptest.Server
	mu          sync.RWMutex
	collections map[string]*Collection
	handlers    map[string]func(w http.ResponseWriter, r *http.Request)
	failures    map[string]*MockResponse
	pages       map[string][]int
	remaining   int

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	LastQuery         url.Values
}

// NewMockGitHub creates a new mock GitHub server.
func NewMockGitHub() *MockGitHub {
	mock := &MockGitHub{
		collections: make(map[string]*Collection),
		handlers:    make(map[string]func(w http.ResponseWriter, r *http.Request)),
		failures:    make(map[string]*MockResponse),
		pages:       make(map[string][]int),
		remaining:   5000,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.LastQuery = r.URL.Query()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		if mock.remaining > 0 {
			mock.remaining--
		}
		remaining := mock.remaining
		handler, hasHandler := mock.handlers[r.URL.Path]
		collection, hasCollection := mock.collections[r.URL.Path]
		mock.mu.Unlock()

		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Used", strconv.Itoa(5000-remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		w.Header().Set("X-RateLimit-Resource", "core")

		switch {
		case hasHandler:
			handler(w, r)
		case hasCollection:
			mock.serveCollection(w, r, collection)
		default:
			writeJSON(w, http.StatusNotFound, `{"message":"Not Found","documentation_url":"https://docs.github.com/rest"}`)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockGitHub) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGitHub) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.LastQuery = nil
	m.pages = make(map[string][]int)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGitHub) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockGitHub) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeMock(w, resp)
	})
}

// SetCollection serves records under path with Link header pagination.
func (m *MockGitHub) SetCollection(path string, c Collection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := c
	m.collections[path] = &cc
}

// FailPage makes the given page of a collection answer with resp.
func (m *MockGitHub) FailPage(path string, page int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := resp
	m.failures[pageKey(path, page)] = &r
}

// SetRemaining sets the rate limit budget reported on the next response.
func (m *MockGitHub) SetRemaining(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining = n + 1
}

// PagesRequested returns the page numbers requested for path, in order.
func (m *MockGitHub) PagesRequested(path string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.pages[path]...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGitHub) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockGitHub) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

func (m *MockGitHub) serveCollection(w http.ResponseWriter, r *http.Request, c *Collection) {
	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 1)
	perPage := atoiDefault(q.Get("per_page"), c.DefaultPageSize)
	if perPage <= 0 {
		perPage = 30
	}

	m.mu.Lock()
	m.pages[r.URL.Path] = append(m.pages[r.URL.Path], page)
	failure := m.failures[pageKey(r.URL.Path, page)]
	if failure != nil && failure.Times > 0 {
		failure.Times--
		if failure.Times == 0 {
			delete(m.failures, pageKey(r.URL.Path, page))
		}
	}
	m.mu.Unlock()

	if failure != nil {
		writeMock(w, *failure)
		return
	}

	records := c.Records
	if since := q.Get("since"); since != "" && c.SinceField != "" {
		records = filterSince(records, c.SinceField, since)
	}

	start := (page - 1) * perPage
	if start > len(records) {
		start = len(records)
	}
	end := start + perPage
	if end > len(records) {
		end = len(records)
	}

	body, err := json.Marshal(records[start:end])
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, `{"message":"encode failure"}`)
		return
	}
	if start == end {
		body = []byte("[]")
	}

	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	lastPage := (len(records) + perPage - 1) / perPage
	if lastPage < 1 {
		lastPage = 1
	}
	link := func(p int, rel string) string {
		u := *r.URL
		u.Scheme = "http"
		u.Host = r.Host
		qq := u.Query()
		qq.Set("page", strconv.Itoa(p))
		u.RawQuery = qq.Encode()
		return fmt.Sprintf(`<%s>; rel="%s"`, u.String(), rel)
	}
	var links []string
	if page < lastPage {
		links = append(links, link(page+1, "next"), link(lastPage, "last"))
	}
	if page > 1 {
		links = append(links, link(1, "first"), link(page-1, "prev"))
	}
	for i, l := range links {
		if i == 0 {
			w.Header().Set("Link", l)
			continue
		}
		w.Header().Set("Link", w.Header().Get("Link")+", "+l)
	}

	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, string(body))
}

// GenerateRecords builds count records, newest first, with ids descending
// from count and updated_at stepping back from newest.
func GenerateRecords(count int, newest time.Time, step time.Duration) []map[string]any {
	out := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		ts := newest.Add(-time.Duration(i) * step).UTC()
		out = append(out, map[string]any{
			"id":         count - i,
			"number":     count - i,
			"title":      fmt.Sprintf("record %d", count-i),
			"updated_at": ts.Format(time.RFC3339),
			"created_at": ts.Add(-time.Hour).Format(time.RFC3339),
			"user":       map[string]any{"login": "octocat"},
		})
	}
	return out
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"API rate limit exceeded"}`,
		Headers:    map[string]string{"Retry-After": strconv.Itoa(retryAfter)},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"Server Error"}`,
	}
}

func filterSince(records []map[string]any, field, since string) []map[string]any {
	cutoff, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return records
	}
	var out []map[string]any
	for _, rec := range records {
		s, _ := rec[field].(string)
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil || !ts.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

func writeMock(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != "" {
		w.Write([]byte(body))
	}
}

func pageKey(path string, page int) string {
	return path + "#" + strconv.Itoa(page)
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
