package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Credentials accepted by FakeCodio.
const (
	FakeClientID     = "test-client"
	FakeClientSecret = "test-secret"
)

// FakeAssignment is an assignment served by FakeCodio.
type FakeAssignment struct {
	ID   string
	Name string
}

// FakeStudent is a student served by FakeCodio.
type FakeStudent struct {
	ID       string
	Name     string
	Username string
}

// FakeCourse is a course served by FakeCodio.
type FakeCourse struct {
	ID          string
	Name        string
	Assignments []FakeAssignment
	Students    []FakeStudent
}

// FakeCodio is an in-process stand-in for the course API, its token
// endpoint, and the storage serving export archives.
type FakeCodio struct {
	Server *httptest.Server

	mu sync.Mutex

	courses        map[string]FakeCourse
	archives       map[string][]byte // student id -> archive bytes
	taskErrors     map[string]string // student id -> task error message
	exportFailures map[string]int    // student id -> 500s left before success
	pendingPolls   int
	brokenCourses  map[string]bool
	rateLimitNext  int
	retryAfter     string
	rejectNext     int

	token        string
	tokenSerial  int
	tokenCalls   int
	apiCalls     int
	exportCalls  map[string]int
	archiveCalls map[string]int
	taskPolls    int
	pollsByTask  map[string]int
}

// NewFakeCodio starts a fake API server. It is closed with t.Cleanup.
func NewFakeCodio(t testing.TB) *FakeCodio {
	t.Helper()

	f := &FakeCodio{
		courses:        make(map[string]FakeCourse),
		archives:       make(map[string][]byte),
		taskErrors:     make(map[string]string),
		exportFailures: make(map[string]int),
		brokenCourses:  make(map[string]bool),
		exportCalls:    make(map[string]int),
		archiveCalls:   make(map[string]int),
		pollsByTask:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/token", f.handleToken)
	mux.HandleFunc("GET /api/v1/courses/{course}", f.authed(f.handleCourse))
	mux.HandleFunc("GET /api/v1/courses/{course}/students", f.authed(f.handleStudents))
	mux.HandleFunc("GET /api/v1/courses/{course}/assignments/{assignment}/students/{student}/download", f.authed(f.handleExport))
	mux.HandleFunc("GET /api/v1/tasks/{task}", f.authed(f.handleTask))
	mux.HandleFunc("GET /archives/{student}", f.handleArchive)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// BaseURL is the API root to configure clients with.
func (f *FakeCodio) BaseURL() string { return f.Server.URL + "/api/v1" }

// TokenURL is the token endpoint to configure clients with.
func (f *FakeCodio) TokenURL() string { return f.Server.URL + "/oauth/token" }

// AddCourse registers a course.
func (f *FakeCodio) AddCourse(c FakeCourse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.courses[c.ID] = c
}

// SetArchive sets the archive served for a student's export.
func (f *FakeCodio) SetArchive(studentID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives[studentID] = data
}

// FailTask makes the export task of a student finish with msg as error.
func (f *FakeCodio) FailTask(studentID, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskErrors[studentID] = msg
}

// FailExports makes the next n export requests for a student return 500.
func (f *FakeCodio) FailExports(studentID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportFailures[studentID] = n
}

// BreakCourse makes requests for a course return 500.
func (f *FakeCodio) BreakCourse(courseID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brokenCourses[courseID] = true
}

// SetPendingPolls sets how many polls of each task report not done.
func (f *FakeCodio) SetPendingPolls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingPolls = n
}

// RateLimitNext answers the next n API requests with 429 and the given
// Retry-After value (empty omits the header).
func (f *FakeCodio) RateLimitNext(n int, retryAfter string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateLimitNext = n
	f.retryAfter = retryAfter
}

// RevokeToken invalidates the current token server-side so the next API
// request is answered with 401.
func (f *FakeCodio) RevokeToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
}

// RejectNext answers the next n API requests with 401 regardless of token.
func (f *FakeCodio) RejectNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectNext = n
}

// TokenCalls returns how many tokens were requested.
func (f *FakeCodio) TokenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

// APICalls returns how many authenticated API requests arrived.
func (f *FakeCodio) APICalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apiCalls
}

// ExportCalls returns how many export requests arrived for a student.
func (f *FakeCodio) ExportCalls(studentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exportCalls[studentID]
}

// ArchiveCalls returns how many archive downloads arrived for a student.
func (f *FakeCodio) ArchiveCalls(studentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archiveCalls[studentID]
}

// TaskPolls returns how many task polls arrived.
func (f *FakeCodio) TaskPolls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskPolls
}

func (f *FakeCodio) handleToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++

	if q.Get("grant_type") != "client_credentials" ||
		q.Get("client_id") != FakeClientID ||
		q.Get("client_secret") != FakeClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	f.tokenSerial++
	f.token = fmt.Sprintf("token-%d", f.tokenSerial)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": f.token,
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

// authed checks the bearer token and applies injected 401s and 429s.
func (f *FakeCodio) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.apiCalls++
		if f.rejectNext > 0 {
			f.rejectNext--
			f.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if f.token == "" || got != f.token {
			f.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.rateLimitNext > 0 {
			f.rateLimitNext--
			if f.retryAfter != "" {
				w.Header().Set("Retry-After", f.retryAfter)
			}
			f.mu.Unlock()
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		f.mu.Unlock()
		next(w, r)
	}
}

func (f *FakeCodio) handleCourse(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.PathValue("course")
	if f.brokenCourses[id] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	c, ok := f.courses[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "course not found"})
		return
	}

	assignments := make([]map[string]string, 0, len(c.Assignments))
	for _, a := range c.Assignments {
		assignments = append(assignments, map[string]string{"id": a.ID, "name": a.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":   c.ID,
		"name": c.Name,
		"modules": []map[string]any{
			{"id": c.ID + "-m1", "name": "Module 1", "assignments": assignments},
		},
	})
}

func (f *FakeCodio) handleStudents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.PathValue("course")
	if f.brokenCourses[id] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	c, ok := f.courses[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "course not found"})
		return
	}
	students := make([]map[string]string, 0, len(c.Students))
	for _, s := range c.Students {
		students = append(students, map[string]string{"id": s.ID, "name": s.Name, "username": s.Username})
	}
	writeJSON(w, http.StatusOK, students)
}

func (f *FakeCodio) handleExport(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	student := r.PathValue("student")
	f.exportCalls[student]++
	if f.exportFailures[student] > 0 {
		f.exportFailures[student]--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	task := fmt.Sprintf("%s-%d", student, f.exportCalls[student])
	writeJSON(w, http.StatusOK, map[string]string{
		"taskUri": f.Server.URL + "/api/v1/tasks/" + task,
	})
}

func (f *FakeCodio) handleTask(w http.ResponseWriter, r *http.Request) {
	task := r.PathValue("task")
	student := task
	if i := strings.LastIndex(task, "-"); i > 0 {
		student = task[:i]
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskPolls++

	f.pollsByTask[task]++
	if f.pollsByTask[task] <= f.pendingPolls {
		writeJSON(w, http.StatusOK, map[string]any{"done": false})
		return
	}
	if msg, ok := f.taskErrors[student]; ok {
		writeJSON(w, http.StatusOK, map[string]any{"done": true, "error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"done": true,
		"url":  f.Server.URL + "/archives/" + student,
	})
}

func (f *FakeCodio) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		http.Error(w, "pre-signed urls take no credentials", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	student := r.PathValue("student")
	f.archiveCalls[student]++
	data, ok := f.archives[student]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
