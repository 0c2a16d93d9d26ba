// Package jobstest provides an in-process job backend for tests and demos.
package jobstest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/taskfeed/jobs"
	"github.com/vinayprograms/taskfeed/transport"
)

// Job is a job created on the fake backend.
type Job struct {
	ID      string
	Request jobs.Request
	Stopped bool
}

// Backend serves POST /jobs, POST /jobs/{id}/stop and GET /stream/{id}.
type Backend struct {
	router   *mux.Router
	upgrader *websocket.Upgrader

	mu        sync.Mutex
	nextID    int
	jobs      map[string]*Job
	order     []string
	streams   map[string][]*transport.WebSocketConn
	dials     map[string]int
	rejects   map[string]string
	onCreated func(Job)
	numericID bool
	autoPong  bool
	changed   chan struct{}
}

// NewBackend creates a backend without starting a listener. Use it as an
// http.Handler or call Start.
func NewBackend() *Backend {
	b := &Backend{
		router:   mux.NewRouter(),
		upgrader: transport.NewWebSocketUpgrader(),
		jobs:     make(map[string]*Job),
		streams:  make(map[string][]*transport.WebSocketConn),
		dials:    make(map[string]int),
		rejects:  make(map[string]string),
		autoPong: true,
		changed:  make(chan struct{}),
	}
	b.router.HandleFunc("/jobs", b.handleCreate).Methods(http.MethodPost)
	b.router.HandleFunc("/jobs/{id}/stop", b.handleStop).Methods(http.MethodPost)
	b.router.HandleFunc("/stream/{id}", b.handleStream).Methods(http.MethodGet)
	return b
}

// Server is a Backend listening on a local httptest server.
type Server struct {
	*Backend
	srv *httptest.Server
}

// Start starts a backend on a random local port.
func Start() *Server {
	b := NewBackend()
	return &Server{Backend: b, srv: httptest.NewServer(b)}
}

// URL returns the base URL for the jobs client.
func (s *Server) URL() string {
	return s.srv.URL
}

// StreamURL returns the ws:// base for event streams.
func (s *Server) StreamURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/stream"
}

// Close drops every stream and stops the server.
func (s *Server) Close() {
	s.DropStreams(transport.CloseGoingAway, "server shutdown")
	s.srv.Close()
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// Reject makes job creation for deviceID fail with reason.
func (b *Backend) Reject(deviceID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[deviceID] = reason
}

// NumericIDs makes the backend return job ids as JSON numbers.
func (b *Backend) NumericIDs(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.numericID = on
}

// AutoPong controls whether ping frames are answered with pong.
func (b *Backend) AutoPong(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoPong = on
}

// OnJobCreated registers a callback run after each job is created.
func (b *Backend) OnJobCreated(fn func(Job)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCreated = fn
}

// Jobs returns created jobs in creation order.
func (b *Backend) Jobs() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Job, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.jobs[id])
	}
	return out
}

// Stopped returns the ids of stopped jobs.
func (b *Backend) Stopped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, id := range b.order {
		if b.jobs[id].Stopped {
			out = append(out, id)
		}
	}
	return out
}

// Dials returns how many stream connections were made for jobID.
func (b *Backend) Dials(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[jobID]
}

// WaitForStreams blocks until jobID has n stream connections in total or
// the timeout expires.
func (b *Backend) WaitForStreams(jobID string, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		got := b.dials[jobID]
		changed := b.changed
		b.mu.Unlock()

		if got >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

// notifyLocked wakes WaitForStreams callers. Caller holds b.mu.
func (b *Backend) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Emit writes v as JSON to every live stream of jobID.
func (b *Backend) Emit(jobID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	b.mu.Lock()
	conns := append([]*transport.WebSocketConn(nil), b.streams[jobID]...)
	b.mu.Unlock()

	if len(conns) == 0 {
		return fmt.Errorf("no stream for job %s", jobID)
	}
	for _, c := range conns {
		if err := c.WriteMessage(data); err != nil {
			return err
		}
	}
	return nil
}

// EmitRaw writes raw bytes to every live stream of jobID.
func (b *Backend) EmitRaw(jobID string, data []byte) error {
	b.mu.Lock()
	conns := append([]*transport.WebSocketConn(nil), b.streams[jobID]...)
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(data); err != nil {
			return err
		}
	}
	return nil
}

// DropStreams closes every live stream. CloseAbnormal tears the socket
// down without a close frame.
func (b *Backend) DropStreams(code int, reason string) {
	b.mu.Lock()
	var conns []*transport.WebSocketConn
	for id, cs := range b.streams {
		conns = append(conns, cs...)
		delete(b.streams, id)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if code == transport.CloseAbnormal {
			c.Abort()
		} else {
			c.Close(code, reason)
		}
	}
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	b.mu.Lock()
	if reason, ok := b.rejects[req.DeviceID]; ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": reason})
		return
	}
	b.nextID++
	n := b.nextID
	id := fmt.Sprint(n)
	job := &Job{ID: id, Request: req}
	b.jobs[id] = job
	b.order = append(b.order, id)
	created := *job
	numeric := b.numericID
	cb := b.onCreated
	b.mu.Unlock()

	if numeric {
		writeJSON(w, http.StatusCreated, map[string]int{"job_id": n})
	} else {
		writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
	}
	if cb != nil {
		go cb(created)
	}
}

func (b *Backend) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	b.mu.Lock()
	job, ok := b.jobs[id]
	if ok {
		job.Stopped = true
	}
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (b *Backend) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := transport.NewWebSocketConn(ws, transport.DefaultConfig())

	b.mu.Lock()
	b.streams[id] = append(b.streams[id], conn)
	b.dials[id]++
	b.notifyLocked()
	b.mu.Unlock()

	defer b.removeStream(id, conn)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := transport.ParseFrame(data)
		if err != nil || f.Type != "ping" {
			continue
		}
		b.mu.Lock()
		pong := b.autoPong
		b.mu.Unlock()
		if pong {
			conn.WriteJSON(map[string]string{"type": string(transport.EventPong)})
		}
	}
}

func (b *Backend) removeStream(id string, conn *transport.WebSocketConn) {
	b.mu.Lock()
	cs := b.streams[id]
	for i, c := range cs {
		if c == conn {
			b.streams[id] = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(b.streams[id]) == 0 {
		delete(b.streams, id)
	}
	b.mu.Unlock()
	conn.Close(transport.CloseNormal, "")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
