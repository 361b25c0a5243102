package inspect

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// SSE connection limits to prevent DoS via long-lived streaming connections.
const (
	// DefaultMaxStreamDuration is the maximum lifetime of a single SSE
	// connection (30 minutes).
	DefaultMaxStreamDuration = 30 * time.Minute

	// DefaultMaxStreamsPerIP is the maximum number of concurrent SSE
	// connections from a single IP.
	DefaultMaxStreamsPerIP = 10

	// DefaultMaxStreams is the global cap on concurrent SSE connections
	// across all clients.
	DefaultMaxStreams = 1000
)

// StreamLimiter tracks concurrent SSE connections per IP and globally. It
// uses an atomic counter for the global cap and a mutex-protected map for
// per-IP tracking.
type StreamLimiter struct {
	global    int
	perIPMax  int
	globalNow atomic.Int64
	mu        sync.Mutex
	perIP     map[string]*atomic.Int64
}

// NewStreamLimiter creates a limiter with the given caps. Non-positive caps
// use the defaults.
func NewStreamLimiter(global, perIP int) *StreamLimiter {
	if global <= 0 {
		global = DefaultMaxStreams
	}
	if perIP <= 0 {
		perIP = DefaultMaxStreamsPerIP
	}
	return &StreamLimiter{
		global:   global,
		perIPMax: perIP,
		perIP:    make(map[string]*atomic.Int64),
	}
}

// Acquire attempts to register a new SSE connection for the given IP.
// Returns true if the connection is allowed; on success the caller MUST call
// Release when the connection ends.
func (l *StreamLimiter) Acquire(ip string) bool {
	if l.globalNow.Load() >= int64(l.global) {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	if !ok {
		counter = &atomic.Int64{}
		l.perIP[ip] = counter
	}
	l.mu.Unlock()

	if counter.Load() >= int64(l.perIPMax) {
		return false
	}

	// Increment both counters, then re-check: another goroutine may have
	// raced past the load above. Roll back on overshoot.
	ipCount := counter.Add(1)
	globalCount := l.globalNow.Add(1)
	if ipCount > int64(l.perIPMax) || globalCount > int64(l.global) {
		counter.Add(-1)
		l.globalNow.Add(-1)
		return false
	}
	return true
}

// Release unregisters a connection previously admitted by Acquire.
func (l *StreamLimiter) Release(ip string) {
	l.globalNow.Add(-1)

	l.mu.Lock()
	defer l.mu.Unlock()
	counter, ok := l.perIP[ip]
	if !ok {
		return
	}
	if counter.Add(-1) <= 0 {
		delete(l.perIP, ip)
	}
}

// clientIP extracts the client address for limiter bookkeeping.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleStream runs an engine and forwards every message of the run as SSE.
// The input comes from the "input" query parameter, parsed as JSON with a
// plain-string fallback. The feed carries one "message" event per bus
// message, an "error" event if the run fails, and a final "done" event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errorJSON(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ip := clientIP(r)
	if !s.limiter.Acquire(ip) {
		errorJSON(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}
	defer s.limiter.Release(ip)

	raw := r.URL.Query().Get("input")
	var input any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		input = raw
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.maxAge)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for msg, err := range e.Stream(ctx, input) {
		if err != nil {
			writeEvent(w, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			break
		}
		writeEvent(w, "message", msg)
		flusher.Flush()
	}

	writeEvent(w, "done", map[string]string{"status": "done"})
	flusher.Flush()
}

// writeEvent writes one SSE event with a JSON payload.
func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"encoding failed"}`)
	}
	w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
}
