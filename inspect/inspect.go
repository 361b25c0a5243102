// Package inspect provides the HTTP inspection surface for flowbus engines:
// a read-mostly API over a registry of named engines plus an SSE feed of
// live runs. The API endpoints are mounted under /api/v1; /health sits at the
// router root.
//
// The surface observes and drives engines through their public API only; it
// is not a bus transport and holds no state beyond the stream limiter.
package inspect

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/rat-data/flowbus"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// validNameRe matches lowercase slug engine names: starts with a lowercase
// letter, then lowercase + digits + hyphens + underscores.
var validNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// validName returns true if s is a valid engine name (1-128 chars).
func validName(s string) bool {
	return s != "" && len(s) <= 128 && validNameRe.MatchString(s)
}

// Options configure the inspection surface.
type Options struct {
	// MaxStreams caps concurrent SSE connections across all clients.
	// Zero uses DefaultMaxStreams.
	MaxStreams int

	// MaxStreamsPerIP caps concurrent SSE connections per client IP.
	// Zero uses DefaultMaxStreamsPerIP.
	MaxStreamsPerIP int

	// MaxStreamDuration bounds the lifetime of one SSE connection.
	// Zero uses DefaultMaxStreamDuration.
	MaxStreamDuration time.Duration
}

// Server holds the engine registry behind the handlers.
type Server struct {
	conn    flowbus.Connection
	engines map[string]*flowbus.PubSub
	limiter *StreamLimiter
	maxAge  time.Duration
}

// NewRouter builds the chi router over a fixed registry of named engines
// sharing one connection.
func NewRouter(conn flowbus.Connection, engines map[string]*flowbus.PubSub, opts Options) http.Handler {
	maxAge := opts.MaxStreamDuration
	if maxAge <= 0 {
		maxAge = DefaultMaxStreamDuration
	}
	s := &Server{
		conn:    conn,
		engines: engines,
		limiter: NewStreamLimiter(opts.MaxStreams, opts.MaxStreamsPerIP),
		maxAge:  maxAge,
	}

	r := chi.NewRouter()
	r.Use(RequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/engines", s.handleListEngines)
		r.Get("/listeners", s.handleListeners)
		r.Post("/engines/{name}/invoke", s.handleInvoke)
		r.Get("/engines/{name}/stream", s.handleStream)
	})
	return r
}

// engine resolves the path's engine name, writing the error response itself
// when the name is bad or unknown.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*flowbus.PubSub, bool) {
	name := chi.URLParam(r, "name")
	if !validName(name) {
		errorJSON(w, http.StatusBadRequest, "invalid engine name")
		return nil, false
	}
	e, ok := s.engines[name]
	if !ok {
		errorJSON(w, http.StatusNotFound, "unknown engine")
		return nil, false
	}
	return e, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// engineInfo is one row of the engine listing.
type engineInfo struct {
	Name      string `json:"name"`
	Processes int    `json:"processes"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	out := make([]engineInfo, 0, len(s.engines))
	for name, e := range s.engines {
		out = append(out, engineInfo{Name: name, Processes: e.Processes()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

// handleListeners reports the connection's current listener map as topic →
// count — the same observable the engine's quiescence guarantees are stated
// against, so an idle daemon always reports {}.
func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for topic, ls := range s.conn.Listeners() {
		counts[topic] = len(ls)
	}
	writeJSON(w, http.StatusOK, counts)
}

// invokeRequest is the body of POST /engines/{name}/invoke.
type invokeRequest struct {
	Input any `json:"input"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req invokeRequest
	body := http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := e.Invoke(r.Context(), req.Input)
	if err != nil {
		slog.Error("inspect: invoke failed", "error", err)
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": out})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("inspect: failed to encode response", "error", err)
	}
}

// errorJSON writes a JSON error response with the given status.
func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
