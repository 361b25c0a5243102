package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/flowbus"
)

// newTestRouter wires a registry with one working and one failing engine.
// Transforms handle float64 — JSON numbers decode to that.
func newTestRouter(t *testing.T) (http.Handler, *flowbus.InMemoryConnection) {
	t.Helper()
	conn := flowbus.NewInMemoryConnection()

	addOne := func(_ context.Context, v any) (any, error) {
		n, ok := v.(float64)
		if !ok {
			return nil, errors.New("not a number")
		}
		return n + 1, nil
	}
	boom := func(_ context.Context, _ any) (any, error) {
		return nil, errors.New("boom")
	}

	engines := map[string]*flowbus.PubSub{
		"demo": flowbus.New(conn,
			flowbus.TopicIn.Subscribe().Then(addOne).Publish(flowbus.TopicOut)),
		"broken": flowbus.New(conn,
			flowbus.TopicIn.Subscribe().Then(boom).Publish(flowbus.TopicOut)),
	}
	return NewRouter(conn, engines, Options{}), conn
}

func TestHandleHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListEngines(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/engines", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "broken", got[0]["name"])
	assert.Equal(t, "demo", got[1]["name"])
	assert.Equal(t, float64(1), got[1]["processes"])
}

func TestHandleListenersIdle(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/listeners", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got)
}

func TestHandleInvoke(t *testing.T) {
	router, conn := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/engines/demo/invoke", strings.NewReader(`{"input": 2}`))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(3), got["output"])

	require.Empty(t, conn.Listeners())
}

func TestHandleInvokeErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown engine", "/api/v1/engines/missing/invoke", `{"input": 2}`, http.StatusNotFound},
		{"invalid name", "/api/v1/engines/NOPE!/invoke", `{"input": 2}`, http.StatusBadRequest},
		{"bad body", "/api/v1/engines/demo/invoke", `{`, http.StatusBadRequest},
		{"transform failure", "/api/v1/engines/broken/invoke", `{"input": 2}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", tt.path, strings.NewReader(tt.body))
			router.ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandleStream(t *testing.T) {
	router, conn := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/engines/demo/stream?input=2", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: message"), "expected __in__ and __out__ events:\n%s", body)
	assert.Contains(t, body, `"topic":"__in__"`)
	assert.Contains(t, body, `"topic":"__out__"`)
	assert.Contains(t, body, `"value":3`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), `data: {"status":"done"}`), body)

	require.Empty(t, conn.Listeners())
}

func TestHandleStreamFailure(t *testing.T) {
	router, conn := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/engines/broken/stream?input=2", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, rec.Body.String(), "event: error")
	require.Empty(t, conn.Listeners())
}

func TestHandleStreamStringInput(t *testing.T) {
	router, _ := newTestRouter(t)

	// Non-JSON input falls back to the raw string; the demo engine rejects
	// it inside the transform, which surfaces as an SSE error event.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/engines/demo/stream?input=hello", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error")
}

func TestValidName(t *testing.T) {
	assert.True(t, validName("demo"))
	assert.True(t, validName("word-count_2"))
	assert.False(t, validName(""))
	assert.False(t, validName("Demo"))
	assert.False(t, validName("9lives"))
	assert.False(t, validName(strings.Repeat("a", 129)))
}

func TestStreamLimiter(t *testing.T) {
	l := NewStreamLimiter(3, 2)

	require.True(t, l.Acquire("1.1.1.1"))
	require.True(t, l.Acquire("1.1.1.1"))
	// Per-IP cap.
	require.False(t, l.Acquire("1.1.1.1"))

	require.True(t, l.Acquire("2.2.2.2"))
	// Global cap.
	require.False(t, l.Acquire("3.3.3.3"))

	l.Release("1.1.1.1")
	require.True(t, l.Acquire("3.3.3.3"))

	l.Release("1.1.1.1")
	l.Release("2.2.2.2")
	l.Release("3.3.3.3")
	require.True(t, l.Acquire("1.1.1.1"))
	l.Release("1.1.1.1")
}
