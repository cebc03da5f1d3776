package geocore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadastral-batch/internal/model"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://example"})
	assert.Error(t, err)

	c, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
}

func TestEndpointJoinsBasePath(t *testing.T) {
	c, err := New(Options{BaseURL: "http://h:8000/geo/"})
	require.NoError(t, err)
	assert.Equal(t, "http://h:8000/geo/api/stream/t1", c.endpoint("stream", "t1"))

	c, err = New(Options{BaseURL: "http://h:8000"})
	require.NoError(t, err)
	assert.Equal(t, "http://h:8000/api/upload", c.endpoint("upload"))
}

func TestResolveURL(t *testing.T) {
	c, err := New(Options{BaseURL: "http://h:8000"})
	require.NoError(t, err)

	got, err := c.ResolveURL("/api/download/abc")
	require.NoError(t, err)
	assert.Equal(t, "http://h:8000/api/download/abc", got)

	got, err = c.ResolveURL("https://cdn.example/x.zip")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/x.zip", got)

	_, err = c.ResolveURL("  ")
	assert.Error(t, err)
}

func TestSubmitSendsMultipartFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		refs := strings.Count(strings.TrimSpace(string(body)), "\n") + 1
		_ = json.NewEncoder(w).Encode(map[string]any{
			"task_id":      "task-" + hdr.Filename,
			"project_name": hdr.Filename,
			"ref_count":    refs,
		})
	})
	c := newTestClient(t, mux)

	jobID, err := c.Submit(context.Background(), model.Project{Name: "norte.txt", Content: []byte("A\nB\n")})
	require.NoError(t, err)
	assert.Equal(t, "task-norte.txt", jobID)

	resp, err := c.Upload(context.Background(), "sur.txt", []byte("A\nB\nC"))
	require.NoError(t, err)
	assert.Equal(t, 3, resp.RefCount)
}

func TestUploadFailures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		_, err := c.Submit(context.Background(), model.Project{Name: "a.txt"})
		var herr *HTTPError
		require.True(t, errors.As(err, &herr))
		assert.Equal(t, http.StatusInternalServerError, herr.StatusCode)
		assert.Equal(t, "boom", herr.Body)
	})

	t.Run("missing task id", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"project_name":"a.txt"}`)
		}))
		_, err := c.Submit(context.Background(), model.Project{Name: "a.txt"})
		assert.ErrorContains(t, err, "no task_id")
	})

	t.Run("bad json", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `<html>`)
		}))
		_, err := c.Submit(context.Background(), model.Project{Name: "a.txt"})
		assert.ErrorContains(t, err, "decode response")
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		c, err := New(Options{BaseURL: url})
		require.NoError(t, err)
		_, err = c.Submit(context.Background(), model.Project{Name: "a.txt"})
		assert.Error(t, err)
		assert.Error(t, c.Ping(context.Background()))
	})
}

func TestProcessSync(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/process-sync", func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if hdr.Filename == "malo.txt" {
			_, _ = io.WriteString(w, `{"success":false,"error":"referencias no válidas"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"download_url":"/api/download/s1","file_size":"2.1 MB"}`)
	})
	c := newTestClient(t, mux)

	res, err := c.ProcessSync(context.Background(), "bueno.txt", []byte("A"))
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Success: true, DownloadURL: "/api/download/s1", FileSize: "2.1 MB"}, res)

	res, err = c.ProcessSync(context.Background(), "malo.txt", []byte("A"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "referencias no válidas", res.Error)
}

func TestChat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/{task}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		task := r.PathValue("task")
		if task == "nokey" {
			_, _ = io.WriteString(w, `{"response":"⚠️ API Key de Gemini no configurada. Configura GEMINI_API_KEY."}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"response": task + ": " + req.Message})
	})
	c := newTestClient(t, mux)

	reply, err := c.Chat(context.Background(), "t1", "¿Cuál es la superficie total?")
	require.NoError(t, err)
	assert.Equal(t, "t1: ¿Cuál es la superficie total?", reply.Response)
	assert.False(t, reply.MissingCredential)

	reply, err = c.Chat(context.Background(), "nokey", "hola")
	require.NoError(t, err)
	assert.True(t, reply.MissingCredential)

	_, err = c.Chat(context.Background(), "", "hola")
	assert.Error(t, err)
	_, err = c.Chat(context.Background(), "t1", "   ")
	assert.Error(t, err)
}

func TestDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/download/{task}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("task") == "missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = io.WriteString(w, "PK-"+r.PathValue("task"))
	})
	c := newTestClient(t, mux)

	var buf bytes.Buffer
	n, err := c.DownloadTask(context.Background(), "abc", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, "PK-abc", buf.String())

	buf.Reset()
	_, err = c.DownloadURL(context.Background(), "/api/download/xyz", &buf)
	require.NoError(t, err)
	assert.Equal(t, "PK-xyz", buf.String())

	_, err = c.DownloadTask(context.Background(), "missing", io.Discard)
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusNotFound, herr.StatusCode)
}

func TestHTTPErrorMessage(t *testing.T) {
	assert.Equal(t, "geocore returned 502 Bad Gateway", (&HTTPError{Status: "502 Bad Gateway"}).Error())
	assert.Equal(t, "geocore returned 400 Bad Request: nope", (&HTTPError{Status: "400 Bad Request", Body: "nope"}).Error())
}

func sseHandler(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", ev)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

func TestStreamDecodesEventsInOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /api/stream/t1", sseHandler(
		`{"id":"1","timestamp":"10:00:01","message":"Conectando...","type":"info"}`,
		`{"id":"2","timestamp":"10:00:02","message":"Aviso","type":"warning"}`,
		`{"id":"3","timestamp":"10:00:03","message":"PROCESO COMPLETADO EXITOSAMENTE. URL:/api/download/t1","type":"success"}`,
	))
	c := newTestClient(t, mux)

	s, err := c.Stream(context.Background(), "t1")
	require.NoError(t, err)
	defer s.Close()

	var got []model.LogEntry
	for {
		e, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, model.SeverityWarning, got[1].Severity)
	assert.Equal(t, "10:00:03", got[2].Timestamp)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestStreamMultilineDataAndComments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stream/t2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, ": keepalive\n\nevent: log\ndata: {\"id\":\"a\",\n")
		_, _ = io.WriteString(w, "data: \"message\":\"hola\",\"type\":\"nope\"}\n\n")
	})
	c := newTestClient(t, mux)

	s, err := c.Stream(context.Background(), "t2")
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "hola", e.Message)
	assert.Equal(t, model.SeverityInfo, e.Severity)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamMalformedEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /api/stream/bad", sseHandler(`not json`))
	c := newTestClient(t, mux)

	s, err := c.Stream(context.Background(), "bad")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next()
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestStreamOpenFailure(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.Stream(context.Background(), "gone")
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusNotFound, herr.StatusCode)

	_, err = c.Stream(context.Background(), " ")
	assert.Error(t, err)
}
