package progress

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadastral-batch/internal/geocore"
	"cadastral-batch/internal/model"
)

func drain(t *testing.T, sub Subscription) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("subscription did not finish")
			return nil
		}
	}
}

func liveSource(t *testing.T, h http.Handler) *LiveSource {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := geocore.New(geocore.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return NewLiveSource(c)
}

func writeEvents(w http.ResponseWriter, msgs ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for i, m := range msgs {
		_, _ = fmt.Fprintf(w, "data: {\"id\":\"%d\",\"timestamp\":\"12:00:0%d\",\"message\":%q,\"type\":\"info\"}\n\n", i, i, m)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func TestLiveSourceStopsAtSuccess(t *testing.T) {
	src := liveSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			"Conectando...",
			"PROCESO COMPLETADO EXITOSAMENTE. URL:/api/download/j1",
			"this arrives after completion",
		)
	}))

	sub, err := src.Subscribe(context.Background(), "j1")
	require.NoError(t, err)
	got := drain(t, sub)
	require.Len(t, got, 2)
	assert.Equal(t, "Conectando...", got[0].Entry.Message)
	assert.False(t, got[0].Signal.Terminal)
	assert.True(t, got[1].Signal.Success)
	assert.Equal(t, "/api/download/j1", got[1].Signal.ResultURL)
	assert.NoError(t, sub.Err())
	sub.Close()
	sub.Close()
}

func TestLiveSourceEndWithoutSuccessIsError(t *testing.T) {
	src := liveSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, "Conectando...", "Fallo en la referencia 123.")
	}))

	sub, err := src.Subscribe(context.Background(), "j2")
	require.NoError(t, err)
	got := drain(t, sub)
	assert.Len(t, got, 2)
	assert.ErrorIs(t, sub.Err(), ErrStreamEnded)
}

func TestLiveSourceOpenFailure(t *testing.T) {
	src := liveSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such task", http.StatusNotFound)
	}))

	sub, err := src.Subscribe(context.Background(), "j3")
	require.NoError(t, err)
	assert.Empty(t, drain(t, sub))
	assert.ErrorContains(t, sub.Err(), "404")
}

func TestLiveSourceCloseWhileBlocked(t *testing.T) {
	release := make(chan struct{})
	src := liveSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, "Conectando...")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	sub, err := src.Subscribe(context.Background(), "j4")
	require.NoError(t, err)
	ev := <-sub.Events()
	assert.Equal(t, "Conectando...", ev.Entry.Message)

	sub.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrClosed)
}

func TestSubscribeTwiceRejected(t *testing.T) {
	src := NewOfflineSource(Script{{Delay: time.Hour, Message: "never"}}, 1)
	sub, err := src.Subscribe(context.Background(), "dup")
	require.NoError(t, err)

	_, err = src.Subscribe(context.Background(), "dup")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	sub.Close()
	again, err := src.Subscribe(context.Background(), "dup")
	require.NoError(t, err)
	again.Close()
}

func TestOfflineSourceRunsDefaultScript(t *testing.T) {
	src := NewOfflineSource(nil, 1000)
	jobID, err := src.Submit(context.Background(), model.Project{ID: "p1", Name: "norte.txt", References: []string{"A", "B", "C"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(jobID, "offline-"))

	sub, err := src.Subscribe(context.Background(), jobID)
	require.NoError(t, err)
	got := drain(t, sub)
	require.NoError(t, sub.Err())
	require.Len(t, got, len(DefaultScript()))

	assert.Equal(t, "--- INICIANDO PROYECTO: norte.txt ---", got[0].Entry.Message)
	assert.Equal(t, "[norte.txt] Leyendo 3 referencias catastrales.", got[1].Entry.Message)
	assert.Equal(t, model.SeverityWarning, got[2].Entry.Severity)
	last := got[len(got)-1]
	assert.True(t, last.Signal.Success)
	assert.Equal(t, "/api/download/"+jobID, last.Signal.ResultURL)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Entry.ID, got[i].Entry.ID)
	}
}

func TestOfflineSourceScriptWithoutSuccessEnds(t *testing.T) {
	src := NewOfflineSource(Script{{Delay: time.Millisecond, Message: "paso", Severity: model.SeverityInfo}}, 1)
	sub, err := src.Subscribe(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, drain(t, sub), 1)
	assert.ErrorIs(t, sub.Err(), ErrStreamEnded)
}

func TestOfflineSourceSimulatedFailure(t *testing.T) {
	src := NewOfflineSource(Script{
		{Delay: time.Millisecond, Message: "paso"},
		{Delay: time.Millisecond, Fail: true},
		{Delay: time.Millisecond, Message: "EXITOSAMENTE"},
	}, 1)
	sub, err := src.Subscribe(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, drain(t, sub), 1)
	assert.ErrorIs(t, sub.Err(), ErrSimulatedFailure)
}

func TestOfflineSourceCancelStopsTimers(t *testing.T) {
	src := NewOfflineSource(Script{
		{Delay: time.Millisecond, Message: "uno"},
		{Delay: 50 * time.Millisecond, Message: "dos"},
		{Delay: time.Millisecond, Message: "EXITOSAMENTE"},
	}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := src.Subscribe(ctx, "x")
	require.NoError(t, err)

	ev := <-sub.Events()
	assert.Equal(t, "uno", ev.Entry.Message)
	cancel()

	got := drain(t, sub)
	assert.Empty(t, got)
	assert.ErrorIs(t, sub.Err(), ErrClosed)

	time.Sleep(80 * time.Millisecond)
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestScriptValidate(t *testing.T) {
	assert.Error(t, Script{}.Validate())
	assert.Error(t, Script{{Delay: -time.Second, Message: "x"}}.Validate())
	assert.Error(t, Script{{Message: "  "}}.Validate())
	assert.NoError(t, Script{{Fail: true}}.Validate())
	assert.NoError(t, DefaultScript().Validate())
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	content := `
- delay: 10ms
  message: "[{project}] Leyendo {refs} referencias."
  type: WARNING
- delay: 1s
  message: "EXITOSAMENTE URL:/api/download/{job}"
  type: success
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	script, err := LoadScript(path)
	require.NoError(t, err)
	require.Len(t, script, 2)
	assert.Equal(t, 10*time.Millisecond, script[0].Delay)
	assert.Equal(t, model.SeverityWarning, script[0].Severity)
	assert.Equal(t, time.Second, script[1].Delay)

	require.NoError(t, os.WriteFile(path, []byte("- delay: 1s\n  message: \"\"\n"), 0o644))
	_, err = LoadScript(path)
	assert.ErrorContains(t, err, "message is required")
}
