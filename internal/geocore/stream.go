package geocore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/model"
	"cadastral-batch/internal/sentinel"
)

var ErrMalformedEvent = errors.New("malformed progress event")

// EventStream reads the server-sent progress events of one job in arrival order.
type EventStream struct {
	taskID    string
	body      io.ReadCloser
	sc        *bufio.Scanner
	data      strings.Builder
	closeOnce sync.Once
	closeErr  error
}

type wireEntry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

// Stream opens GET /api/stream/{task_id}. The stream lives until ctx is
// cancelled, Close is called, or the server ends the response.
func (c *Client) Stream(ctx context.Context, taskID string) (*EventStream, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("stream", taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", taskID, err)
	}
	logctx.FromContext(ctx).Debug("stream opened", "job_id", taskID)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	return &EventStream{taskID: taskID, body: resp.Body, sc: sc}, nil
}

// Next returns the next decoded entry. It returns io.EOF when the server
// ends the stream cleanly.
func (s *EventStream) Next() (model.LogEntry, error) {
	for {
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return model.LogEntry{}, fmt.Errorf("read stream %s: %w", s.taskID, err)
			}
			if s.data.Len() > 0 {
				return s.flush()
			}
			return model.LogEntry{}, io.EOF
		}

		line := s.sc.Text()
		if line == "" {
			// Blank line = event boundary
			if s.data.Len() == 0 {
				continue
			}
			return s.flush()
		}
		if strings.HasPrefix(line, "data:") {
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if s.data.Len() > 0 {
				s.data.WriteByte('\n')
			}
			s.data.WriteString(chunk)
		}
	}
}

func (s *EventStream) flush() (model.LogEntry, error) {
	payload := s.data.String()
	s.data.Reset()

	var w wireEntry
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return model.LogEntry{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return model.LogEntry{
		ID:        w.ID,
		Timestamp: w.Timestamp,
		Message:   w.Message,
		Severity:  sentinel.ParseSeverity(w.Type),
	}, nil
}

func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
