package progress

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cadastral-batch/internal/geocore"
	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/sentinel"
)

// LiveSource consumes the backend's server-sent progress stream.
type LiveSource struct {
	client *geocore.Client
	reg    registry
}

func NewLiveSource(client *geocore.Client) *LiveSource {
	return &LiveSource{client: client}
}

func (s *LiveSource) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	return s.reg.start(ctx, jobID, func(ctx context.Context, emit func(Event) bool) error {
		logger := logctx.FromContext(ctx).With("job_id", jobID)

		stream, err := s.client.Stream(ctx, jobID)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			entry, err := stream.Next()
			if errors.Is(err, io.EOF) {
				logger.Warn("stream ended without completion message")
				return ErrStreamEnded
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("job %s: %w", jobID, err)
			}
			ev := Event{Entry: entry, Signal: sentinel.Parse(entry.Message)}
			if !emit(ev) {
				return ctx.Err()
			}
			if ev.Signal.Success {
				logger.Debug("completion message received", "has_url", ev.Signal.HasURL)
				return nil
			}
		}
	})
}
