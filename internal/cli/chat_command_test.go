package cli

import (
	"context"
	"errors"
	"testing"

	"cadastral-batch/internal/geocore"
)

type failingChatter struct{}

func (failingChatter) Chat(ctx context.Context, taskID, message string) (geocore.ChatReply, error) {
	return geocore.ChatReply{}, errors.New("connection refused")
}

func TestResolveQuestion(t *testing.T) {
	if got := resolveQuestion(" 2 "); got != suggestedQuestions[1] {
		t.Fatalf("expected suggested question, got %q", got)
	}
	if got := resolveQuestion("5"); got != "5" {
		t.Fatalf("expected out of range number to pass through, got %q", got)
	}
	if got := resolveQuestion("¿Hay agua?"); got != "¿Hay agua?" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestChatSessionAsk(t *testing.T) {
	fc := &fakeChatter{replies: []geocore.ChatReply{{Response: "Sin afecciones."}}}
	s := newChatSession("t1")
	line, err := s.ask(context.Background(), fc, "¿Qué afecciones tiene el terreno?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if line.Content != "Sin afecciones." {
		t.Fatalf("unexpected reply %q", line.Content)
	}
	if len(s.lines) != 3 {
		t.Fatalf("expected greeting, question and reply, got %d lines", len(s.lines))
	}
	if s.missingCredential {
		t.Fatal("unexpected missing credential")
	}

	if _, err := s.ask(context.Background(), fc, "   "); err == nil {
		t.Fatal("expected empty message error")
	}
}

func TestChatSessionTransportFailure(t *testing.T) {
	s := newChatSession("t1")
	line, err := s.ask(context.Background(), failingChatter{}, "hola")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if line.Content != chatFailedReply {
		t.Fatalf("expected failure reply, got %q", line.Content)
	}
	if s.missingCredential {
		t.Fatal("transport failure is not a missing credential")
	}
}
