package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"cadastral-batch/internal/geocore"
	"cadastral-batch/internal/model"
)

var suggestedQuestions = []string{
	"¿Qué afecciones tiene el terreno?",
	"Resume el expediente catastral",
	"¿Cuál es la superficie total?",
	"¿Hay espacios protegidos?",
}

const (
	chatGreeting          = "Hola! He analizado tu expediente catastral. ¿En qué puedo ayudarte?"
	chatFailedReply       = "Error al procesar tu mensaje. Por favor, intenta de nuevo."
	missingCredentialHint = "the chat assistant has no API key configured on the backend (GEMINI_API_KEY)"
)

type chatter interface {
	Chat(ctx context.Context, taskID, message string) (geocore.ChatReply, error)
}

type chatLine struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatSession is the conversation about one finished job. A missing backend
// credential is remembered for the whole session instead of failing a
// single message.
type chatSession struct {
	taskID            string
	lines             []chatLine
	missingCredential bool
}

func newChatSession(taskID string) *chatSession {
	return &chatSession{
		taskID: taskID,
		lines:  []chatLine{{Role: "assistant", Content: chatGreeting}},
	}
}

// ask sends one question. Transport failures become an assistant line and
// are also returned.
func (s *chatSession) ask(ctx context.Context, c chatter, message string) (chatLine, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return chatLine{}, errors.New("message is required")
	}
	s.addQuestion(message)
	reply, err := c.Chat(ctx, s.taskID, message)
	return s.addReply(reply, err), err
}

func (s *chatSession) addQuestion(message string) {
	s.lines = append(s.lines, chatLine{Role: "user", Content: message})
}

func (s *chatSession) addReply(reply geocore.ChatReply, err error) chatLine {
	line := chatLine{Role: "assistant", Content: reply.Response}
	if err != nil {
		line.Content = chatFailedReply
	} else if reply.MissingCredential {
		s.missingCredential = true
	}
	s.lines = append(s.lines, line)
	return line
}

// resolveQuestion maps "1".."4" to a suggested question.
func resolveQuestion(raw string) string {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= len(suggestedQuestions) {
		return suggestedQuestions[n-1]
	}
	return raw
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	rf := addRuntimeFlags(fs)
	taskID := fs.String("task-id", "", "job identifier of a finished project")
	resultURL := fs.String("url", "", "result URL of a finished project (task id is its last segment)")
	message := fs.String("message", "", "question to ask, or 1-4 for a suggested question")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := firstNonEmpty(*taskID, model.TaskIDFromURL(*resultURL))
	if id == "" {
		return errors.New("provide --task-id or --url")
	}

	env, err := loadRuntime(rf)
	if err != nil {
		return err
	}
	defer env.Close()
	if env.offline() {
		return errors.New("chat needs a backend; offline mode has none")
	}

	question := strings.TrimSpace(*message)
	if question == "" {
		if *jsonOut {
			return errors.New("--message is required with --json")
		}
		fmt.Println(chatGreeting)
		fmt.Println()
		fmt.Println("Suggested questions:")
		for i, q := range suggestedQuestions {
			fmt.Printf("  %d. %s\n", i+1, q)
		}
		question, err = promptRequired("question")
		if err != nil {
			return err
		}
	}
	question = resolveQuestion(question)

	sess := newChatSession(id)
	line, err := sess.ask(env.context(context.Background()), env.client, question)
	if err != nil {
		return err
	}

	if *jsonOut {
		return printJSON(map[string]any{
			"task_id":            id,
			"question":           question,
			"response":           line.Content,
			"missing_credential": sess.missingCredential,
		})
	}
	fmt.Println(line.Content)
	if sess.missingCredential {
		fmt.Fprintf(os.Stderr, "warning: %s\n", missingCredentialHint)
	}
	return nil
}
