package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
)

// Echo answers every request with the question, word by word. Used when
// no AI service is configured.
type Echo struct{}

// NewEcho creates an echo completer
func NewEcho() Echo {
	return Echo{}
}

func (Echo) Complete(ctx context.Context, req chat.CompletionRequest) (chat.CompletionStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := fmt.Sprintf("[%s/%s] %s", req.Provider, req.Model, req.Message)
	return &echoStream{words: strings.SplitAfter(text, " ")}, nil
}

type echoStream struct {
	words []string
}

func (s *echoStream) Recv() (string, error) {
	if len(s.words) == 0 {
		return "", io.EOF
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w, nil
}

func (s *echoStream) Close() error {
	s.words = nil
	return nil
}
