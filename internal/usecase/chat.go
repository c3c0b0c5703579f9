package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"

	"mindmeld/internal/domain"
)

const (
	DefaultModel = "gemini-1.5-flash"

	EmptyMessageWarning = "⚠️ Please enter a message."
	NoTextFallback      = "🤖 Sorry, the model did not generate a text reply."

	errorReplyPrefix = "⚠️ Error generating reply: "
)

// ErrStreamConsumed is yielded when a ReplyStream is ranged over a second time.
var ErrStreamConsumed = errors.New("usecase: reply stream already consumed")

type LLMClient interface {
	Generate(ctx context.Context, gen domain.Generation) (string, error)
	GenerateStream(ctx context.Context, gen domain.Generation) iter.Seq2[string, error]
}

// ReplyStream yields non-empty reply fragments in provider order. A non-nil
// error is always the last element and marks a failed stream; a stream that
// ends without one completed normally.
type ReplyStream = iter.Seq2[string, error]

type ChatService struct {
	llm          LLMClient
	systemPrompt string
	defaultModel string
}

type ChatInput struct {
	Message     string
	Model       string
	Temperature json.RawMessage
}

// ReplyOutput is the non-streaming result. OK is false when Reply carries a
// warning or the no-text fallback instead of model output.
type ReplyOutput struct {
	Reply string
	OK    bool
}

func NewChatService(llm LLMClient, systemPrompt, defaultModel string) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return &ChatService{
		llm:          llm,
		systemPrompt: systemPrompt,
		defaultModel: defaultModel,
	}, nil
}

func (s *ChatService) DefaultModel() string {
	return s.defaultModel
}

// Reply makes a single non-streaming generation call. Upstream failures are
// logged and folded into the returned text; the error result is reserved for
// input validation.
func (s *ChatService) Reply(ctx context.Context, in ChatInput) (ReplyOutput, error) {
	gen, err := s.prepare(in)
	if err != nil {
		return ReplyOutput{}, err
	}

	text, err := s.llm.Generate(ctx, gen)
	if err != nil {
		slog.ErrorContext(ctx, "gemini generate failed", "model", gen.Model, "err", err)
		return ReplyOutput{Reply: ErrorReply(err)}, nil
	}
	if text == "" {
		slog.WarnContext(ctx, "gemini returned no text", "model", gen.Model)
		return ReplyOutput{Reply: NoTextFallback}, nil
	}
	return ReplyOutput{Reply: text, OK: true}, nil
}

// Stream validates the input and returns a lazy stream. The upstream call is
// issued on first iteration and stops as soon as the consumer does.
func (s *ChatService) Stream(ctx context.Context, in ChatInput) (ReplyStream, error) {
	gen, err := s.prepare(in)
	if err != nil {
		return nil, err
	}

	var started atomic.Bool
	return func(yield func(string, error) bool) {
		if !started.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		for chunk, err := range s.llm.GenerateStream(ctx, gen) {
			if err != nil {
				slog.ErrorContext(ctx, "gemini stream failed", "model", gen.Model, "err", err)
				yield("", err)
				return
			}
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}, nil
}

func (s *ChatService) prepare(in ChatInput) (domain.Generation, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return domain.Generation{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	return domain.Generation{
		Model:       resolveModel(in.Model, s.defaultModel),
		Prompt:      buildPrompt(s.systemPrompt, message),
		Temperature: parseTemperature(in.Temperature),
	}, nil
}

// ErrorReply renders err as the user-facing warning text.
func ErrorReply(err error) string {
	return errorReplyPrefix + err.Error()
}
