// Package llm abstracts text generation behind a small contract so agents
// can run against OpenAI in production and a deterministic fake in tests.
package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/umt-project/umt/pkg/models"
)

// Generator produces text for a prompt.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// OpenAIGenerator implements Generator on the OpenAI chat completions API.
type OpenAIGenerator struct {
	client openai.Client
	model  openai.ChatModel
	logger *slog.Logger
}

// NewOpenAIGenerator reads OPENAI_API_KEY (and optional OPENAI_MODEL) from
// the environment.
func NewOpenAIGenerator(logger *slog.Logger) (*OpenAIGenerator, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	model := openai.ChatModel(os.Getenv("OPENAI_MODEL"))
	if model == "" {
		model = openai.ChatModelGPT4o
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIGenerator{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger.With("component", "llm"),
	}, nil
}

// GenerateText runs one chat completion.
func (g *OpenAIGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", models.WrapTaskError(models.KindUpstream, fmt.Errorf("chat completion: %w", err))
	}
	if len(completion.Choices) == 0 {
		return "", models.NewTaskError(models.KindUpstream, "completion returned no choices")
	}

	g.logger.DebugContext(ctx, "Generated text",
		"model", g.model, "duration", time.Since(start))
	return completion.Choices[0].Message.Content, nil
}

// MockGenerator returns deterministic text derived from the prompt, or a
// fixed error. Used in tests and as the template-fallback trigger.
type MockGenerator struct {
	// Response overrides the derived text when non-empty.
	Response string
	// Err makes every call fail.
	Err error
	// Calls counts invocations.
	Calls int
}

func (m *MockGenerator) GenerateText(_ context.Context, prompt string) (string, error) {
	m.Calls++
	if m.Err != nil {
		return "", m.Err
	}
	if m.Response != "" {
		return m.Response, nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	return fmt.Sprintf("generated-%08x", h.Sum32()), nil
}
