// Package adapter wraps the OpenAI-compatible LLM endpoint used for
// response generation and query embeddings.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// LLMAdapter handles communication with the LLM service
type LLMAdapter struct {
	client         *openai.Client
	model          string
	embeddingModel string
	mu             sync.RWMutex // Protects model field for concurrent access
	logger         *zap.Logger
}

// NewLLMAdapter creates a new LLM adapter against an OpenAI-compatible base URL
func NewLLMAdapter(baseURL, apiKey, modelID, embeddingModel string) *LLMAdapter {
	// Proxy deployments (LiteLLM-style) accept any key
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"

	return &LLMAdapter{
		client:         openai.NewClientWithConfig(config),
		model:          modelID,
		embeddingModel: embeddingModel,
		logger:         logger.Get().Named("llm"),
	}
}

// SetModel updates the model used by this adapter
func (a *LLMAdapter) SetModel(model string) {
	if model != "" {
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
	}
}

// GetModel returns the current model
func (a *LLMAdapter) GetModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// GenerateStream requests a completion for the given history and delivers
// partial text chunks on the returned channel as the model produces them.
// The channel is closed when the stream ends; a stream error after the
// first chunk is logged and truncates the response rather than failing the
// turn, since partial speech already reached the caller.
func (a *LLMAdapter) GenerateStream(ctx context.Context, history []Message) (<-chan string, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.GetModel(),
		Messages:    toOpenAIMessages(history),
		Temperature: 0.7,
		Stream:      true,
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}

	chunks := make(chan string, 16)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					a.logger.Warn("Completion stream ended early", zap.Error(err))
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}

// Generate requests a complete (non-streaming) response.
func (a *LLMAdapter) Generate(ctx context.Context, history []Message) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.GetModel(),
		Messages:    toOpenAIMessages(history),
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for a query, used to score knowledge
// base passages.
func (a *LLMAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(a.embeddingModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding returned no data")
	}
	return resp.Data[0].Embedding, nil
}

func toOpenAIMessages(history []Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return messages
}
