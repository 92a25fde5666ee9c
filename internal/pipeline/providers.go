package pipeline

import (
	"context"
	"fmt"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/adapter"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/knowledge"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/tts"
)

// KnowledgeRetriever implements Retriever over the embedding model and the
// knowledge graph.
type KnowledgeRetriever struct {
	llm  *adapter.LLMAdapter
	repo *knowledge.Repository
}

// NewKnowledgeRetriever wires the production retrieval path.
func NewKnowledgeRetriever(llm *adapter.LLMAdapter, repo *knowledge.Repository) *KnowledgeRetriever {
	return &KnowledgeRetriever{llm: llm, repo: repo}
}

// Retrieve embeds the query and returns the contents of the best-scoring
// passages for the tenant and agent.
func (k *KnowledgeRetriever) Retrieve(ctx context.Context, tenantID, agentID, query string) ([]string, error) {
	embedding, err := k.llm.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	passages, err := k.repo.Search(ctx, tenantID, agentID, embedding, 5)
	if err != nil {
		return nil, fmt.Errorf("passage search failed: %w", err)
	}
	out := make([]string, 0, len(passages))
	for _, p := range passages {
		out = append(out, p.Content)
	}
	return out, nil
}

// TTSSynthesizer adapts tts.Client to the Synthesizer interface.
type TTSSynthesizer struct {
	client *tts.Client
}

// NewTTSSynthesizer wraps a synthesis client.
func NewTTSSynthesizer(client *tts.Client) *TTSSynthesizer {
	return &TTSSynthesizer{client: client}
}

func (t *TTSSynthesizer) StartStream(ctx context.Context) (SynthesisStream, error) {
	return t.client.StartStream(ctx)
}

func (t *TTSSynthesizer) Speak(ctx context.Context, text string) (SynthesisStream, error) {
	return t.client.Speak(ctx, text)
}
