// Package knowledge provides tenant-scoped retrieval over the knowledge
// graph and persistence of finished call records.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

// Passage is one ranked knowledge-base snippet.
type Passage struct {
	ID      string
	Content string
	Score   float64
}

// TranscriptLine is one persisted line of a call transcript.
type TranscriptLine struct {
	Speaker   string // "caller" or "agent"
	Text      string
	Timestamp time.Time
}

// CallRecord is the metadata persisted when a call ends.
type CallRecord struct {
	CallID    string
	TenantID  string
	AgentID   string
	Carrier   string
	StartedAt time.Time
	EndedAt   time.Time
	Turns     int
	EndReason string
}

// Repository wraps the Neo4j driver for retrieval and call persistence
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRepository creates a new knowledge repository
func NewRepository(driver neo4j.DriverWithContext) *Repository {
	return &Repository{
		driver: driver,
		logger: logger.Get().Named("knowledge"),
	}
}

// Search returns the top passages for a query embedding, scoped to one
// tenant and agent. Scoring happens against the stored passage embeddings;
// the scope match in the graph guarantees no cross-tenant passage can rank.
func (r *Repository) Search(ctx context.Context, tenantID, agentID string, embedding []float32, limit int) ([]Passage, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	if limit < 1 {
		limit = 5
	}

	query := `
		MATCH (t:Tenant {id: $tenantID})-[:OWNS]->(a:Agent {id: $agentID})-[:KNOWS]->(p:Passage)
		RETURN p.id as id, p.content as content, p.embedding as embedding
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"tenantID": tenantID,
		"agentID":  agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}

	var passages []Passage
	for result.Next(ctx) {
		record := result.Record()
		stored := getFloatSliceFromRecord(record, "embedding")
		score := cosineSimilarity(embedding, stored)
		passages = append(passages, Passage{
			ID:      getStringFromRecord(record, "id"),
			Content: getStringFromRecord(record, "content"),
			Score:   score,
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("passage query failed: %w", err)
	}

	sortByScore(passages)
	if len(passages) > limit {
		passages = passages[:limit]
	}
	return passages, nil
}

// SaveCall persists a finished call's record and transcript. Failures are
// returned for logging but callers must not let them block teardown.
func (r *Repository) SaveCall(ctx context.Context, record CallRecord, transcript []TranscriptLine) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, `
			MERGE (c:Call {id: $callID})
			SET c.tenant_id = $tenantID,
			    c.agent_id = $agentID,
			    c.carrier = $carrier,
			    c.started_at = $startedAt,
			    c.ended_at = $endedAt,
			    c.turns = $turns,
			    c.end_reason = $endReason
		`, map[string]interface{}{
			"callID":    record.CallID,
			"tenantID":  record.TenantID,
			"agentID":   record.AgentID,
			"carrier":   record.Carrier,
			"startedAt": record.StartedAt.UTC(),
			"endedAt":   record.EndedAt.UTC(),
			"turns":     record.Turns,
			"endReason": record.EndReason,
		})
		if err != nil {
			return nil, err
		}

		for i, line := range transcript {
			_, err := tx.Run(ctx, `
				MATCH (c:Call {id: $callID})
				CREATE (c)-[:HAS_LINE]->(:TranscriptLine {
					seq: $seq, speaker: $speaker, text: $text, at: $at
				})
			`, map[string]interface{}{
				"callID":  record.CallID,
				"seq":     i,
				"speaker": line.Speaker,
				"text":    line.Text,
				"at":      line.Timestamp.UTC(),
			})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist call %s: %w", record.CallID, err)
	}

	r.logger.Debug("Persisted call record",
		zap.String("call_id", record.CallID),
		zap.Int("transcript_lines", len(transcript)),
	)
	return nil
}

func cosineSimilarity(a []float32, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		dot += av * b[i]
		normA += av * av
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func sortByScore(passages []Passage) {
	// Insertion sort; retrieval result sets are small
	for i := 1; i < len(passages); i++ {
		for j := i; j > 0 && passages[j].Score > passages[j-1].Score; j-- {
			passages[j], passages[j-1] = passages[j-1], passages[j]
		}
	}
}

func getStringFromRecord(record *neo4j.Record, key string) string {
	if value, ok := record.Get(key); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}

func getFloatSliceFromRecord(record *neo4j.Record, key string) []float64 {
	value, ok := record.Get(key)
	if !ok {
		return nil
	}
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}
