// Package pipeline runs one "think" phase of a call turn: cache lookup,
// concurrent retrieval and generation, and incremental handoff of generated
// text to speech synthesis. Time-to-first-audio is the metric everything
// here is shaped around.
package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/adapter"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/cache"
	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/errors"
	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

// ApologyText is spoken when generation fails and no better answer exists.
const ApologyText = "I'm sorry, I'm having trouble answering that right now. Could you say that again?"

// SynthesisStream is the cancellable audio sequence a turn plays from.
// Implemented by tts.Synthesis in production.
type SynthesisStream interface {
	Write(text string) error
	Flush() error
	Chunks() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Cancel()
	CancelWait(timeout time.Duration) bool
}

// Synthesizer produces synthesis streams. Implemented by TTSSynthesizer in
// production and by mocks in tests.
type Synthesizer interface {
	StartStream(ctx context.Context) (SynthesisStream, error)
	Speak(ctx context.Context, text string) (SynthesisStream, error)
}

// Retriever looks up knowledge-base passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, agentID, query string) ([]string, error)
}

// Generator streams completion text for a conversation.
type Generator interface {
	GenerateStream(ctx context.Context, history []adapter.Message) (<-chan string, error)
}

// SpeechNotifier observes response text as it is handed to synthesis.
// Echo suppression needs the utterance currently playing, not the previous
// one, so the orchestrator reports text the moment it goes to the
// synthesizer rather than when the turn resolves.
type SpeechNotifier interface {
	NoteAgentSpeech(text string, at time.Time)
}

// Source labels where a response came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

// Latency is the per-turn timing breakdown.
type Latency struct {
	Retrieval  time.Duration
	FirstChunk time.Duration
	Total      time.Duration
}

// Result describes a completed think phase.
type Result struct {
	Response string
	Source   Source
	Cached   bool
	Latency  Latency
	Err      error
}

// TurnRequest is one final transcript ready for a response.
type TurnRequest struct {
	SessionID string
	TenantID  string
	AgentID   string
	Query     string
	History   []adapter.Message
	// Notifier, when set, receives the response text as it reaches synthesis.
	Notifier SpeechNotifier
}

// Config tunes the orchestrator.
type Config struct {
	RetrievalJoinTimeout time.Duration
	GenerationTimeout    time.Duration
	MinChunkChars        int
	MaxPassages          int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		RetrievalJoinTimeout: time.Second,
		GenerationTimeout:    15 * time.Second,
		MinChunkChars:        3,
		MaxPassages:          5,
	}
}

// Orchestrator coordinates cache, retrieval, generation and synthesis for
// call turns. Stateless across turns; conversation history is owned by the
// session and passed in per request.
type Orchestrator struct {
	cache       *cache.ResponseCache
	retriever   Retriever
	generator   Generator
	synthesizer Synthesizer
	cfg         Config
	logger      *zap.Logger
}

// NewOrchestrator creates a turn orchestrator.
func NewOrchestrator(c *cache.ResponseCache, r Retriever, g Generator, s Synthesizer, cfg Config) *Orchestrator {
	if cfg.MinChunkChars < 1 {
		cfg.MinChunkChars = 3
	}
	if cfg.MaxPassages < 1 {
		cfg.MaxPassages = 5
	}
	return &Orchestrator{
		cache:       c,
		retriever:   r,
		generator:   g,
		synthesizer: s,
		cfg:         cfg,
		logger:      logger.Get().Named("pipeline"),
	}
}

// Turn is one in-flight think phase. Audio is consumed from Stream; the
// Result arrives on Results exactly once, after generation completes or
// fails. Cancelling the Stream aborts the whole turn.
type Turn struct {
	Stream  SynthesisStream
	Results <-chan Result
}

// Execute starts the think phase for a final transcript and returns as soon
// as a synthesis stream exists, which is what keeps time-to-first-audio low.
// Only a synthesis start failure is returned directly; every later failure
// is reported through the Result so the session can fall back without
// tearing anything down.
func (o *Orchestrator) Execute(ctx context.Context, req TurnRequest) (*Turn, error) {
	started := time.Now()
	key := cache.Key(req.TenantID, req.AgentID, req.Query)

	if entry, ok := o.cache.Get(key); ok {
		stream, err := o.synthesizer.Speak(ctx, entry.Value)
		if err != nil {
			return nil, errors.NewSynthesis("failed to synthesize cached response", err)
		}
		noteSpeech(req, entry.Value)
		results := make(chan Result, 1)
		results <- Result{
			Response: entry.Value,
			Source:   SourceCache,
			Cached:   true,
			Latency:  Latency{Total: time.Since(started)},
		}
		close(results)
		o.logger.Debug("Cache hit",
			zap.String("session_id", req.SessionID),
			zap.String("class", entry.Class.String()),
		)
		return &Turn{Stream: stream, Results: results}, nil
	}

	// Retrieval starts now and is joined best-effort before the generation
	// call goes out. A slow knowledge base costs context, never latency.
	retrievalCh := make(chan []string, 1)
	go func() {
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalJoinTimeout)
		defer cancel()
		passages, err := o.retriever.Retrieve(rctx, req.TenantID, req.AgentID, req.Query)
		if err != nil {
			o.logger.Debug("Retrieval failed, generation proceeds context-free",
				zap.String("session_id", req.SessionID),
				zap.Error(err),
			)
			retrievalCh <- nil
			return
		}
		if len(passages) > o.cfg.MaxPassages {
			passages = passages[:o.cfg.MaxPassages]
		}
		retrievalCh <- passages
	}()

	stream, err := o.synthesizer.StartStream(ctx)
	if err != nil {
		return nil, errors.NewSynthesis("failed to open synthesis stream", err)
	}

	results := make(chan Result, 1)
	go o.generate(ctx, req, key, stream, retrievalCh, results, started)
	return &Turn{Stream: stream, Results: results}, nil
}

func (o *Orchestrator) generate(ctx context.Context, req TurnRequest, key string, stream SynthesisStream, retrievalCh <-chan []string, results chan<- Result, started time.Time) {
	defer close(results)

	var passages []string
	retrievalStart := time.Now()
	select {
	case passages = <-retrievalCh:
	case <-time.After(o.cfg.RetrievalJoinTimeout):
		// Join window missed; the retrieval goroutine's own deadline stops it.
	case <-ctx.Done():
		stream.Cancel()
		results <- Result{Source: SourceGenerated, Err: ctx.Err()}
		return
	}
	retrievalDur := time.Since(retrievalStart)

	gctx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	defer cancel()

	chunks, err := o.generator.GenerateStream(gctx, buildHistory(req, passages))
	if err != nil {
		o.speakFallback(req, stream, results, started, err)
		return
	}

	// full accumulates only text the synthesizer accepted, so it always
	// matches what the caller can actually hear.
	var full strings.Builder
	var pending strings.Builder
	var firstChunk time.Duration
	var writeFailed bool

	for chunk := range chunks {
		if full.Len() == 0 && pending.Len() == 0 {
			firstChunk = time.Since(started)
		}
		pending.WriteString(chunk)
		if shouldForward(pending.String(), o.cfg.MinChunkChars) {
			if err := stream.Write(pending.String()); err != nil {
				// Normal consequence of barge-in cancellation
				o.logger.Debug("Synthesis write failed mid-turn",
					zap.String("session_id", req.SessionID),
					zap.Error(err),
				)
				writeFailed = true
				break
			}
			full.WriteString(pending.String())
			pending.Reset()
			noteSpeech(req, full.String())
		}
	}
	if !writeFailed && pending.Len() > 0 {
		if err := stream.Write(pending.String()); err == nil {
			full.WriteString(pending.String())
			noteSpeech(req, full.String())
		} else {
			writeFailed = true
		}
	}

	response := strings.TrimSpace(full.String())

	// A stream that stopped accepting text was cancelled or died. The
	// truncated text is what the caller heard, so it stands as the result,
	// but it must never be cached as the answer to this query.
	if writeFailed {
		results <- Result{
			Response: response,
			Source:   SourceGenerated,
			Latency: Latency{
				Retrieval:  retrievalDur,
				FirstChunk: firstChunk,
				Total:      time.Since(started),
			},
		}
		return
	}

	if response == "" {
		o.speakFallback(req, stream, results, started, errors.NewGeneration("generation produced no text", gctx.Err()))
		return
	}

	_ = stream.Flush()
	o.cache.Set(key, req.Query, response, passages)

	results <- Result{
		Response: response,
		Source:   SourceGenerated,
		Latency: Latency{
			Retrieval:  retrievalDur,
			FirstChunk: firstChunk,
			Total:      time.Since(started),
		},
	}
}

func noteSpeech(req TurnRequest, text string) {
	if req.Notifier != nil {
		req.Notifier.NoteAgentSpeech(text, time.Now())
	}
}

// speakFallback replaces a failed generation with the scripted apology on
// the already-open stream. The caller always hears something.
func (o *Orchestrator) speakFallback(req TurnRequest, stream SynthesisStream, results chan<- Result, started time.Time, cause error) {
	o.logger.Warn("Generation failed, speaking fallback",
		zap.String("session_id", req.SessionID),
		zap.Error(cause),
	)
	if err := stream.Write(ApologyText); err == nil {
		noteSpeech(req, ApologyText)
		_ = stream.Flush()
	} else {
		stream.Cancel()
	}
	results <- Result{
		Response: ApologyText,
		Source:   SourceFallback,
		Latency:  Latency{Total: time.Since(started)},
		Err:      errors.NewGeneration("generation failed", cause),
	}
}

// shouldForward reports whether buffered generation text is worth sending
/// to synthesis: either enough characters to matter or a natural break the
// synthesizer can pause on.
func shouldForward(pending string, minChars int) bool {
	if len(pending) >= minChars {
		return true
	}
	return strings.ContainsAny(pending, ".,!?;:\n")
}

func buildHistory(req TurnRequest, passages []string) []adapter.Message {
	history := make([]adapter.Message, 0, len(req.History)+2)
	if len(passages) > 0 {
		history = append(history, adapter.Message{
			Role:    "system",
			Content: "Relevant knowledge base passages:\n- " + strings.Join(passages, "\n- "),
		})
	}
	history = append(history, req.History...)
	history = append(history, adapter.Message{Role: "user", Content: req.Query})
	return history
}
