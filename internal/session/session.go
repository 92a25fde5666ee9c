// Package session owns the per-call state machine and turn sequencing.
// A session's mutable state is touched only by its own goroutines and the
// interruption controller acting on its behalf; nothing is shared between
// calls except the registry, cache and knowledge repository.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/adapter"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/audio"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/carrier"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/knowledge"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/pipeline"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/transcript"
	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/errors"
	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

// State is a call session's lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateGreeting
	StateListening
	StateThinking
	StateSpeaking
	StateInterrupted
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Transport sends one prepared message on the carrier socket.
type Transport interface {
	Send(data []byte) error
}

// TranscriptionStream is one live speech-to-text session.
// Implemented by stt.Stream in production.
type TranscriptionStream interface {
	SendAudio(frame []byte) error
	Interim() <-chan transcript.Event
	Final() <-chan transcript.Event
	Err() error
	Close()
}

// TranscriptionSource opens transcription streams.
type TranscriptionSource interface {
	Start(ctx context.Context, sessionID string) (TranscriptionStream, error)
}

// TurnEngine runs the think phase of a turn.
// Implemented by pipeline.Orchestrator in production.
type TurnEngine interface {
	Execute(ctx context.Context, req pipeline.TurnRequest) (*pipeline.Turn, error)
}

// Persister flushes a finished call to storage.
// Implemented by knowledge.Repository in production.
type Persister interface {
	SaveCall(ctx context.Context, record knowledge.CallRecord, transcript []knowledge.TranscriptLine) error
}

// Config tunes per-session behavior.
type Config struct {
	InterruptMinWords      int
	CancelAckTimeout       time.Duration
	PendingInterruptAge    time.Duration
	EchoWindow             time.Duration
	MaxConsecutiveFailures int
	GreetingText           string
	SystemPrompt           string
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		InterruptMinWords:      2,
		CancelAckTimeout:       300 * time.Millisecond,
		PendingInterruptAge:    10 * time.Second,
		EchoWindow:             1500 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		GreetingText:           "Hello, thanks for calling. How can I help you today?",
		SystemPrompt:           "You are a helpful voice assistant on a phone call. Keep responses brief and conversational.",
	}
}

// Session is one live call.
type Session struct {
	ID       string
	CallID   string
	StreamID string
	TenantID string
	AgentID  string
	Carrier  carrier.Kind

	adapter   carrier.Adapter
	codec     *audio.Codec
	transport Transport
	source    TranscriptionSource
	engine    TurnEngine
	synth     pipeline.Synthesizer
	persister Persister
	buffer    *transcript.Buffer
	cfg       Config
	logger    *zap.Logger

	state    atomic.Int32
	speaking atomic.Bool

	mu          sync.Mutex
	activeSynth pipeline.SynthesisStream
	history     []adapter.Message
	turns       int
	failures    int
	sttStream   TranscriptionStream
	endReason   string

	createdAt    time.Time
	lastActivity atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	teardownOnce sync.Once
	ended        chan struct{}
}

// New creates a session for a started carrier stream. The caller resolves
// tenant/agent context from the start event before any media frame arrives.
func New(ctx context.Context, msg *carrier.Message, ad carrier.Adapter, transport Transport, source TranscriptionSource, engine TurnEngine, synth pipeline.Synthesizer, persister Persister, cfg Config) (*Session, error) {
	codec, err := audio.NewCodec(ad.Encoding())
	if err != nil {
		return nil, err
	}

	// Some carriers omit the call id on the start event; mint one so the
	// registry and logs always have a stable key.
	id := msg.CallID
	if id == "" {
		id = uuid.NewString()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:        id,
		CallID:    id,
		StreamID:  msg.StreamID,
		TenantID:  msg.TenantID,
		AgentID:   msg.AgentID,
		Carrier:   ad.Kind(),
		adapter:   ad,
		codec:     codec,
		transport: transport,
		source:    source,
		engine:    engine,
		synth:     synth,
		persister: persister,
		buffer: transcript.NewBuffer(
			transcript.WithPendingMaxAge(cfg.PendingInterruptAge),
			transcript.WithEchoWindow(cfg.EchoWindow),
		),
		cfg:       cfg,
		logger:    logger.ForCall(id, msg.TenantID, msg.AgentID),
		createdAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
		ended:     make(chan struct{}),
	}
	s.history = []adapter.Message{{Role: "system", Content: cfg.SystemPrompt}}
	s.touch()
	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("Session state change",
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
	}
}

// Speaking reports whether agent audio is currently being streamed.
func (s *Session) Speaking() bool {
	return s.speaking.Load()
}

// LastActivity returns when the session last saw traffic.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Turns returns the completed turn count.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Touch records liveness for traffic handled outside the session's own
// loops, like playback marks processed by the batch workers.
func (s *Session) Touch() {
	s.touch()
}

// Run starts the session: send the carrier connect response, open the
// transcription stream (one retry), play the greeting, then process turns
// until the carrier stops or a fatal error hits. Blocks until teardown.
func (s *Session) Run() {
	s.setState(StateConnecting)

	if resp, err := s.adapter.BuildConnectResponse(s.StreamID); err == nil && resp != nil {
		if err := s.transport.Send(resp); err != nil {
			s.logger.Error("Failed to send connect response", zap.Error(err))
			s.Teardown("transport failure")
			return
		}
	}

	stream, err := s.openTranscription()
	if err != nil {
		s.logger.Error("Transcription unavailable, ending call", zap.Error(err))
		s.speakScripted(pipeline.ApologyText)
		s.Teardown("transcription failure")
		return
	}
	s.mu.Lock()
	s.sttStream = stream
	s.mu.Unlock()

	controller := NewInterruptionController(s, s.cfg)
	go controller.Watch(stream.Interim())

	s.setState(StateGreeting)
	s.speakScripted(s.cfg.GreetingText)
	s.setState(StateListening)

	for {
		select {
		case ev, ok := <-stream.Final():
			if !ok {
				if err := stream.Err(); err != nil && s.State() < StateEnding {
					s.logger.Warn("Transcription stream died mid-call", zap.Error(err))
					s.speakScripted(pipeline.ApologyText)
				}
				s.Teardown("transcription closed")
				return
			}
			s.touch()
			s.runTurn(ev)
		case <-s.ctx.Done():
			s.Teardown("session cancelled")
			return
		}
	}
}

// openTranscription opens the STT stream, retrying once per the session
// init policy.
func (s *Session) openTranscription() (TranscriptionStream, error) {
	stream, err := s.source.Start(s.ctx, s.ID)
	if err == nil {
		return stream, nil
	}
	s.logger.Warn("Transcription init failed, retrying once", zap.Error(err))
	stream, err = s.source.Start(s.ctx, s.ID)
	if err != nil {
		return nil, errors.NewTranscription("transcription init failed after retry", err)
	}
	return stream, nil
}

// HandleMedia is the low-latency audio path: transcode the carrier frame
// and forward it to transcription. Called directly from the connection
// read loop, bypassing the batch queue.
func (s *Session) HandleMedia(frame audio.Frame) {
	if s.State() >= StateEnding {
		return
	}
	s.touch()

	s.mu.Lock()
	stream := s.sttStream
	s.mu.Unlock()
	if stream == nil {
		return
	}

	if err := stream.SendAudio(s.codec.ToInference(frame.Data)); err != nil {
		s.logger.Debug("Dropping audio frame", zap.Error(err))
	}
}

// runTurn executes one listen-think-speak cycle. Turns are serialized by
// the Run loop: a final transcript arriving mid-turn waits in the channel.
func (s *Session) runTurn(ev transcript.Event) {
	text := s.buffer.ResolveFinal(ev)
	if strings.TrimSpace(text) == "" {
		return
	}

	s.setState(StateThinking)
	s.logger.Info("Turn started", zap.String("query", text))

	s.mu.Lock()
	history := make([]adapter.Message, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	turn, err := s.engine.Execute(s.ctx, pipeline.TurnRequest{
		SessionID: s.ID,
		TenantID:  s.TenantID,
		AgentID:   s.AgentID,
		Query:     text,
		History:   history,
		// Echo suppression must see the answer while it is playing
		Notifier: s.buffer,
	})
	if err != nil {
		s.turnFailed(err, false)
		return
	}

	if err := s.setActiveSynthesis(turn.Stream); err != nil {
		turn.Stream.Cancel()
		s.turnFailed(err, false)
		return
	}

	interrupted := s.playAudio(turn.Stream)

	res, ok := <-turn.Results
	s.clearActiveSynthesis()
	s.speaking.Store(false)

	if ok && res.Response != "" {
		s.buffer.AppendAgent(s.ID, res.Response, time.Now())
		s.buffer.NoteAgentSpeech(res.Response, time.Now())
		s.mu.Lock()
		s.history = append(s.history,
			adapter.Message{Role: "user", Content: text},
			adapter.Message{Role: "assistant", Content: res.Response},
		)
		s.turns++
		s.mu.Unlock()
	}

	switch {
	case ok && res.Err != nil:
		// The pipeline already spoke its fallback on this stream
		s.turnFailed(res.Err, true)
		return
	case !ok:
		s.turnFailed(errors.NewGeneration("turn produced no result", nil), true)
		return
	default:
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		s.logger.Info("Turn completed",
			zap.String("source", string(res.Source)),
			zap.Bool("interrupted", interrupted),
			zap.Duration("total", res.Latency.Total),
			zap.Duration("first_chunk", res.Latency.FirstChunk),
		)
	}

	if s.State() < StateEnding {
		s.setState(StateListening)
	}
}

// playAudio streams synthesis output to the carrier until the stream ends
// or the interruption controller cancels it. Returns true if interrupted.
func (s *Session) playAudio(stream pipeline.SynthesisStream) bool {
	first := true
	for chunk := range stream.Chunks() {
		if first {
			first = false
			s.speaking.Store(true)
			s.setState(StateSpeaking)
		}
		wire := s.codec.ToCarrier(chunk)
		msg, err := s.adapter.BuildMediaMessage(s.StreamID, wire)
		if err != nil {
			s.logger.Error("Failed to build media message", zap.Error(err))
			continue
		}
		if err := s.transport.Send(msg); err != nil {
			s.logger.Error("Carrier send failed", zap.Error(err))
			s.Teardown("transport failure")
			return false
		}
	}
	return !s.speaking.Load() && !first
}

/// turnFailed applies the consecutive-failure policy: non-fatal errors
// produce a fallback utterance; too many in a row end the call politely.
// spoken reports whether the turn already played a fallback, so the caller
// is never left in silence but never hears two apologies either.
func (s *Session) turnFailed(err error, spoken bool) {
	if errors.IsFatal(err) {
		s.logger.Error("Fatal turn error", zap.Error(err))
		s.Teardown("transport failure")
		return
	}

	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.logger.Warn("Turn failed",
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)

	if failures >= s.cfg.MaxConsecutiveFailures {
		s.speakScripted("I'm sorry, I'm unable to continue this call right now. Please call back later. Goodbye.")
		s.Teardown("consecutive failures")
		return
	}

	if !spoken {
		s.speakScripted(pipeline.ApologyText)
	}

	if s.State() < StateEnding {
		s.setState(StateListening)
	}
}

// speakScripted synthesizes and plays a fixed utterance (greeting,
// apologies) outside the turn pipeline. Failures are logged only; scripted
// speech is already the fallback path.
func (s *Session) speakScripted(text string) {
	stream, err := s.synth.Speak(s.ctx, text)
	if err != nil {
		s.logger.Warn("Scripted synthesis failed", zap.Error(err))
		return
	}
	if err := s.setActiveSynthesis(stream); err != nil {
		stream.Cancel()
		return
	}
	// Note the text before playback so reflections of it are filtered
	// while it is actually being heard
	s.buffer.NoteAgentSpeech(text, time.Now())
	s.playAudio(stream)
	s.clearActiveSynthesis()
	s.speaking.Store(false)
	s.buffer.AppendAgent(s.ID, text, time.Now())
	s.buffer.NoteAgentSpeech(text, time.Now())
}

// setActiveSynthesis installs the turn's synthesis handle. At most one may
// be active; the previous handle must have been resolved or cancelled first.
func (s *Session) setActiveSynthesis(stream pipeline.SynthesisStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSynth != nil {
		return errors.ErrSynthesisActive
	}
	if s.State() >= StateEnding {
		return errors.ErrSessionClosed
	}
	s.activeSynth = stream
	return nil
}

func (s *Session) clearActiveSynthesis() {
	s.mu.Lock()
	s.activeSynth = nil
	s.mu.Unlock()
}

// activeSynthesis returns the in-flight synthesis handle, if any.
func (s *Session) activeSynthesis() pipeline.SynthesisStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSynth
}

// sendClear tells the carrier to drop buffered playback. Sent independently
// of synthesis cancellation: the audible stop must be prompt even if
// internal cleanup lags.
func (s *Session) sendClear() {
	msg, err := s.adapter.BuildClearMessage(s.StreamID)
	if err != nil {
		s.logger.Error("Failed to build clear message", zap.Error(err))
		return
	}
	if err := s.transport.Send(msg); err != nil {
		s.logger.Error("Failed to send clear message", zap.Error(err))
	}
}

// Teardown releases the session. Idempotent: every exit path calls it and
// only the first invocation does work.
func (s *Session) Teardown(reason string) {
	s.teardownOnce.Do(func() {
		s.setState(StateEnding)
		s.mu.Lock()
		s.endReason = reason
		stream := s.sttStream
		active := s.activeSynth
		s.activeSynth = nil
		s.mu.Unlock()

		s.logger.Info("Session ending", zap.String("reason", reason))

		if active != nil {
			active.Cancel()
		}
		s.speaking.Store(false)
		if stream != nil {
			stream.Close()
		}
		s.cancel()

		s.persist(reason)
		s.setState(StateEnded)
		close(s.ended)
	})
}

// Ended closes once teardown has completed.
func (s *Session) Ended() <-chan struct{} {
	return s.ended
}

// persist flushes the call record and transcript. Best-effort with its own
// deadline so a slow database can never wedge teardown.
func (s *Session) persist(reason string) {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries := s.buffer.Log()
	lines := make([]knowledge.TranscriptLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, knowledge.TranscriptLine{
			Speaker:   e.Speaker,
			Text:      e.Text,
			Timestamp: e.Timestamp,
		})
	}

	s.mu.Lock()
	turns := s.turns
	s.mu.Unlock()

	record := knowledge.CallRecord{
		CallID:    s.CallID,
		TenantID:  s.TenantID,
		AgentID:   s.AgentID,
		Carrier:   string(s.Carrier),
		StartedAt: s.createdAt,
		EndedAt:   time.Now(),
		Turns:     turns,
		EndReason: reason,
	}
	if err := s.persister.SaveCall(ctx, record, lines); err != nil {
		s.logger.Warn("Failed to persist call record", zap.Error(err))
	}
}
