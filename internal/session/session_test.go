package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/carrier"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/knowledge"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/pipeline"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/transcript"
)

// Mock implementations for testing

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.sent = append(f.sent, data)
	return nil
}

// events returns the "event" field of every sent message, in order.
func (f *fakeTransport) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, data := range f.sent {
		var msg struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(data, &msg) == nil {
			out = append(out, msg.Event)
		}
	}
	return out
}

func (f *fakeTransport) countEvent(name string) int {
	n := 0
	for _, e := range f.events() {
		if e == name {
			n++
		}
	}
	return n
}

type fakeStream struct {
	mu         sync.Mutex
	writes     []string
	flushed    bool
	cancelled  bool
	cancelWait bool
	chunks     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeStream) Write(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return assert.AnError
	}
	f.writes = append(f.writes, text)
	f.chunks <- []byte(text)
	return nil
}

func (f *fakeStream) Flush() error {
	f.mu.Lock()
	f.flushed = true
	f.mu.Unlock()
	f.close()
	return nil
}

func (f *fakeStream) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	f.close()
}

func (f *fakeStream) CancelWait(timeout time.Duration) bool {
	f.mu.Lock()
	f.cancelWait = true
	f.mu.Unlock()
	f.Cancel()
	return true
}

func (f *fakeStream) close() {
	f.closeOnce.Do(func() {
		close(f.chunks)
		close(f.done)
	})
}

func (f *fakeStream) Chunks() <-chan []byte { return f.chunks }
func (f *fakeStream) Done() <-chan struct{} { return f.done }
func (f *fakeStream) Err() error            { return nil }

func (f *fakeStream) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type fakeSynth struct {
	mu     sync.Mutex
	spoken []string
	err    error
}

func (f *fakeSynth) StartStream(ctx context.Context) (pipeline.SynthesisStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return newFakeStream(), nil
}

func (f *fakeSynth) Speak(ctx context.Context, text string) (pipeline.SynthesisStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeStream()
	_ = s.Write(text)
	_ = s.Flush()
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSynth) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spoken))
	copy(out, f.spoken)
	return out
}

type fakeTranscription struct {
	mu      sync.Mutex
	interim chan transcript.Event
	final   chan transcript.Event
	frames  int
	closed  bool
}

func newFakeTranscription() *fakeTranscription {
	return &fakeTranscription{
		interim: make(chan transcript.Event, 16),
		final:   make(chan transcript.Event, 16),
	}
}

func (f *fakeTranscription) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeTranscription) Interim() <-chan transcript.Event { return f.interim }
func (f *fakeTranscription) Final() <-chan transcript.Event   { return f.final }
func (f *fakeTranscription) Err() error                       { return nil }

func (f *fakeTranscription) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.interim)
		close(f.final)
	}
}

func (f *fakeTranscription) sendFinal(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.final <- transcript.Event{Text: text, IsFinal: true, Confidence: 0.95, Timestamp: time.Now()}
	}
}

func (f *fakeTranscription) sendInterim(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.interim <- transcript.Event{Text: text, Confidence: 0.8, Timestamp: time.Now()}
	}
}

type fakeSource struct {
	mu       sync.Mutex
	failures int
	starts   int
	streams  []*fakeTranscription
}

func (f *fakeSource) Start(ctx context.Context, sessionID string) (TranscriptionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.failures > 0 {
		f.failures--
		return nil, assert.AnError
	}
	s := newFakeTranscription()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) stream() *fakeTranscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeEngine struct {
	mu       sync.Mutex
	requests []pipeline.TurnRequest
	err      error
	// prepare is invoked per Execute to build the turn
	prepare func() *pipeline.Turn
}

func (f *fakeEngine) Execute(ctx context.Context, req pipeline.TurnRequest) (*pipeline.Turn, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	prepare := f.prepare
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return prepare(), nil
}

func (f *fakeEngine) lastRequest() pipeline.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return pipeline.TurnRequest{}
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// completedTurn builds a turn whose audio is already synthesized and whose
// result is ready.
func completedTurn(response string) func() *pipeline.Turn {
	return func() *pipeline.Turn {
		s := newFakeStream()
		_ = s.Write(response)
		_ = s.Flush()
		results := make(chan pipeline.Result, 1)
		results <- pipeline.Result{Response: response, Source: pipeline.SourceGenerated}
		close(results)
		return &pipeline.Turn{Stream: s, Results: results}
	}
}

type fakePersister struct {
	mu      sync.Mutex
	calls   int
	records []knowledge.CallRecord
	lines   [][]knowledge.TranscriptLine
}

func (f *fakePersister) SaveCall(ctx context.Context, record knowledge.CallRecord, lines []knowledge.TranscriptLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.records = append(f.records, record)
	f.lines = append(f.lines, lines)
	return nil
}

func (f *fakePersister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	sess      *Session
	transport *fakeTransport
	source    *fakeSource
	engine    *fakeEngine
	synth     *fakeSynth
	persister *fakePersister
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		source:    &fakeSource{},
		engine:    &fakeEngine{prepare: completedTurn("Hi there.")},
		synth:     &fakeSynth{},
		persister: &fakePersister{},
	}
	msg := &carrier.Message{
		Type:     carrier.EventStart,
		CallID:   "CA1",
		StreamID: "MZ1",
		TenantID: "t1",
		AgentID:  "a1",
	}
	sess, err := New(context.Background(), msg, carrier.NewTwilioAdapter(), h.transport, h.source, h.engine, h.synth, h.persister, cfg)
	require.NoError(t, err)
	h.sess = sess
	return h
}

func TestNewMintsIDWhenCarrierOmitsCallID(t *testing.T) {
	msg := &carrier.Message{Type: carrier.EventStart, StreamID: "MZ1"}
	s, err := New(context.Background(), msg, carrier.NewTwilioAdapter(), &fakeTransport{}, &fakeSource{}, &fakeEngine{}, &fakeSynth{}, nil, DefaultConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, s.ID, s.CallID)
}

func TestRunHappyTurn(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.prepare = completedTurn("We are open nine to five.")

	go h.sess.Run()
	defer h.sess.Teardown("test done")

	// Greeting plays first, then the session listens
	require.Eventually(t, func() bool {
		return h.sess.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.synth.spokenTexts(), DefaultConfig().GreetingText)

	h.source.stream().sendFinal("what are your business hours")

	require.Eventually(t, func() bool {
		return h.sess.Turns() == 1 && h.sess.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "what are your business hours", h.engine.lastRequest().Query)
	assert.Greater(t, h.transport.countEvent("media"), 0)
	assert.False(t, h.sess.Speaking())
}

func TestInterruptionWhileSpeaking(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	// A turn whose audio stays open until cancelled, so the session is
	// still Speaking when the barge-in arrives.
	turnStream := newFakeStream()
	results := make(chan pipeline.Result, 1)
	h.engine.prepare = func() *pipeline.Turn {
		_ = turnStream.Write("This is a long answer that keeps going")
		go func() {
			<-turnStream.Done()
			results <- pipeline.Result{Response: "This is a long answer that keeps going", Source: pipeline.SourceGenerated}
			close(results)
		}()
		return &pipeline.Turn{Stream: turnStream, Results: results}
	}

	go h.sess.Run()
	defer h.sess.Teardown("test done")

	require.Eventually(t, func() bool {
		return h.sess.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)

	h.source.stream().sendFinal("tell me everything")
	require.Eventually(t, func() bool {
		return h.sess.Speaking()
	}, 2*time.Second, 10*time.Millisecond)

	h.source.stream().sendInterim("wait wait I said")

	// Clear goes out promptly and speaking flips off, independent of how
	// long cancellation takes.
	require.Eventually(t, func() bool {
		return h.transport.countEvent("clear") == 1 && !h.sess.Speaking()
	}, time.Second, 5*time.Millisecond)
	assert.True(t, turnStream.wasCancelled())

	require.Eventually(t, func() bool {
		return h.sess.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInterruptionBelowWordMinimumIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctrl := NewInterruptionController(h.sess, h.sess.cfg)

	stream := newFakeStream()
	require.NoError(t, h.sess.setActiveSynthesis(stream))
	h.sess.speaking.Store(true)

	ctrl.Handle(transcript.Event{Text: "um", Timestamp: time.Now()})

	assert.True(t, h.sess.Speaking())
	assert.Equal(t, 0, h.transport.countEvent("clear"))
	assert.False(t, stream.wasCancelled())
	assert.Nil(t, h.sess.buffer.Pending())
}

func TestInterruptionRecordedEvenWhenNotSpeaking(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctrl := NewInterruptionController(h.sess, h.sess.cfg)

	ctrl.Handle(transcript.Event{Text: "my order number", Confidence: 0.9, Timestamp: time.Now()})

	assert.Equal(t, 0, h.transport.countEvent("clear"))
	require.NotNil(t, h.sess.buffer.Pending())
	assert.Equal(t, "my order number", h.sess.buffer.Pending().Fragment)
}

func TestInterruptionEchoIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctrl := NewInterruptionController(h.sess, h.sess.cfg)

	h.sess.buffer.NoteAgentSpeech("we are open nine to five today", time.Now())
	h.sess.speaking.Store(true)

	ctrl.Handle(transcript.Event{Text: "open nine to five", Timestamp: time.Now()})

	assert.True(t, h.sess.Speaking())
	assert.Equal(t, 0, h.transport.countEvent("clear"))
}

func TestInterruptionInProgressEchoIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	// A turn whose audio stays open, with the answer text surfacing
	// through the request's notifier the way streamed synthesis does.
	turnStream := newFakeStream()
	results := make(chan pipeline.Result, 1)
	h.engine.prepare = func() *pipeline.Turn {
		_ = turnStream.Write("our support line is open around the clock")
		go func() {
			<-turnStream.Done()
			results <- pipeline.Result{Response: "our support line is open around the clock", Source: pipeline.SourceGenerated}
			close(results)
		}()
		return &pipeline.Turn{Stream: turnStream, Results: results}
	}

	go h.sess.Run()
	defer h.sess.Teardown("test done")

	require.Eventually(t, func() bool {
		return h.sess.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)

	h.source.stream().sendFinal("when can I reach support")
	require.Eventually(t, func() bool {
		return h.sess.Speaking()
	}, 2*time.Second, 10*time.Millisecond)

	notifier := h.engine.lastRequest().Notifier
	require.NotNil(t, notifier, "turn requests must carry the session buffer")
	notifier.NoteAgentSpeech("our support line is open around the clock", time.Now())

	// The recognizer picking up the answer while it is still playing must
	// not read as a barge-in.
	h.source.stream().sendInterim("support line is open")
	time.Sleep(100 * time.Millisecond)

	assert.True(t, h.sess.Speaking())
	assert.Equal(t, 0, h.transport.countEvent("clear"))
	assert.False(t, turnStream.wasCancelled())

	_ = turnStream.Flush()
	require.Eventually(t, func() bool {
		return h.sess.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPendingFragmentMergedIntoNextTurn(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.prepare = completedTurn("Got it.")

	h.sess.buffer.RecordInterruption("my order number", 0.9, time.Now())
	h.sess.runTurn(transcript.Event{Text: "is one two three", Timestamp: time.Now().Add(2 * time.Second)})

	assert.Equal(t, "my order number is one two three", h.engine.lastRequest().Query)
}

func TestSingleActiveSynthesis(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	first := newFakeStream()
	require.NoError(t, h.sess.setActiveSynthesis(first))

	second := newFakeStream()
	assert.Error(t, h.sess.setActiveSynthesis(second))

	h.sess.clearActiveSynthesis()
	assert.NoError(t, h.sess.setActiveSynthesis(second))
}

func TestTeardownIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.sess.Teardown("first")
	h.sess.Teardown("second")

	assert.Equal(t, StateEnded, h.sess.State())
	assert.Equal(t, 1, h.persister.callCount())
	assert.Equal(t, "first", h.persister.records[0].EndReason)

	select {
	case <-h.sess.Ended():
	default:
		t.Fatal("Ended channel should be closed")
	}
}

func TestTeardownCancelsActiveSynthesis(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	stream := newFakeStream()
	require.NoError(t, h.sess.setActiveSynthesis(stream))

	h.sess.Teardown("carrier stop")
	assert.True(t, stream.wasCancelled())
	assert.False(t, h.sess.Speaking())
}

func TestTranscriptionRetriesOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.source.failures = 1

	go h.sess.Run()
	defer h.sess.Teardown("test done")

	require.Eventually(t, func() bool {
		return h.sess.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.source.starts)
}

func TestTranscriptionFailureEndsCallWithApology(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.source.failures = 2

	h.sess.Run()

	assert.Equal(t, StateEnded, h.sess.State())
	assert.Contains(t, h.synth.spokenTexts(), pipeline.ApologyText)
	assert.Equal(t, 1, h.persister.callCount())
}

func TestConsecutiveFailuresEndCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 2
	h := newHarness(t, cfg)
	h.engine.err = assert.AnError

	h.sess.runTurn(transcript.Event{Text: "first question please", Timestamp: time.Now()})
	assert.Equal(t, StateListening, h.sess.State())
	assert.Contains(t, h.synth.spokenTexts(), pipeline.ApologyText)

	h.sess.runTurn(transcript.Event{Text: "second question please", Timestamp: time.Now()})
	assert.Equal(t, StateEnded, h.sess.State())
	assert.Equal(t, 1, h.persister.callCount())
}

func TestTurnFailureSpeaksApology(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.err = assert.AnError

	h.sess.runTurn(transcript.Event{Text: "a question please", Timestamp: time.Now()})

	// One failure is not fatal; the caller hears an apology and the
	// session keeps listening
	assert.Equal(t, StateListening, h.sess.State())
	assert.Contains(t, h.synth.spokenTexts(), pipeline.ApologyText)
	assert.Equal(t, 0, h.persister.callCount())
}
