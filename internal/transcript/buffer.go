// Package transcript accumulates transcription events for a call and owns
// the interrupted-fragment merge heuristic.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker labels for transcript entries.
const (
	SpeakerCaller = "caller"
	SpeakerAgent  = "agent"
)

// Event is one transcription result, interim or final.
type Event struct {
	SessionID  string
	Speaker    string
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

// PendingInterruption holds the fragment a caller spoke over the agent.
// It is kept until the next final transcript arrives, then merged or
// discarded depending on its age and overlap with the final text.
type PendingInterruption struct {
	Fragment   string
	Timestamp  time.Time
	Confidence float64
}

// Buffer accumulates a session's transcript, applying echo suppression to
// interim events and merging interrupted fragments into the next final.
type Buffer struct {
	mu      sync.Mutex
	entries []Event
	pending *PendingInterruption

	pendingMaxAge time.Duration
	echoWindow    time.Duration

	// Tail of the agent's own speech and when it was last sent, used to
	// drop interim events that are just the caller's phone echoing us back.
	agentTail    string
	agentSpokeAt time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithPendingMaxAge overrides how long an interrupted fragment stays mergeable.
func WithPendingMaxAge(d time.Duration) Option {
	return func(b *Buffer) { b.pendingMaxAge = d }
}

// WithEchoWindow overrides the echo suppression window.
func WithEchoWindow(d time.Duration) Option {
	return func(b *Buffer) { b.echoWindow = d }
}

// NewBuffer creates a transcript buffer with default tuning.
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		pendingMaxAge: 10 * time.Second,
		echoWindow:    1500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NoteAgentSpeech records the tail of agent audio just sent to the carrier
// so closely-following matching interims can be discarded as echo.
func (b *Buffer) NoteAgentSpeech(text string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentTail = text
	b.agentSpokeAt = at
}

// IsEcho reports whether an interim event looks like the agent's own speech
// reflected back within the echo window.
func (b *Buffer) IsEcho(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.agentTail == "" || ev.Timestamp.Sub(b.agentSpokeAt) > b.echoWindow {
		return false
	}
	return strings.Contains(
		strings.ToLower(b.agentTail),
		strings.ToLower(strings.TrimSpace(ev.Text)),
	)
}

// RecordInterruption stores the fragment the caller spoke over the agent.
// A newer fragment replaces an older one.
func (b *Buffer) RecordInterruption(fragment string, confidence float64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = &PendingInterruption{
		Fragment:   strings.TrimSpace(fragment),
		Timestamp:  at,
		Confidence: confidence,
	}
}

// Pending returns the currently held interruption fragment, if any.
func (b *Buffer) Pending() *PendingInterruption {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// ResolveFinal merges a final transcript with any pending interruption
// fragment and appends the result to the transcript log. It returns the
// text the turn pipeline should act on.
func (b *Buffer) ResolveFinal(ev Event) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	text := strings.TrimSpace(ev.Text)
	if b.pending != nil {
		age := ev.Timestamp.Sub(b.pending.Timestamp)
		if age >= 0 && age < b.pendingMaxAge {
			text = MergeFragments(text, b.pending.Fragment)
		}
		b.pending = nil
	}

	ev.Text = text
	ev.IsFinal = true
	ev.Speaker = SpeakerCaller
	b.entries = append(b.entries, ev)
	return text
}

// AppendAgent appends an agent utterance to the transcript log.
func (b *Buffer) AppendAgent(sessionID, text string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Event{
		SessionID:  sessionID,
		Speaker:    SpeakerAgent,
		Text:       text,
		IsFinal:    true,
		Confidence: 1,
		Timestamp:  at,
	})
}

// Log returns a copy of the ordered transcript entries.
func (b *Buffer) Log() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.entries))
	copy(out, b.entries)
	return out
}

// MergeFragments combines an interrupted fragment with the final transcript
// that followed it. Speech truncated right after a barge-in usually loses
// its opening words; this recovers them:
//   - if the final does not already contain the fragment, prepend it
//   - if the final is very short but the fragment was substantial, the
//     fragment was probably the whole utterance
//   - otherwise the final stands on its own
func MergeFragments(final, fragment string) string {
	final = strings.TrimSpace(final)
	fragment = strings.TrimSpace(fragment)

	if fragment == "" {
		return final
	}
	if final == "" {
		return fragment
	}

	if !strings.Contains(strings.ToLower(final), strings.ToLower(fragment)) {
		return fragment + " " + final
	}
	if WordCount(final) < 3 && WordCount(fragment) >= 3 {
		return fragment
	}
	return final
}

// WordCount returns the number of whitespace-separated words in s.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
