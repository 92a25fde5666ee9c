// Package tts converts text to speech through the streaming synthesis
// service. Text goes in incrementally as the LLM produces it; audio chunks
// come out as a lazy, cancellable sequence so speech starts before the full
// answer is known.
package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

// Client dials the streaming synthesis service.
type Client struct {
	url     string
	voiceID string
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

// NewClient creates a synthesis client for the given WebSocket URL and voice.
func NewClient(url, voiceID string) *Client {
	return &Client{
		url:     url,
		voiceID: voiceID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.Get().Named("tts"),
	}
}

type speakMessage struct {
	Type  string `json:"type"`
	Voice string `json:"voice,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Synthesis is one live synthesis stream. Audio arrives on Chunks as 16kHz
// 16-bit linear PCM; Done closes once the reader has fully stopped, which
// doubles as the cancellation acknowledgment.
type Synthesis struct {
	conn *websocket.Conn

	chunks chan []byte
	done   chan struct{}
	stop   chan struct{}

	writeMu    sync.Mutex
	closeOnce  sync.Once
	cancelOnce sync.Once
	cancelled  bool
	errMu      sync.Mutex
	err        error

	logger *zap.Logger
}

// StartStream opens a synthesis stream ready to accept text chunks.
func (c *Client) StartStream(ctx context.Context) (*Synthesis, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial synthesis service: %w", err)
	}

	if err := conn.WriteJSON(speakMessage{Type: "start", Voice: c.voiceID}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to start synthesis stream: %w", err)
	}

	s := &Synthesis{
		conn:   conn,
		chunks: make(chan []byte, 32),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		logger: c.logger,
	}
	go s.readLoop()
	return s, nil
}

// Speak opens a stream, sends the complete text and flushes in one call.
// Used for cached responses and scripted utterances.
func (c *Client) Speak(ctx context.Context, text string) (*Synthesis, error) {
	s, err := c.StartStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Write(text); err != nil {
		s.Cancel()
		return nil, err
	}
	if err := s.Flush(); err != nil {
		s.Cancel()
		return nil, err
	}
	return s, nil
}

// Write sends one text chunk for synthesis.
func (s *Synthesis) Write(text string) error {
	select {
	case <-s.done:
		return fmt.Errorf("synthesis stream closed")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(speakMessage{Type: "speak", Text: text}); err != nil {
		return fmt.Errorf("failed to send text chunk: %w", err)
	}
	return nil
}

// Flush signals that no further text is coming; the service finishes the
// remaining audio and ends the stream.
func (s *Synthesis) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(speakMessage{Type: "flush"}); err != nil {
		return fmt.Errorf("failed to flush synthesis stream: %w", err)
	}
	return nil
}

// Chunks returns the audio chunk channel. Closed when synthesis completes
// or is cancelled; no chunk is delivered after cancellation.
func (s *Synthesis) Chunks() <-chan []byte {
	return s.chunks
}

// Done closes once the stream has fully stopped.
func (s *Synthesis) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that terminated synthesis, if any. Cancellation is
// not an error.
func (s *Synthesis) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Cancel aborts synthesis. The socket close forces the reader down, so no
// further chunk can be delivered once Done closes.
func (s *Synthesis) Cancel() {
	s.cancelOnce.Do(func() {
		s.errMu.Lock()
		s.cancelled = true
		s.errMu.Unlock()
		close(s.stop)
		_ = s.conn.Close()
	})
}

// CancelWait aborts synthesis and waits up to timeout for the reader to
// acknowledge by stopping. Returns true if acknowledged in time. Callers
// proceed either way; turn-taking must never block on cleanup.
func (s *Synthesis) CancelWait(timeout time.Duration) bool {
	s.Cancel()
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Synthesis) readLoop() {
	defer s.closeOnce.Do(func() {
		close(s.chunks)
		close(s.done)
		_ = s.conn.Close()
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.errMu.Lock()
			if !s.cancelled {
				s.err = err
			}
			s.errMu.Unlock()
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			chunk := make([]byte, len(data))
			copy(chunk, data)
			select {
			case s.chunks <- chunk:
			case <-s.stop:
				return
			}
		case websocket.TextMessage:
			var msg speakMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "end" {
				return
			}
		}
	}
}
