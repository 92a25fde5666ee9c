// Package stt streams caller audio to the transcription service and turns
// its results into transcript events. Interim results feed the interruption
// path on a separate channel from finals so barge-in detection never queues
// behind turn processing.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/transcript"
	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

// Client dials the streaming transcription service.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewClient creates a transcription client for the given WebSocket URL.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.Get().Named("stt"),
	}
}

type startRequest struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

type resultMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// Stream is one live transcription session. Audio goes in as binary
// frames; interim and final events come out on separate channels, both
// closed when the stream ends.
type Stream struct {
	conn      *websocket.Conn
	sessionID string

	interim chan transcript.Event
	final   chan transcript.Event
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	logger *zap.Logger
}

// Start opens a transcription stream for one session. The service receives
// 16kHz 16-bit linear PCM.
func (c *Client) Start(ctx context.Context, sessionID string) (*Stream, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial transcription service: %w", err)
	}

	req := startRequest{
		Type:       "start",
		SessionID:  sessionID,
		SampleRate: 16000,
		Encoding:   "pcm16",
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to start transcription stream: %w", err)
	}

	s := &Stream{
		conn:      conn,
		sessionID: sessionID,
		interim:   make(chan transcript.Event, 32),
		final:     make(chan transcript.Event, 8),
		done:      make(chan struct{}),
		logger:    c.logger.With(zap.String("session_id", sessionID)),
	}
	go s.readLoop()
	return s, nil
}

// SendAudio forwards one PCM frame to the transcription service.
func (s *Stream) SendAudio(frame []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("transcription stream closed")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	return nil
}

// Interim returns the interim-result channel consumed by the interruption path.
func (s *Stream) Interim() <-chan transcript.Event {
	return s.interim
}

// Final returns the final-result channel consumed by the turn pipeline.
func (s *Stream) Final() <-chan transcript.Event {
	return s.final
}

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Stream) readLoop() {
	defer close(s.interim)
	defer close(s.final)
	defer s.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
				s.logger.Warn("Transcription stream read failed", zap.Error(err))
			}
			return
		}

		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("Ignoring malformed transcription message", zap.Error(err))
			continue
		}
		if msg.Type != "transcript" || msg.Text == "" {
			continue
		}

		ev := transcript.Event{
			SessionID:  s.sessionID,
			Text:       msg.Text,
			IsFinal:    msg.IsFinal,
			Confidence: msg.Confidence,
			Timestamp:  time.Now(),
		}

		ch := s.interim
		if msg.IsFinal {
			ch = s.final
		}
		select {
		case ch <- ev:
		case <-s.done:
			return
		}
	}
}
