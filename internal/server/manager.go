// Package server multiplexes carrier WebSocket connections into call
// sessions. Raw audio and interruption detection ride a dedicated
// low-latency path; other application messages go through a bounded batch
// queue processed by a fixed-capacity worker pool.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/audio"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/carrier"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/pipeline"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/session"
	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

// Config tunes the connection manager.
type Config struct {
	BatchSize        int
	BatchWait        time.Duration
	WorkerCapacity   int
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        8,
		BatchWait:        50 * time.Millisecond,
		WorkerCapacity:   16,
		HandshakeTimeout: 10 * time.Second,
		SendTimeout:      5 * time.Second,
	}
}

// Stats is an aggregate snapshot of the manager's counters.
type Stats struct {
	ActiveSessions   int   `json:"active_sessions"`
	TotalConnections int64 `json:"total_connections"`
	Messages         int64 `json:"messages"`
	AudioFrames      int64 `json:"audio_frames"`
	Batches          int64 `json:"batches"`
	QueueDepth       int   `json:"queue_depth"`
}

type queuedMessage struct {
	sess *session.Session
	msg  *carrier.Message
}

// Manager accepts carrier connections and owns their sessions' lifecycles.
type Manager struct {
	registry   *session.Registry
	source     session.TranscriptionSource
	engine     session.TurnEngine
	synth      pipeline.Synthesizer
	persister  session.Persister
	sessionCfg session.Config
	cfg        Config

	upgrader websocket.Upgrader
	queue    chan queuedMessage
	workers  *semaphore.Weighted

	totalConnections atomic.Int64
	messages         atomic.Int64
	audioFrames      atomic.Int64
	batches          atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewManager creates a connection manager and starts its batch dispatcher.
func NewManager(registry *session.Registry, source session.TranscriptionSource, engine session.TurnEngine, synth pipeline.Synthesizer, persister session.Persister, sessionCfg session.Config, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:   registry,
		source:     source,
		engine:     engine,
		synth:      synth,
		persister:  persister,
		sessionCfg: sessionCfg,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		queue:   make(chan queuedMessage, cfg.BatchSize*32),
		workers: semaphore.NewWeighted(int64(cfg.WorkerCapacity)),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Get().Named("server"),
	}
	go m.dispatchBatches()
	return m
}

// Stats returns a snapshot of the aggregate counters.
func (m *Manager) Stats() Stats {
	return Stats{
		ActiveSessions:   m.registry.Len(),
		TotalConnections: m.totalConnections.Load(),
		Messages:         m.messages.Load(),
		AudioFrames:      m.audioFrames.Load(),
		Batches:          m.batches.Load(),
		QueueDepth:       len(m.queue),
	}
}

// Close stops the batch dispatcher and tears down every live session.
func (m *Manager) Close() {
	m.cancel()
	m.registry.Each(func(s *session.Session) {
		s.Teardown("server shutdown")
	})
}

// HandleConnection upgrades an HTTP request to a carrier media stream and
// serves it until the carrier stops. One socket is one call.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, kind carrier.Kind) {
	adapter, err := carrier.ForKind(kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	m.totalConnections.Add(1)

	sess, err := m.awaitStart(conn, adapter)
	if err != nil {
		m.logger.Warn("Carrier handshake failed", zap.Error(err))
		return
	}
	defer func() {
		sess.Teardown("connection closed")
		m.registry.Remove(sess.ID)
	}()

	go sess.Run()

	m.readLoop(conn, adapter, sess)
}

// awaitStart reads until the carrier's start event arrives. Tenant and
// agent context must resolve here, before the first media frame.
func (m *Manager) awaitStart(conn *websocket.Conn, adapter carrier.Adapter) (*session.Session, error) {
	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := adapter.ParseMessage(data)
		if err != nil {
			m.logger.Debug("Ignoring malformed pre-start message", zap.Error(err))
			continue
		}
		if msg.Type != carrier.EventStart {
			continue
		}

		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, err
		}

		transport := newWSTransport(conn, m.cfg.SendTimeout)
		sess, err := session.New(m.ctx, msg, adapter, transport, m.source, m.engine, m.synth, m.persister, m.sessionCfg)
		if err != nil {
			return nil, err
		}
		if !m.registry.Insert(sess) {
			sess.Teardown("duplicate call id")
			return nil, fmt.Errorf("duplicate call id %s", sess.ID)
		}
		m.logger.Info("Call connected",
			zap.String("call_id", sess.CallID),
			zap.String("carrier", string(adapter.Kind())),
		)
		return sess, nil
	}
}

// readLoop pumps inbound carrier messages. Media frames go straight to the
// session so transcription and barge-in detection never queue behind batch
// processing; everything else is enqueued.
func (m *Manager) readLoop(conn *websocket.Conn, adapter carrier.Adapter, sess *session.Session) {
	var seq uint64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn("Carrier socket failed",
					zap.String("call_id", sess.CallID),
					zap.Error(err),
				)
			}
			return
		}
		m.messages.Add(1)

		msg, err := adapter.ParseMessage(data)
		if err != nil {
			m.logger.Debug("Dropping malformed carrier message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case carrier.EventMedia:
			seq++
			m.audioFrames.Add(1)
			sess.HandleMedia(audio.Frame{
				Data:       msg.Audio,
				SampleRate: audio.CarrierSampleRate,
				Encoding:   adapter.Encoding(),
				Seq:        seq,
				SessionID:  sess.ID,
			})
		case carrier.EventStop:
			m.logger.Info("Carrier stop received", zap.String("call_id", sess.CallID))
			sess.Teardown("carrier stop")
			return
		default:
			select {
			case m.queue <- queuedMessage{sess: sess, msg: msg}:
			default:
				// Queue full; app messages are advisory, audio is not, so
				// drop rather than stall the read loop.
				m.logger.Warn("Batch queue full, dropping message",
					zap.String("call_id", sess.CallID),
					zap.String("type", string(msg.Type)),
				)
			}
		}
	}
}

// dispatchBatches drains the queue into batches bounded by size and wait
// time, then hands each batch to the worker pool.
func (m *Manager) dispatchBatches() {
	for {
		batch := m.collectBatch()
		if batch == nil {
			return
		}
		if len(batch) == 0 {
			continue
		}

		if err := m.workers.Acquire(m.ctx, 1); err != nil {
			return
		}
		go func(batch []queuedMessage) {
			defer m.workers.Release(1)
			m.processBatch(batch)
		}(batch)
	}
}

// collectBatch blocks for the first message, then gathers more until the
// batch fills or the wait window lapses. Returns nil on shutdown.
func (m *Manager) collectBatch() []queuedMessage {
	var batch []queuedMessage

	select {
	case first := <-m.queue:
		batch = append(batch, first)
	case <-m.ctx.Done():
		return nil
	}

	timer := time.NewTimer(m.cfg.BatchWait)
	defer timer.Stop()

	for len(batch) < m.cfg.BatchSize {
		select {
		case item := <-m.queue:
			batch = append(batch, item)
		case <-timer.C:
			return batch
		case <-m.ctx.Done():
			return batch
		}
	}
	return batch
}

func (m *Manager) processBatch(batch []queuedMessage) {
	m.batches.Add(1)
	for _, item := range batch {
		switch item.msg.Type {
		case carrier.EventMark:
			// Playback marks confirm the carrier drained our audio.
			item.sess.Touch()
		default:
			m.logger.Debug("Unhandled carrier message",
				zap.String("call_id", item.sess.CallID),
				zap.String("type", string(item.msg.Type)),
			)
		}
	}
}
