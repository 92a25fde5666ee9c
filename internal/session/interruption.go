package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/transcript"
)

// InterruptionController watches a session's interim transcript stream for
// barge-in while agent audio is playing. It runs concurrently with the turn
// pipeline and is the only collaborator allowed to flip the session's
// speaking flag from outside its turn goroutine.
type InterruptionController struct {
	session *Session
	cfg     Config
	logger  *zap.Logger
}

// NewInterruptionController creates a controller bound to one session.
func NewInterruptionController(s *Session, cfg Config) *InterruptionController {
	return &InterruptionController{
		session: s,
		cfg:     cfg,
		logger:  s.logger.Named("interrupt"),
	}
}

// Watch consumes interim events until the stream closes. Run in its own
// goroutine; it must never wait on the turn pipeline beyond the bounded
// cancellation acknowledgment.
func (c *InterruptionController) Watch(interim <-chan transcript.Event) {
	for ev := range interim {
		c.Handle(ev)
	}
}

// Handle applies the barge-in policy to one interim event:
//   - short fragments (breath, noise) are ignored
//   - echoes of the agent's own speech are ignored
//   - while speaking: clear signal first, then speaking off, then bounded
//     cancellation of the active synthesis
//   - the fragment is always recorded, speaking or not, to cover the race
//     right at end-of-speech
func (c *InterruptionController) Handle(ev transcript.Event) {
	if transcript.WordCount(ev.Text) < c.cfg.InterruptMinWords {
		return
	}
	if c.session.buffer.IsEcho(ev) {
		return
	}

	if c.session.Speaking() {
		c.interrupt(ev)
	}

	c.session.buffer.RecordInterruption(ev.Text, ev.Confidence, ev.Timestamp)
}

func (c *InterruptionController) interrupt(ev transcript.Event) {
	c.logger.Info("Barge-in detected", zap.String("fragment", ev.Text))
	c.session.setState(StateInterrupted)

	// The caller must hear silence immediately. The clear goes out before
	// and independent of internal cancellation.
	c.session.sendClear()
	c.session.speaking.Store(false)

	if active := c.session.activeSynthesis(); active != nil {
		start := time.Now()
		acked := active.CancelWait(c.cfg.CancelAckTimeout)
		if !acked {
			c.logger.Warn("Synthesis cancellation not acknowledged in time",
				zap.Duration("waited", time.Since(start)),
			)
		}
	}

	if c.session.State() == StateInterrupted {
		c.session.setState(StateListening)
	}
}
