package carrier

import (
	"encoding/base64"
	"fmt"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/audio"
)

// VonageAdapter speaks the Vonage (Nexmo) WebSocket audio protocol.
// Vonage delivers 16-bit linear PCM rather than companded audio, expects a
// websocket:connected acknowledgment after start, and stops buffered
// playback with a buffer-flush control message.
type VonageAdapter struct{}

// NewVonageAdapter returns the Vonage audio socket adapter.
func NewVonageAdapter() *VonageAdapter {
	return &VonageAdapter{}
}

func (a *VonageAdapter) Kind() Kind { return KindVonage }

func (a *VonageAdapter) Encoding() audio.Encoding { return audio.EncodingPCM16 }

type vonageMessage struct {
	Event    string       `json:"event"`
	UUID     string       `json:"uuid,omitempty"`
	StreamID string       `json:"stream_id,omitempty"`
	Start    *vonageStart `json:"start,omitempty"`
	Media    *vonageMedia `json:"media,omitempty"`
}

type vonageStart struct {
	StreamID string            `json:"stream_id"`
	CallUUID string            `json:"call_uuid"`
	Headers  map[string]string `json:"headers"`
}

type vonageMedia struct {
	Payload string `json:"payload"`
}

func (a *VonageAdapter) ParseMessage(data []byte) (*Message, error) {
	var raw vonageMessage
	if err := jsonUnmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid vonage message: %w", err)
	}

	switch raw.Event {
	case "start":
		if raw.Start == nil {
			return nil, fmt.Errorf("vonage start event missing start block")
		}
		return &Message{
			Type:     EventStart,
			CallID:   raw.Start.CallUUID,
			StreamID: raw.Start.StreamID,
			TenantID: raw.Start.Headers["tenant_id"],
			AgentID:  raw.Start.Headers["agent_id"],
		}, nil
	case "media":
		if raw.Media == nil {
			return nil, fmt.Errorf("vonage media event missing media block")
		}
		frame, err := base64.StdEncoding.DecodeString(raw.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("invalid vonage media payload: %w", err)
		}
		return &Message{Type: EventMedia, StreamID: raw.StreamID, Audio: frame}, nil
	case "stop":
		return &Message{Type: EventStop, StreamID: raw.StreamID, CallID: raw.UUID}, nil
	default:
		return &Message{Type: EventOther, StreamID: raw.StreamID}, nil
	}
}

// BuildConnectResponse acknowledges the start event; Vonage holds media
// until it sees this.
func (a *VonageAdapter) BuildConnectResponse(streamID string) ([]byte, error) {
	return marshal(map[string]string{
		"event":     "websocket:connected",
		"stream_id": streamID,
	})
}

func (a *VonageAdapter) BuildMediaMessage(streamID string, frame []byte) ([]byte, error) {
	return marshal(vonageMessage{
		Event:    "media",
		StreamID: streamID,
		Media:    &vonageMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

func (a *VonageAdapter) BuildClearMessage(streamID string) ([]byte, error) {
	return marshal(map[string]string{
		"event":     "buffer:flush",
		"stream_id": streamID,
	})
}
