// Package carrier abstracts the per-provider details of a telephony media
// stream: wire audio encoding, the connect handshake response, and the
// control message that aborts in-flight playback. One CallSession and one
// pipeline serve every carrier; only this adapter set differs.
package carrier

import (
	"encoding/json"
	"fmt"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/audio"
)

// Kind identifies a telephony provider.
type Kind string

const (
	KindTwilio Kind = "twilio"
	KindVonage Kind = "vonage"
)

// Adapter is the capability set a provider integration implements.
type Adapter interface {
	// Kind returns the provider this adapter serves.
	Kind() Kind
	// Encoding returns the provider's wire audio encoding.
	Encoding() audio.Encoding
	// ParseMessage decodes one inbound WebSocket text message.
	ParseMessage(data []byte) (*Message, error)
	// BuildConnectResponse returns the message, if any, the provider expects
	// after its start event before media flows.
	BuildConnectResponse(streamID string) ([]byte, error)
	// BuildMediaMessage wraps one outbound audio frame (already in wire
	// encoding, base64 applied here) for playback.
	BuildMediaMessage(streamID string, frame []byte) ([]byte, error)
	// BuildClearMessage returns the control message that makes the provider
	// drop any audio it has buffered but not yet played.
	BuildClearMessage(streamID string) ([]byte, error)
}

// EventType classifies inbound carrier messages.
type EventType string

const (
	EventStart EventType = "start"
	EventMedia EventType = "media"
	EventStop  EventType = "stop"
	EventMark  EventType = "mark"
	EventOther EventType = "other"
)

// Message is one decoded inbound carrier message, provider differences
// already normalized away.
type Message struct {
	Type     EventType
	CallID   string
	StreamID string
	TenantID string
	AgentID  string
	// Audio is the decoded (base64-removed) wire-encoded frame for media events.
	Audio []byte
	// Mark is the mark label for mark events.
	Mark string
}

// ForKind returns the adapter for a provider kind.
func ForKind(kind Kind) (Adapter, error) {
	switch kind {
	case KindTwilio:
		return NewTwilioAdapter(), nil
	case KindVonage:
		return NewVonageAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown carrier kind %q", kind)
	}
}

func marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal carrier message: %w", err)
	}
	return data, nil
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
