package carrier

import (
	"encoding/base64"
	"fmt"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/audio"
)

// TwilioAdapter speaks the Twilio Media Streams protocol: mu-law 8kHz
// frames, base64 payloads, and a "clear" event for aborting playback.
type TwilioAdapter struct{}

// NewTwilioAdapter returns the Twilio Media Streams adapter.
func NewTwilioAdapter() *TwilioAdapter {
	return &TwilioAdapter{}
}

func (a *TwilioAdapter) Kind() Kind { return KindTwilio }

func (a *TwilioAdapter) Encoding() audio.Encoding { return audio.EncodingMulaw }

type twilioMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
	Mark      *twilioMark  `json:"mark,omitempty"`
	Stop      *twilioStop  `json:"stop,omitempty"`
}

type twilioStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type twilioMedia struct {
	Payload string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type twilioStop struct {
	CallSid string `json:"callSid"`
}

// ParseMessage decodes one Twilio Media Streams message. Tenant and agent
// context ride in on the start event's custom parameters.
func (a *TwilioAdapter) ParseMessage(data []byte) (*Message, error) {
	var raw twilioMessage
	if err := jsonUnmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid twilio message: %w", err)
	}

	switch raw.Event {
	case "start":
		if raw.Start == nil {
			return nil, fmt.Errorf("twilio start event missing start block")
		}
		return &Message{
			Type:     EventStart,
			CallID:   raw.Start.CallSid,
			StreamID: raw.Start.StreamSid,
			TenantID: raw.Start.CustomParameters["tenant_id"],
			AgentID:  raw.Start.CustomParameters["agent_id"],
		}, nil
	case "media":
		if raw.Media == nil {
			return nil, fmt.Errorf("twilio media event missing media block")
		}
		frame, err := base64.StdEncoding.DecodeString(raw.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("invalid twilio media payload: %w", err)
		}
		return &Message{Type: EventMedia, StreamID: raw.StreamSid, Audio: frame}, nil
	case "stop":
		msg := &Message{Type: EventStop, StreamID: raw.StreamSid}
		if raw.Stop != nil {
			msg.CallID = raw.Stop.CallSid
		}
		return msg, nil
	case "mark":
		msg := &Message{Type: EventMark, StreamID: raw.StreamSid}
		if raw.Mark != nil {
			msg.Mark = raw.Mark.Name
		}
		return msg, nil
	default:
		return &Message{Type: EventOther, StreamID: raw.StreamSid}, nil
	}
}

// BuildConnectResponse returns nil; Twilio needs no reply to its start event.
func (a *TwilioAdapter) BuildConnectResponse(streamID string) ([]byte, error) {
	return nil, nil
}

func (a *TwilioAdapter) BuildMediaMessage(streamID string, frame []byte) ([]byte, error) {
	return marshal(twilioMessage{
		Event:     "media",
		StreamSid: streamID,
		Media:     &twilioMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

func (a *TwilioAdapter) BuildClearMessage(streamID string) ([]byte, error) {
	return marshal(map[string]string{
		"event":     "clear",
		"streamSid": streamID,
	})
}
