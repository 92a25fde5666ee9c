package session

import (
	"context"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/stt"
)

// STTSource adapts stt.Client to the TranscriptionSource interface.
type STTSource struct {
	client *stt.Client
}

// NewSTTSource wraps a transcription client.
func NewSTTSource(client *stt.Client) *STTSource {
	return &STTSource{client: client}
}

func (s *STTSource) Start(ctx context.Context, sessionID string) (TranscriptionStream, error) {
	return s.client.Start(ctx, sessionID)
}
