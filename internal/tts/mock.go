package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

// Synthesize emits a short burst of silence after a small delay, enough for
// clients to exercise their playback path without a real backend.
func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	// 100ms of silence.
	pcm := make([]byte, m.sampleRate/10*m.channels*2)
	return encodeWAV(pcm, m.sampleRate, m.channels)
}
