// Package tts abstracts text-to-speech backends. A turn's audio travels as
// one WAV payload, so a Synthesizer returns the whole container at once.
package tts

import (
	"context"
	"fmt"

	"github.com/nourmokhtar/evolvia/internal/config"
)

// Request contains parameters to synthesize speech for one turn.
type Request struct {
	SessionID string
	Text      string
	Language  string // ISO code, e.g. "en", "fr"
	Voice     string
}

// Synthesizer produces a complete WAV payload for the given text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// NewSynthesizer builds the backend selected by config.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
