// Package stt abstracts speech-to-text backends. Utterance segmentation is
// the voice pipeline's job; a Recognizer only turns one finished utterance
// of PCM into text.
package stt

import (
	"context"
	"fmt"

	"github.com/nourmokhtar/evolvia/internal/config"
)

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer transcribes one mono 16-bit PCM utterance.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, lang string) (Result, error)
}

// NewRecognizer builds the backend selected by config.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
