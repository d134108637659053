// Package voice segments a raw PCM stream into utterances and hands each
// finished utterance to the speech recognizer.
package voice

import (
	"encoding/binary"
	"fmt"

	"github.com/nourmokhtar/evolvia/internal/config"
)

// Classifier decides whether one fixed-duration PCM frame contains speech.
type Classifier interface {
	IsSpeech(frame []byte, sampleRate int) bool
}

// NewClassifier builds the classifier selected by config.
func NewClassifier(cfg config.VoiceConfig) (Classifier, error) {
	switch cfg.VADMode {
	case "", "energy":
		return &energyClassifier{threshold: cfg.EnergyThreshold}, nil
	case "mock":
		return &mockClassifier{}, nil
	default:
		return nil, fmt.Errorf("unknown vad mode %q", cfg.VADMode)
	}
}

// energyClassifier flags a frame as speech when its mean absolute amplitude
// exceeds a fixed threshold. Crude next to a real VAD, but it has no
// dependencies and behaves predictably on 16-bit mono input.
type energyClassifier struct {
	threshold int
}

func (c *energyClassifier) IsSpeech(frame []byte, _ int) bool {
	if len(frame) < 2 {
		return false
	}
	var total int64
	count := len(frame) / 2
	for i := 0; i < count; i++ {
		sample := int64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		if sample < 0 {
			sample = -sample
		}
		total += sample
	}
	return total/int64(count) > int64(c.threshold)
}

// mockClassifier treats any frame with a nonzero sample as speech.
type mockClassifier struct{}

func (c *mockClassifier) IsSpeech(frame []byte, _ int) bool {
	for _, b := range frame {
		if b != 0 {
			return true
		}
	}
	return false
}
