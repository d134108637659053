package voice

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nourmokhtar/evolvia/internal/config"
	"github.com/nourmokhtar/evolvia/internal/stt"
)

// Phrases whisper-style models produce on near-silent input. Exact matches
// are dropped instead of being fed back into the session as a user message.
var hallucinatedPhrases = map[string]struct{}{
	"you":        {},
	"you.":       {},
	"thank you":  {},
	"thank you.": {},
	"thanks":     {},
	"thanks.":    {},
	"than k u":   {},
	"than k u.":  {},
}

// Fragments that only ever show up in silence hallucinations, including the
// recurring Chinese "hello professor" transcript and subtitle credits. Short
// results containing one of these are discarded wholesale.
var hallucinatedFragments = []string{
	"哈啰",
	"先生",
	"教授",
	"帮你拍一张照片",
	"字幕",
	"感谢",
	"transcribed by",
}

const hallucinationMaxLen = 30

// Pipeline accumulates PCM frames for one connection and triggers
// transcription when an utterance ends. It is owned exclusively by its
// connection's message loop and is not safe for concurrent use.
type Pipeline struct {
	classifier Classifier
	recognizer stt.Recognizer
	cfg        config.VoiceConfig
	log        *slog.Logger

	frameSize     int
	buffer        []byte
	recorded      []byte
	recording     bool
	silenceFrames int
}

func NewPipeline(cfg config.VoiceConfig, classifier Classifier, recognizer stt.Recognizer, log *slog.Logger) *Pipeline {
	return &Pipeline{
		classifier: classifier,
		recognizer: recognizer,
		cfg:        cfg,
		log:        log.With(slog.String("component", "voice")),
		// 16-bit mono samples.
		frameSize: cfg.SampleRate * cfg.FrameDurationMS / 1000 * 2,
	}
}

// Recording reports whether an utterance is currently being captured.
func (p *Pipeline) Recording() bool {
	return p.recording
}

// AddChunk feeds raw PCM into the pipeline. When automatic segmentation
// closes an utterance the transcribed text is returned; otherwise the result
// is empty.
func (p *Pipeline) AddChunk(ctx context.Context, chunk []byte, lang string) (string, error) {
	p.buffer = append(p.buffer, chunk...)

	for len(p.buffer) >= p.frameSize {
		frame := p.buffer[:p.frameSize]
		p.buffer = p.buffer[p.frameSize:]

		isSpeech := p.classifier.IsSpeech(frame, p.cfg.SampleRate)

		if isSpeech {
			if !p.recording && p.cfg.AutoFinish {
				p.log.Debug("speech detected, recording started")
				p.recording = true
				p.recorded = nil
			}
			if p.recording {
				p.recorded = append(p.recorded, frame...)
				p.silenceFrames = 0
			}
			continue
		}

		if !p.recording {
			continue
		}
		p.recorded = append(p.recorded, frame...)
		p.silenceFrames++
		if p.cfg.AutoFinish && p.silenceFrames >= p.cfg.SilenceFrames {
			p.log.Debug("silence threshold reached, closing utterance")
			text, err := p.finishUtterance(ctx, lang)
			p.recording = false
			if err != nil {
				return "", err
			}
			return text, nil
		}
	}
	return "", nil
}

// StartRecording begins manual capture, discarding stale buffered audio.
func (p *Pipeline) StartRecording() {
	if p.recording {
		return
	}
	p.log.Debug("manual recording started")
	p.recording = true
	p.recorded = nil
	p.buffer = nil
	p.silenceFrames = 0
}

// EndRecording closes a manual capture and transcribes whatever was recorded.
func (p *Pipeline) EndRecording(ctx context.Context, lang string) (string, error) {
	if !p.recording {
		return "", nil
	}
	p.log.Debug("manual recording ended", slog.Int("bytes", len(p.recorded)))
	text, err := p.finishUtterance(ctx, lang)
	p.recording = false
	return text, err
}

func (p *Pipeline) finishUtterance(ctx context.Context, lang string) (string, error) {
	pcm := p.recorded
	p.recorded = nil
	p.silenceFrames = 0
	if len(pcm) == 0 {
		return "", nil
	}

	result, err := p.recognizer.Transcribe(ctx, pcm, p.cfg.SampleRate, lang)
	if err != nil {
		return "", err
	}
	if isHallucination(result.Text) {
		p.log.Debug("dropped hallucinated transcript", slog.String("text", result.Text))
		return "", nil
	}
	return result.Text, nil
}

func isHallucination(text string) bool {
	trimmed := strings.TrimSpace(text)
	if _, ok := hallucinatedPhrases[strings.ToLower(trimmed)]; ok {
		return true
	}
	if len(trimmed) >= hallucinationMaxLen {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, fragment := range hallucinatedFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
