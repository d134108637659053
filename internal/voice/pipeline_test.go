package voice

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/nourmokhtar/evolvia/internal/config"
	"github.com/nourmokhtar/evolvia/internal/stt"
)

type fakeRecognizer struct {
	text  string
	calls int
	pcm   []byte
}

func (f *fakeRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ string) (stt.Result, error) {
	f.calls++
	f.pcm = append([]byte(nil), pcm...)
	return stt.Result{Text: f.text}, nil
}

func testVoiceConfig() config.VoiceConfig {
	return config.VoiceConfig{
		SampleRate:      16000,
		FrameDurationMS: 30,
		SilenceFrames:   10,
		AutoFinish:      true,
		VADMode:         "energy",
		EnergyThreshold: 500,
	}
}

func speechFrame(size int) []byte {
	frame := make([]byte, size)
	for i := 0; i < size/2; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(int16(2000)))
	}
	return frame
}

func newTestPipeline(t *testing.T, cfg config.VoiceConfig, rec stt.Recognizer) *Pipeline {
	t.Helper()
	classifier, err := NewClassifier(cfg)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	return NewPipeline(cfg, classifier, rec, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestPipelineAutoSegmentsOneUtterance(t *testing.T) {
	cfg := testVoiceConfig()
	rec := &fakeRecognizer{text: "hello there"}
	p := newTestPipeline(t, cfg, rec)

	frameSize := cfg.SampleRate * cfg.FrameDurationMS / 1000 * 2
	speech := speechFrame(frameSize)
	silence := make([]byte, frameSize)

	ctx := context.Background()
	const speechFrames = 5
	for i := 0; i < speechFrames; i++ {
		text, err := p.AddChunk(ctx, speech, "en")
		if err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		if text != "" {
			t.Fatalf("utterance closed too early at frame %d", i)
		}
	}
	if !p.Recording() {
		t.Fatal("expected pipeline to be recording after speech frames")
	}

	var got string
	for i := 0; i < cfg.SilenceFrames; i++ {
		text, err := p.AddChunk(ctx, silence, "en")
		if err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		if text != "" {
			got = text
		}
	}
	if got != "hello there" {
		t.Fatalf("expected transcript, got %q", got)
	}
	if rec.calls != 1 {
		t.Fatalf("expected exactly one transcription call, got %d", rec.calls)
	}
	wantBytes := (speechFrames + cfg.SilenceFrames) * frameSize
	if len(rec.pcm) != wantBytes {
		t.Fatalf("expected %d recorded bytes, got %d", wantBytes, len(rec.pcm))
	}
	if p.Recording() {
		t.Fatal("expected recording state to reset after utterance")
	}

	// Trailing silence must not trigger another transcription.
	for i := 0; i < cfg.SilenceFrames*2; i++ {
		text, err := p.AddChunk(ctx, silence, "en")
		if err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		if text != "" {
			t.Fatalf("unexpected transcript %q from silence", text)
		}
	}
	if rec.calls != 1 {
		t.Fatalf("expected one transcription call, got %d", rec.calls)
	}
}

func TestPipelineBuffersPartialFrames(t *testing.T) {
	cfg := testVoiceConfig()
	rec := &fakeRecognizer{text: "x"}
	p := newTestPipeline(t, cfg, rec)

	frameSize := cfg.SampleRate * cfg.FrameDurationMS / 1000 * 2
	speech := speechFrame(frameSize)

	// Feed half a frame: nothing should be classified yet.
	if _, err := p.AddChunk(context.Background(), speech[:frameSize/2], "en"); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if p.Recording() {
		t.Fatal("half a frame must not start recording")
	}
	if _, err := p.AddChunk(context.Background(), speech[frameSize/2:], "en"); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if !p.Recording() {
		t.Fatal("expected recording once a full speech frame arrived")
	}
}

func TestPipelineManualMode(t *testing.T) {
	cfg := testVoiceConfig()
	cfg.AutoFinish = false
	rec := &fakeRecognizer{text: "manual capture"}
	p := newTestPipeline(t, cfg, rec)

	frameSize := cfg.SampleRate * cfg.FrameDurationMS / 1000 * 2
	speech := speechFrame(frameSize)
	silence := make([]byte, frameSize)
	ctx := context.Background()

	// Without an explicit start, speech frames are ignored.
	if _, err := p.AddChunk(ctx, speech, "en"); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if p.Recording() {
		t.Fatal("manual mode must not auto-start recording")
	}

	p.StartRecording()
	for i := 0; i < 3; i++ {
		if _, err := p.AddChunk(ctx, speech, "en"); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
	}
	// Far past the silence threshold: manual mode never auto-stops.
	for i := 0; i < cfg.SilenceFrames*3; i++ {
		text, err := p.AddChunk(ctx, silence, "en")
		if err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		if text != "" {
			t.Fatalf("manual mode auto-closed an utterance: %q", text)
		}
	}

	text, err := p.EndRecording(ctx, "en")
	if err != nil {
		t.Fatalf("EndRecording: %v", err)
	}
	if text != "manual capture" {
		t.Fatalf("expected transcript, got %q", text)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one transcription call, got %d", rec.calls)
	}
	if p.Recording() {
		t.Fatal("expected recording state cleared after manual end")
	}
}

func TestPipelineEndRecordingWithoutStart(t *testing.T) {
	cfg := testVoiceConfig()
	rec := &fakeRecognizer{text: "noise"}
	p := newTestPipeline(t, cfg, rec)

	text, err := p.EndRecording(context.Background(), "en")
	if err != nil {
		t.Fatalf("EndRecording: %v", err)
	}
	if text != "" || rec.calls != 0 {
		t.Fatalf("expected no transcription, got %q (%d calls)", text, rec.calls)
	}
}

func TestIsHallucination(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Thank you.", true},
		{"Transcribed by ESO", true},
		{"字幕 by someone", true},
		{"thank you very much for the detailed explanation of goroutines", false},
		{"what is a goroutine", false},
	}
	for _, tt := range tests {
		if got := isHallucination(tt.text); got != tt.want {
			t.Errorf("isHallucination(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestPipelineFiltersHallucinatedTranscripts(t *testing.T) {
	for _, phrase := range []string{"Thank you.", "you", " THANKS "} {
		cfg := testVoiceConfig()
		rec := &fakeRecognizer{text: phrase}
		p := newTestPipeline(t, cfg, rec)

		p.StartRecording()
		frameSize := cfg.SampleRate * cfg.FrameDurationMS / 1000 * 2
		if _, err := p.AddChunk(context.Background(), speechFrame(frameSize), "en"); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		text, err := p.EndRecording(context.Background(), "en")
		if err != nil {
			t.Fatalf("EndRecording: %v", err)
		}
		if text != "" {
			t.Fatalf("expected %q to be filtered, got %q", phrase, text)
		}
	}
}

func TestEnergyClassifier(t *testing.T) {
	classifier := &energyClassifier{threshold: 500}
	frameSize := 960
	if !classifier.IsSpeech(speechFrame(frameSize), 16000) {
		t.Fatal("expected loud frame to classify as speech")
	}
	if classifier.IsSpeech(make([]byte, frameSize), 16000) {
		t.Fatal("expected silent frame to classify as silence")
	}
}
