// Package teacher turns student input into structured teaching turns: it
// builds prompts, calls the model backend, and decodes the raw output into
// speech plus board actions through a tolerant repair chain.
package teacher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nourmokhtar/evolvia/internal/config"
	"github.com/nourmokhtar/evolvia/internal/language"
	"github.com/nourmokhtar/evolvia/internal/llm"
	"github.com/nourmokhtar/evolvia/internal/protocol"
)

const systemPrompt = "You are a patient AI teacher. Detect the language of the user's input and respond in that SAME language. Generate responses with exactly two parts: BOARD and SPEECH. Generate BOARD ACTIONS FIRST. Follow the exact format requested."

const (
	quizSpeech      = "It's time to test your knowledge"
	flashcardSpeech = "I've prepared some flashcards to help you memorize the key concepts. Flip them over to see if you can define them yourself!"
)

// TurnInput carries everything one teaching turn needs from the session.
type TurnInput struct {
	SessionID       string
	StepID          int
	LessonContext   string
	StudentInput    string
	LastCheckpoint  string
	Difficulty      int
	Interruptions   int
	History         []protocol.HistoryEntry
	SessionLanguage string
}

// Response is a fully decoded teaching turn.
type Response struct {
	Speech   string
	Actions  []protocol.BoardAction
	Language string // detected session language name
	ISO      string // synthesis language code
}

// Engine orchestrates prompt building, model calls, and response parsing.
// Provider failures never propagate; the engine falls back to a
// deterministic mock turn so the session keeps flowing.
type Engine struct {
	gen llm.Generator
	det *language.Detector
	cfg config.LLMConfig
	log *slog.Logger
}

func NewEngine(gen llm.Generator, det *language.Detector, cfg config.LLMConfig, logger *slog.Logger) *Engine {
	return &Engine{
		gen: gen,
		det: det,
		cfg: cfg,
		log: logger.With(slog.String("component", "teacher")),
	}
}

func (e *Engine) complete(ctx context.Context, sessionID, prompt, system string) (string, error) {
	req := llm.Request{
		SessionID:   sessionID,
		Prompt:      prompt,
		System:      system,
		Tier:        e.cfg.DefaultTier,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}
	var b strings.Builder
	err := e.gen.Generate(ctx, req, func(chunk llm.Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Respond produces the teaching turn for a regular user message.
func (e *Engine) Respond(ctx context.Context, in TurnInput) Response {
	detected := e.det.Detect(in.StudentInput, in.SessionLanguage)

	prompt := buildTurnPrompt(in, detected)
	raw, err := e.complete(ctx, in.SessionID, prompt, systemPrompt)
	if err != nil || strings.TrimSpace(raw) == "" {
		if err != nil {
			e.log.Warn("model call failed, using mock turn",
				slog.String("session_id", in.SessionID),
				slog.String("error", err.Error()))
		}
		raw = mockTurnResponse(in.StudentInput)
	}

	parsed := ParseTurnResponse(raw)
	return Response{
		Speech:   parsed.Speech,
		Actions:  parsed.Actions,
		Language: detected,
		ISO:      ISOCode(detected),
	}
}

// Quiz produces a summary plus quiz turn. Quizzes are always English and
// close with a fixed speech line.
func (e *Engine) Quiz(ctx context.Context, in TurnInput) Response {
	prompt := buildQuizPrompt(in)
	raw, err := e.complete(ctx, in.SessionID, prompt, systemPrompt)
	if err != nil || strings.TrimSpace(raw) == "" {
		if err != nil {
			e.log.Warn("quiz model call failed, using mock turn",
				slog.String("session_id", in.SessionID),
				slog.String("error", err.Error()))
		}
		raw = mockTurnResponse("[QUIZ GENERATION]")
	}

	parsed := ParseTurnResponse(raw)
	actions := parsed.Actions

	// the prompt demands SHOW_QUIZ, but a bare questions object still counts
	if !hasQuizAction(actions) {
		if m := quizObjectRe.FindString(raw); m != "" {
			if entries, err := decodeEntries(`[{"kind": "SHOW_QUIZ", "payload": ` + m + `}]`); err == nil {
				for _, entry := range entries {
					if action, ok := normalizeAction(entry); ok {
						actions = append(actions, action)
					}
				}
			}
		}
	}

	speech := parsed.Speech
	if speech == "" || len(actions) > 0 {
		speech = quizSpeech
	}
	return Response{Speech: speech, Actions: actions, Language: language.English, ISO: "en"}
}

// Flashcards produces a card-deck turn in the session language.
func (e *Engine) Flashcards(ctx context.Context, in TurnInput) Response {
	lang := in.SessionLanguage
	if lang == "" {
		lang = language.English
	}

	prompt := buildFlashcardPrompt(in, lang)
	raw, err := e.complete(ctx, in.SessionID, prompt, systemPrompt)
	if err != nil || strings.TrimSpace(raw) == "" {
		if err != nil {
			e.log.Warn("flashcard model call failed, using mock turn",
				slog.String("session_id", in.SessionID),
				slog.String("error", err.Error()))
		}
		raw = mockTurnResponse("[FLASHCARD GENERATION]")
	}

	parsed := ParseTurnResponse(raw)
	speech := parsed.Speech
	if speech == "" {
		speech = flashcardSpeech
	}
	return Response{Speech: speech, Actions: parsed.Actions, Language: lang, ISO: ISOCode(lang)}
}

// GenerateTitle asks the model for a 3-5 word session title from recent
// history. Callers treat failures as best-effort and keep the old title.
func (e *Engine) GenerateTitle(ctx context.Context, sessionID string, history []protocol.HistoryEntry) (string, error) {
	raw, err := e.complete(ctx, sessionID, buildTitlePrompt(history), "")
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := strings.Trim(strings.TrimSpace(raw), `"*`)
	// drop a "Title:" style prefix if the model ignored instructions
	if idx := strings.Index(title, ":"); idx >= 0 && idx < 10 {
		title = strings.TrimSpace(title[idx+1:])
	}
	if title == "" {
		title = "New Discussion"
	}
	return title, nil
}
