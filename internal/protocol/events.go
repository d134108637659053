package protocol

import (
	"encoding/json"
	"fmt"
)

// SessionStatus is the session state machine's externally visible state.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "IDLE"
	StatusTeaching  SessionStatus = "TEACHING"
	StatusPaused    SessionStatus = "PAUSED"
	StatusAnswering SessionStatus = "ANSWERING"
	StatusResuming  SessionStatus = "RESUMING"
)

// Inbound event type tags.
const (
	TypeStartLesson       = "START_LESSON"
	TypeUserMessage       = "USER_MESSAGE"
	TypeInterrupt         = "INTERRUPT"
	TypeResume            = "RESUME"
	TypeChangeDifficulty  = "CHANGE_DIFFICULTY"
	TypeToggleVoice       = "TOGGLE_VOICE"
	TypeRequestQuiz       = "REQUEST_QUIZ"
	TypeRequestFlashcards = "REQUEST_FLASHCARDS"
)

// Outbound event type tags.
const (
	TypeStatus             = "STATUS"
	TypeTeacherTextDelta   = "TEACHER_TEXT_DELTA"
	TypeTeacherTextFinal   = "TEACHER_TEXT_FINAL"
	TypeBoardAction        = "BOARD_ACTION"
	TypeCheckpoint         = "CHECKPOINT"
	TypeError              = "ERROR"
	TypeHistory            = "HISTORY"
	TypeVoiceTranscription = "VOICE_TRANSCRIPTION"
)

// InboundEvent is the closed set of client commands. New kinds are added by
// extending the variant set and DecodeInbound, nowhere else.
type InboundEvent interface {
	inbound()
}

type StartLesson struct {
	LessonRef         string `json:"lesson_id"`
	UserRef           string `json:"user_id,omitempty"`
	InitialDifficulty int    `json:"initial_difficulty,omitempty"`
	Language          string `json:"language,omitempty"`
}

type UserMessage struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	StepID    int    `json:"step_id,omitempty"`
}

type Interrupt struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Text      string `json:"text,omitempty"`
}

type Resume struct {
	SessionID string `json:"session_id"`
	StepID    int    `json:"step_id"`
}

type ChangeDifficulty struct {
	SessionID string `json:"session_id"`
	Level     int    `json:"level"`
}

// ToggleVoice switches the voice pipeline between manual start/stop.
type ToggleVoice struct {
	Action string `json:"action"` // start or stop
}

type RequestQuiz struct {
	SessionID string `json:"session_id"`
}

type RequestFlashcards struct {
	SessionID string `json:"session_id"`
}

func (StartLesson) inbound()       {}
func (UserMessage) inbound()       {}
func (Interrupt) inbound()         {}
func (Resume) inbound()            {}
func (ChangeDifficulty) inbound()  {}
func (ToggleVoice) inbound()       {}
func (RequestQuiz) inbound()       {}
func (RequestFlashcards) inbound() {}

// DecodeError reports an inbound message that could not be decoded. The
// gateway answers it with an ERROR event and keeps the loop running.
type DecodeError struct {
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q event: %v", e.EventType, e.Err)
	}
	return fmt.Sprintf("unknown event type %q", e.EventType)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeInbound parses a client JSON message into its typed variant.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, &DecodeError{Err: err}
	}

	unmarshal := func(v InboundEvent) (InboundEvent, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, &DecodeError{EventType: tag.Type, Err: err}
		}
		return v, nil
	}

	switch tag.Type {
	case TypeStartLesson:
		return unmarshal(&StartLesson{})
	case TypeUserMessage:
		return unmarshal(&UserMessage{})
	case TypeInterrupt:
		return unmarshal(&Interrupt{})
	case TypeResume:
		return unmarshal(&Resume{})
	case TypeChangeDifficulty:
		return unmarshal(&ChangeDifficulty{})
	case TypeToggleVoice:
		return unmarshal(&ToggleVoice{})
	case TypeRequestQuiz:
		return unmarshal(&RequestQuiz{})
	case TypeRequestFlashcards:
		return unmarshal(&RequestFlashcards{})
	default:
		return nil, &DecodeError{EventType: tag.Type}
	}
}

// HistoryEntry is one past exchange replayed to a reconnecting client.
type HistoryEntry struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Outbound events. Each struct carries its own type tag so a single
// json.Marshal produces the wire form.

type Status struct {
	Type            string        `json:"type"`
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	DifficultyLevel int           `json:"difficulty_level,omitempty"`
	DifficultyTitle string        `json:"difficulty_title,omitempty"`
	Progress        float64       `json:"progress"`
	Message         string        `json:"message,omitempty"`
}

type TeacherTextDelta struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Delta     string `json:"delta"`
}

type TeacherTextFinal struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"session_id"`
	Text         string        `json:"text"`
	BoardActions []BoardAction `json:"board_actions"`
}

type BoardActionEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Action    BoardAction `json:"action"`
}

type Checkpoint struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	StepID       int    `json:"step_id"`
	ShortSummary string `json:"short_summary"`
}

type ErrorEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type History struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	History   []HistoryEntry `json:"history"`
}

type VoiceTranscription struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}
