package protocol

import "time"

// Transcript is a finished voice utterance broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnRecord summarizes one completed teaching turn for bus observers.
type TurnRecord struct {
	SessionID   string    `json:"session_id"`
	StepID      int       `json:"step_id"`
	Speech      string    `json:"speech"`
	ActionCount int       `json:"action_count"`
	Language    string    `json:"language,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptFinal = "learn.transcript.final"
	SubjectTurnCompleted   = "learn.turn.completed"
	SubjectSessionCreated  = "learn.session.created"
	SubjectSessionDeleted  = "learn.session.deleted"
)
