package session

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/nourmokhtar/evolvia/internal/protocol"
)

const (
	MinDifficulty = 1
	MaxDifficulty = 5

	// nominalSteps is the lesson length assumed when reporting progress.
	nominalSteps = 10
)

var difficultyTitles = map[int]string{
	1: "Beginner",
	2: "Elementary",
	3: "Intermediate",
	4: "Advanced",
	5: "Expert",
}

// DifficultyTitle maps a difficulty level to its display name.
func DifficultyTitle(level int) string {
	if title, ok := difficultyTitles[level]; ok {
		return title
	}
	return "Beginner"
}

// InvalidTransitionError reports a state machine call made from a state it
// does not accept. It indicates a protocol-layer bug, not user input.
type InvalidTransitionError struct {
	Op        string
	From      protocol.SessionStatus
	Attempted protocol.SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from %s to %s", e.Op, e.From, e.Attempted)
}

// Checkpoint marks resumable progress at a given step.
type Checkpoint struct {
	StepID  int    `json:"step_id"`
	Summary string `json:"summary"`
}

// Record is the persistable snapshot of a session. The store round-trips it
// as a whole; the registry rehydrates a State from it.
type Record struct {
	ID                 string                  `json:"id"`
	LessonRef          string                  `json:"lesson_ref"`
	UserRef            string                  `json:"user_ref"`
	Status             protocol.SessionStatus  `json:"status"`
	StepCounter        int                     `json:"step_counter"`
	Difficulty         int                     `json:"difficulty"`
	Interruptions      int                     `json:"interruptions"`
	Language           string                  `json:"language"`
	History            []protocol.HistoryEntry `json:"history"`
	CheckpointSummary  string                  `json:"checkpoint_summary,omitempty"`
	Checkpoints        []Checkpoint            `json:"checkpoints,omitempty"`
	UploadedDocument   string                  `json:"uploaded_document,omitempty"`
	QuizArtifacts      []protocol.Payload      `json:"quiz_artifacts,omitempty"`
	FlashcardArtifacts []protocol.Payload      `json:"flashcard_artifacts,omitempty"`
	CustomTitle        string                  `json:"custom_title,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
	LastActivityAt     time.Time               `json:"last_activity_at"`
}

// State is one live tutoring session. All mutation goes through its methods;
// the status field only changes via the transition rules below.
type State struct {
	mu sync.Mutex

	id        string
	lessonRef string
	userRef   string

	status        protocol.SessionStatus
	stepCounter   int
	difficulty    int
	interruptions int
	language      string

	historyLimit int
	history      []protocol.HistoryEntry

	checkpointSummary string
	checkpoints       []Checkpoint

	uploadedDocument   string
	quizArtifacts      []protocol.Payload
	flashcardArtifacts []protocol.Payload

	customTitle    string
	createdAt      time.Time
	lastActivityAt time.Time

	now func() time.Time
}

func newState(id, lessonRef, userRef string, difficulty int, language string, historyLimit int, now func() time.Time) *State {
	if difficulty < MinDifficulty || difficulty > MaxDifficulty {
		difficulty = MinDifficulty
	}
	ts := now()
	return &State{
		id:             id,
		lessonRef:      lessonRef,
		userRef:        userRef,
		status:         protocol.StatusIdle,
		difficulty:     difficulty,
		language:       language,
		historyLimit:   historyLimit,
		createdAt:      ts,
		lastActivityAt: ts,
		now:            now,
	}
}

func stateFromRecord(rec *Record, historyLimit int, now func() time.Time) *State {
	st := &State{
		id:                 rec.ID,
		lessonRef:          rec.LessonRef,
		userRef:            rec.UserRef,
		status:             rec.Status,
		stepCounter:        rec.StepCounter,
		difficulty:         rec.Difficulty,
		interruptions:      rec.Interruptions,
		language:           rec.Language,
		historyLimit:       historyLimit,
		checkpointSummary:  rec.CheckpointSummary,
		checkpoints:        append([]Checkpoint(nil), rec.Checkpoints...),
		uploadedDocument:   rec.UploadedDocument,
		quizArtifacts:      append([]protocol.Payload(nil), rec.QuizArtifacts...),
		flashcardArtifacts: append([]protocol.Payload(nil), rec.FlashcardArtifacts...),
		customTitle:        rec.CustomTitle,
		createdAt:          rec.CreatedAt,
		lastActivityAt:     rec.LastActivityAt,
		now:                now,
	}
	if st.status == "" {
		st.status = protocol.StatusIdle
	}
	if st.difficulty < MinDifficulty || st.difficulty > MaxDifficulty {
		st.difficulty = MinDifficulty
	}
	// keep only the most recent bounded window in memory
	hist := rec.History
	if historyLimit > 0 && len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	st.history = append([]protocol.HistoryEntry(nil), hist...)
	return st
}

func (s *State) ID() string        { return s.id }
func (s *State) LessonRef() string { return s.lessonRef }
func (s *State) UserRef() string   { return s.userRef }

func (s *State) Status() protocol.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepCounter
}

func (s *State) Difficulty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

func (s *State) Interruptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptions
}

func (s *State) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

func (s *State) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lang != "" {
		s.language = lang
	}
}

// Progress reports fractional lesson progress in [0,1].
func (s *State) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := float64(s.stepCounter) / nominalSteps
	if p > 1 {
		p = 1
	}
	return p
}

// Start begins (or restarts) teaching. Valid from IDLE and ANSWERING.
func (s *State) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case protocol.StatusIdle, protocol.StatusAnswering:
	default:
		return &InvalidTransitionError{Op: "start", From: s.status, Attempted: protocol.StatusTeaching}
	}
	s.status = protocol.StatusTeaching
	s.stepCounter = 0
	s.interruptions = 0
	s.touchLocked()
	return nil
}

// Pause records an interruption. Valid from any state; a repeated pause only
// bumps the interruption count. Difficulty drops one level from the second
// interruption onward, never below the minimum.
func (s *State) Pause(reason string) {
	_ = reason
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == protocol.StatusPaused {
		s.interruptions++
		s.touchLocked()
		return
	}
	s.status = protocol.StatusPaused
	s.interruptions++
	if s.interruptions > 1 && s.difficulty > MinDifficulty {
		s.difficulty--
	}
	s.touchLocked()
}

// Resume is the guarded recovery path out of PAUSED.
func (s *State) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != protocol.StatusPaused {
		return &InvalidTransitionError{Op: "resume", From: s.status, Attempted: protocol.StatusResuming}
	}
	s.status = protocol.StatusResuming
	s.touchLocked()
	return nil
}

// ContinueTeaching returns to TEACHING after a resume or an answered question.
func (s *State) ContinueTeaching() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case protocol.StatusResuming, protocol.StatusAnswering:
	default:
		return &InvalidTransitionError{Op: "continue_teaching", From: s.status, Attempted: protocol.StatusTeaching}
	}
	s.status = protocol.StatusTeaching
	s.touchLocked()
	return nil
}

// WaitForAnswer moves to ANSWERING unconditionally; a user may always speak.
func (s *State) WaitForAnswer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = protocol.StatusAnswering
	s.touchLocked()
}

func (s *State) NextStep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepCounter++
	s.touchLocked()
}

func (s *State) SetCheckpoint(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, Checkpoint{StepID: s.stepCounter, Summary: summary})
	s.checkpointSummary = summary
	s.touchLocked()
}

func (s *State) CheckpointSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointSummary
}

func (s *State) Checkpoints() []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Checkpoint(nil), s.checkpoints...)
}

// HandleQuizResult records nothing: automatic difficulty moves on quiz
// answers are disabled. The method stays so the gateway's quiz-result path
// and its status re-broadcast remain in place.
func (s *State) HandleQuizResult(correct bool) {
	_ = correct
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

// SetDifficulty sets the level if it is in range, otherwise leaves it alone.
func (s *State) SetDifficulty(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level >= MinDifficulty && level <= MaxDifficulty {
		s.difficulty = level
		s.touchLocked()
	}
}

// AppendHistory records one exchange entry, evicting the oldest past the bound.
func (s *State) AppendHistory(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, protocol.HistoryEntry{Role: role, Content: content})
	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	s.touchLocked()
}

func (s *State) History() []protocol.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.HistoryEntry(nil), s.history...)
}

func (s *State) SetUploadedDocument(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadedDocument = text
	s.touchLocked()
}

func (s *State) UploadedDocument() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedDocument
}

// AppendQuizArtifact records a quiz payload produced during the session.
func (s *State) AppendQuizArtifact(p protocol.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quizArtifacts = append(s.quizArtifacts, p)
	s.touchLocked()
}

// AppendFlashcardArtifact records a flashcard payload unless an identical
// card set was already captured.
func (s *State) AppendFlashcardArtifact(p protocol.Payload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.flashcardArtifacts {
		if reflect.DeepEqual(existing.Cards, p.Cards) {
			return false
		}
	}
	s.flashcardArtifacts = append(s.flashcardArtifacts, p)
	s.touchLocked()
	return true
}

func (s *State) QuizArtifacts() []protocol.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Payload(nil), s.quizArtifacts...)
}

func (s *State) FlashcardArtifacts() []protocol.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Payload(nil), s.flashcardArtifacts...)
}

// DeleteQuizArtifact removes the quiz artifact at index, reporting success.
func (s *State) DeleteQuizArtifact(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.quizArtifacts) {
		return false
	}
	s.quizArtifacts = append(s.quizArtifacts[:index], s.quizArtifacts[index+1:]...)
	s.touchLocked()
	return true
}

// DeleteFlashcardArtifact removes the flashcard artifact at index.
func (s *State) DeleteFlashcardArtifact(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.flashcardArtifacts) {
		return false
	}
	s.flashcardArtifacts = append(s.flashcardArtifacts[:index], s.flashcardArtifacts[index+1:]...)
	s.touchLocked()
	return true
}

func (s *State) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customTitle = title
	s.touchLocked()
}

func (s *State) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customTitle
}

func (s *State) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *State) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *State) touchLocked() {
	if s.now != nil {
		s.lastActivityAt = s.now()
	}
}

// Snapshot copies the session into a persistable record.
func (s *State) Snapshot() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Record{
		ID:                 s.id,
		LessonRef:          s.lessonRef,
		UserRef:            s.userRef,
		Status:             s.status,
		StepCounter:        s.stepCounter,
		Difficulty:         s.difficulty,
		Interruptions:      s.interruptions,
		Language:           s.language,
		History:            append([]protocol.HistoryEntry(nil), s.history...),
		CheckpointSummary:  s.checkpointSummary,
		Checkpoints:        append([]Checkpoint(nil), s.checkpoints...),
		UploadedDocument:   s.uploadedDocument,
		QuizArtifacts:      append([]protocol.Payload(nil), s.quizArtifacts...),
		FlashcardArtifacts: append([]protocol.Payload(nil), s.flashcardArtifacts...),
		CustomTitle:        s.customTitle,
		CreatedAt:          s.createdAt,
		LastActivityAt:     s.lastActivityAt,
	}
}
