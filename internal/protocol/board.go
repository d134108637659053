package protocol

import "encoding/json"

// BoardActionKind enumerates the visualization instructions a teacher turn
// can carry. The set is closed; unrecognized kinds are dropped by the parser.
type BoardActionKind string

const (
	KindWriteTitle     BoardActionKind = "WRITE_TITLE"
	KindWriteBullet    BoardActionKind = "WRITE_BULLET"
	KindWriteStep      BoardActionKind = "WRITE_STEP"
	KindClear          BoardActionKind = "CLEAR"
	KindHighlight      BoardActionKind = "HIGHLIGHT"
	KindDrawDiagram    BoardActionKind = "DRAW_DIAGRAM"
	KindShowImage      BoardActionKind = "SHOW_IMAGE"
	KindShowQuiz       BoardActionKind = "SHOW_QUIZ"
	KindShowFlashcards BoardActionKind = "SHOW_FLASHCARDS"
	KindShowReward     BoardActionKind = "SHOW_REWARD"
)

// ValidKind reports whether s names a known board action kind.
func ValidKind(s string) bool {
	switch BoardActionKind(s) {
	case KindWriteTitle, KindWriteBullet, KindWriteStep, KindClear,
		KindHighlight, KindDrawDiagram, KindShowImage, KindShowQuiz,
		KindShowFlashcards, KindShowReward:
		return true
	}
	return false
}

// QuizQuestion is one multiple-choice question inside a SHOW_QUIZ payload.
type QuizQuestion struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation,omitempty"`
	Difficulty   int      `json:"difficulty,omitempty"`
}

// Flashcard is one concept/definition pair inside a SHOW_FLASHCARDS payload.
type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

// Payload carries the action-specific data of a board action. The known
// fields cover every kind in the closed set; Extra preserves keys the
// tolerant parser recognized but could not map, so nothing a model produced
// is silently lost on re-encode.
type Payload struct {
	Text      string         `json:"-"`
	Code      string         `json:"-"`
	Position  int            `json:"-"`
	Questions []QuizQuestion `json:"-"`
	Cards     []Flashcard    `json:"-"`
	Extra     map[string]any `json:"-"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+5)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Text != "" {
		out["text"] = p.Text
	}
	if p.Code != "" {
		out["code"] = p.Code
	}
	if p.Position != 0 {
		out["position"] = p.Position
	}
	if p.Questions != nil {
		out["questions"] = p.Questions
	}
	if p.Cards != nil {
		out["cards"] = p.Cards
	}
	return json.Marshal(out)
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var known struct {
		Text      string         `json:"text"`
		Code      string         `json:"code"`
		Position  int            `json:"position"`
		Questions []QuizQuestion `json:"questions"`
		Cards     []Flashcard    `json:"cards"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Text = known.Text
	p.Code = known.Code
	p.Position = known.Position
	p.Questions = known.Questions
	p.Cards = known.Cards
	p.Extra = nil
	for k, v := range raw {
		switch k {
		case "text", "code", "position", "questions", "cards":
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			var val any
			if err := json.Unmarshal(v, &val); err == nil {
				p.Extra[k] = val
			}
		}
	}
	return nil
}

// BoardAction is a single visualization instruction streamed to the client.
// Actions are immutable once produced by the parser.
type BoardAction struct {
	Kind    BoardActionKind `json:"kind"`
	Payload Payload         `json:"payload"`
}
