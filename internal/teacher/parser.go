package teacher

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nourmokhtar/evolvia/internal/protocol"
)

// ParseResult is one decoded teaching turn: the spoken passage plus the
// ordered board actions extracted from the model's raw output.
type ParseResult struct {
	Speech  string
	Actions []protocol.BoardAction
}

var (
	boardMarkerRe  = regexp.MustCompile(`(?is)BOARD:\s*(.*?)(?:\s*SPEECH:|$)`)
	speechMarkerRe = regexp.MustCompile(`(?is)SPEECH:\s*(.+)`)
	codeFenceRe    = regexp.MustCompile("(?m)^```(?:json)?\\s*|\\s*```$")
	quizObjectRe   = regexp.MustCompile(`(?s)\{\s*"questions"\s*:\s*\[.+?\]\s*\}`)
	bareKeyRe      = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	bareValueRe    = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_À-ÿ ]*)\s*([,}\]])`)
	looseActionRe  = regexp.MustCompile(`(WRITE_[A-Z_]+|CLEAR|HIGHLIGHT|DRAW_DIAGRAM|SHOW_IMAGE|SHOW_QUIZ|SHOW_FLASHCARDS|SHOW_REWARD):\s*([^,\]}]+)`)
)

// ParseTurnResponse decodes raw model output into speech plus board actions.
// It never fails: every malformed input degrades to fewer actions and a
// best-effort speech string.
func ParseTurnResponse(raw string) ParseResult {
	board, boardFound := extractBoardRegion(raw)
	actions := decodeBoardActions(board)
	speech := extractSpeech(raw, board, boardFound, actions)
	return ParseResult{Speech: speech, Actions: actions}
}

// extractBoardRegion locates the board substring. Preference order: explicit
// BOARD marker, largest bracketed array, then a bare questions object which
// is wrapped into a quiz action.
func extractBoardRegion(raw string) (string, bool) {
	if m := boardMarkerRe.FindStringSubmatch(raw); m != nil {
		candidate := strings.TrimSpace(m[1])
		candidate = strings.TrimSpace(codeFenceRe.ReplaceAllString(candidate, ""))
		if candidate != "" {
			return candidate, true
		}
	}

	open := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if open >= 0 && end > open {
		return strings.TrimSpace(raw[open : end+1]), false
	}

	if m := quizObjectRe.FindString(raw); m != "" {
		return `[{"kind": "SHOW_QUIZ", "payload": ` + m + `}]`, false
	}
	return "", false
}

func extractSpeech(raw, board string, boardFound bool, actions []protocol.BoardAction) string {
	var speech string
	if m := speechMarkerRe.FindStringSubmatch(raw); m != nil {
		speech = strings.TrimSpace(m[1])
		if idx := strings.Index(strings.ToUpper(speech), "BOARD:"); idx >= 0 {
			speech = strings.TrimSpace(speech[:idx])
		}
	}

	if speech == "" {
		// no SPEECH tag: whatever is not the board region is speech
		clean := raw
		if board != "" {
			clean = strings.Replace(clean, board, "", 1)
		}
		clean = regexp.MustCompile(`(?i)BOARD:\s*`).ReplaceAllString(clean, "")
		speech = strings.TrimSpace(clean)
	}

	speech = stripWrappingQuotes(speech)

	if speech == "" && len(actions) > 0 {
		if hasQuizAction(actions) {
			return "Here is the quiz you requested. Good luck!"
		}
		return "I've updated the board with a summary for you."
	}
	return speech
}

func stripWrappingQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func hasQuizAction(actions []protocol.BoardAction) bool {
	for _, a := range actions {
		if a.Kind == protocol.KindShowQuiz {
			return true
		}
	}
	return false
}

// decodeBoardActions runs the repair chain: direct decode, bracket
// completion, bare-token quoting, then a loose token scan.
func decodeBoardActions(board string) []protocol.BoardAction {
	if strings.TrimSpace(board) == "" {
		return nil
	}

	entries, err := decodeEntries(board)
	if err != nil {
		repaired := completeBrackets(board)
		entries, err = decodeEntries(repaired)
		if err != nil {
			entries, err = decodeEntries(quoteBareTokens(repaired))
		}
		if err != nil {
			return looseScanActions(board)
		}
	}

	actions := make([]protocol.BoardAction, 0, len(entries))
	for _, entry := range entries {
		if action, ok := normalizeAction(entry); ok {
			actions = append(actions, action)
		}
	}
	return actions
}

func decodeEntries(s string) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal([]byte(s), &list); err == nil {
		return list, nil
	}
	var single map[string]any
	if err := json.Unmarshal([]byte(s), &single); err != nil {
		return nil, err
	}
	return []map[string]any{single}, nil
}

// completeBrackets closes an unterminated array or object: an open string is
// terminated, a dangling comma dropped, and unmatched brackets closed in
// reverse order.
func completeBrackets(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 && !inString {
		return s
	}

	var b strings.Builder
	if inString {
		b.WriteString(s)
		b.WriteByte('"')
	} else {
		b.WriteString(strings.TrimRight(s, ", \t\r\n"))
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// quoteBareTokens wraps unquoted keys and single-word values in quotes,
// the usual dirty-JSON shape models produce.
func quoteBareTokens(s string) string {
	s = bareKeyRe.ReplaceAllString(s, `$1"$2":`)
	return bareValueRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := bareValueRe.FindStringSubmatch(m)
		val := strings.TrimSpace(sub[1])
		return `: "` + val + `"` + sub[2]
	})
}

// looseScanActions is the last resort for text like [WRITE_TITLE: Intro,
// WRITE_BULLET: First point]: one action per KIND: text match.
func looseScanActions(board string) []protocol.BoardAction {
	var actions []protocol.BoardAction
	for _, m := range looseActionRe.FindAllStringSubmatch(board, -1) {
		kind := strings.ToUpper(strings.TrimSpace(m[1]))
		if !protocol.ValidKind(kind) {
			continue
		}
		actions = append(actions, protocol.BoardAction{
			Kind:    protocol.BoardActionKind(kind),
			Payload: protocol.Payload{Text: strings.TrimSpace(m[2])},
		})
	}
	return actions
}

// normalizeAction maps one decoded entry onto the closed action set.
func normalizeAction(entry map[string]any) (protocol.BoardAction, bool) {
	if entry == nil {
		return protocol.BoardAction{}, false
	}

	kind := stringField(entry, "kind")
	if kind == "" {
		kind = stringField(entry, "action")
	}
	payload, _ := entry["payload"].(map[string]any)

	// {"WRITE_TITLE": "Introduction"} style: the kind is a key
	if kind == "" {
		for k, v := range entry {
			upper := strings.ToUpper(k)
			if !protocol.ValidKind(upper) {
				continue
			}
			kind = upper
			switch val := v.(type) {
			case string:
				payload = map[string]any{"text": val}
			case map[string]any:
				payload = val
			}
			break
		}
	}

	if kind == "" {
		if _, ok := entry["questions"]; ok {
			kind = string(protocol.KindShowQuiz)
			payload = entry
		} else if _, ok := payload["questions"]; ok {
			kind = string(protocol.KindShowQuiz)
		} else {
			kind = string(protocol.KindWriteBullet)
		}
	}

	kind = strings.ToUpper(strings.TrimSpace(kind))
	if !protocol.ValidKind(kind) {
		return protocol.BoardAction{}, false
	}

	if payload == nil {
		payload = map[string]any{}
		if v := stringField(entry, "text"); v != "" {
			payload["text"] = v
		}
		if v := stringField(entry, "code"); v != "" {
			payload["code"] = v
		}
	}

	// flattened responses hide the text under assorted keys
	if payload["text"] == nil && payload["code"] == nil &&
		kind != string(protocol.KindShowQuiz) && kind != string(protocol.KindShowFlashcards) {
		for _, key := range []string{"content", "item", "summary", "description", "value", "data"} {
			if v, ok := payload[key].(string); ok && v != "" {
				payload["text"] = v
				break
			}
		}
		if payload["text"] == nil {
			if found := firstString(payload); found != "" {
				payload["text"] = found
			}
		}
	}

	return protocol.BoardAction{
		Kind:    protocol.BoardActionKind(kind),
		Payload: payloadFromMap(payload),
	}, true
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

// firstString walks a payload depth-first for any string value.
func firstString(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case map[string]any:
		for _, item := range v {
			if s := firstString(item); s != "" {
				return s
			}
		}
	case []any:
		for _, item := range v {
			if s := firstString(item); s != "" {
				return s
			}
		}
	}
	return ""
}

func payloadFromMap(m map[string]any) protocol.Payload {
	var p protocol.Payload
	for key, v := range m {
		switch key {
		case "text":
			p.Text, _ = v.(string)
		case "code":
			p.Code, _ = v.(string)
		case "position":
			if f, ok := v.(float64); ok {
				p.Position = int(f)
			}
		case "questions":
			p.Questions = questionsFromAny(v)
		case "cards":
			p.Cards = cardsFromAny(v)
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[key] = v
		}
	}
	return p
}

func questionsFromAny(v any) []protocol.QuizQuestion {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]protocol.QuizQuestion, 0, len(list))
	for _, item := range list {
		q, ok := item.(map[string]any)
		if !ok {
			continue
		}
		question := protocol.QuizQuestion{
			Question:    stringField(q, "question"),
			Explanation: stringField(q, "explanation"),
		}
		if opts, ok := q["options"].([]any); ok {
			for _, o := range opts {
				if s, ok := o.(string); ok {
					question.Options = append(question.Options, s)
				}
			}
		}
		if f, ok := q["difficulty"].(float64); ok {
			question.Difficulty = int(f)
		}
		question.CorrectIndex = resolveCorrectIndex(q, question.Options)
		out = append(out, question)
	}
	return out
}

// resolveCorrectIndex maps an "answer" string onto its option index when the
// model omitted correct_index. No match defaults to 0; the first option then
// counts as correct, which mirrors how grading treats unresolvable answers.
func resolveCorrectIndex(q map[string]any, options []string) int {
	if f, ok := q["correct_index"].(float64); ok {
		return int(f)
	}
	answer, ok := q["answer"].(string)
	if !ok {
		return 0
	}
	for i, opt := range options {
		if opt == answer {
			return i
		}
	}
	return 0
}

func cardsFromAny(v any) []protocol.Flashcard {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]protocol.Flashcard, 0, len(list))
	for _, item := range list {
		c, ok := item.(map[string]any)
		if !ok {
			continue
		}
		card := protocol.Flashcard{Front: stringField(c, "front"), Back: stringField(c, "back")}
		if card.Front == "" && card.Back == "" {
			continue
		}
		out = append(out, card)
	}
	return out
}
