package teacher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nourmokhtar/evolvia/internal/protocol"
)

// Tags prepended to the student input before prompt building so the model
// sees the conversational situation. They are stripped again for mock
// responses and title generation.
const (
	TagInterruption = "[INTERRUPTION - new question] "
	TagFollowUp     = "[FOLLOW-UP QUESTION after pause] "
)

var bracketTagRe = regexp.MustCompile(`\[.*?\]\s*`)

var languageNames = map[string]string{
	"english": "ENGLISH",
	"french":  "FRENCH",
	"spanish": "SPANISH",
	"arabic":  "ARABIC",
}

var languageISO = map[string]string{
	"english": "en",
	"french":  "fr",
	"spanish": "es",
	"arabic":  "ar",
}

// ISOCode maps a detected language name to the code the synthesizer expects.
func ISOCode(lang string) string {
	if code, ok := languageISO[lang]; ok {
		return code
	}
	return "en"
}

func languageName(lang string) string {
	if name, ok := languageNames[lang]; ok {
		return name
	}
	return "ENGLISH"
}

func historyBlock(history []protocol.HistoryEntry, limit int) string {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	var b strings.Builder
	for _, entry := range history {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(entry.Role), entry.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func orFallback(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// buildTurnPrompt produces the teaching prompt for a regular user message.
func buildTurnPrompt(in TurnInput, targetLanguage string) string {
	forcedLang := fmt.Sprintf("YOU MUST RESPOND ENTIRELY IN %s. This is a critical constraint.", languageName(targetLanguage))

	return fmt.Sprintf(`Role: Senior Technical Lead & University Professor.
Task: Teach/Summarize/Explain based on Context or Knowledge.
Constraint: Robustly interpret User Input even with heavy typos/grammar errors using History/Context.

Context: %s (STRICT REQUIREMENT: STAY WITHIN THIS CONTEXT. DO NOT answer questions or provide info outside this context unless explicitly asked for a comparison).
Last Checkpoint: %s
History:
%s

Current User Input: %s

Instructions:
1. SPEECH: Provide a rich, expert explanation. %s
   - **STYLE**: You are a passionate expert. If the user asks a simple question, give a clear answer. If the topic is deep, IMMERSE YOURSELF: provide technical depth, theoretical context, and "why" it matters.
   - **CODE FORMATTING**: USE TRIPLE BACKTICKS for all commands and code snippets, even single-line ones, each on its own line.
   - **TONE**: Warm, authoritative, but conversational and engaging.

2. BOARD: MANDATORY BRIEF SUMMARY of Technical Concepts.
   - **JSON FORMAT**: YOU MUST USE VALID JSON.
   - **CONCISENESS**: Use 'WRITE_TITLE' for the main module, then 2-4 'WRITE_BULLET' items.
   - **BULLET LENGTH**: Each bullet must be VERY SHORT (MAX 10 words).
   - **QUIZ REQUESTS**: If the user asks for a quiz, YOU MUST USE THE 'SHOW_QUIZ' action:
     {"kind": "SHOW_QUIZ", "payload": {"questions": [{"question": "...", "options": ["A", "B", "C", "D"], "correct_index": 0, "explanation": "..."}]}}
     DO NOT put the quiz in SPEECH. Put it in BOARD.

Rules:
- TYPO ROBUSTNESS: Quietly handle and correct user mistakes.
- Board Consistency: The board actions must reflect the core technical skeleton.

Format:
BOARD: [{...}, {...}]
SPEECH: ...
`,
		orFallback(in.LessonContext, "General Knowledge"),
		orFallback(in.LastCheckpoint, "none"),
		historyBlock(in.History, 5),
		in.StudentInput,
		forcedLang,
	)
}

// buildQuizPrompt asks for a summary plus a strictly formatted ten-question
// quiz. Quizzes are always generated in English.
func buildQuizPrompt(in TurnInput) string {
	return fmt.Sprintf(`Role: Professor & Examiner.
Task: CREATE A LESSON SUMMARY AND A QUIZ derived STRICTLY from the provided Context or Discussion History.
Language: ENGLISH (Questions, Options, and Summary MUST be in ENGLISH regardless of the student's language).

STRICT CONTEXT (PRIORITIZE THIS):
---
%s
---

DISCUSSION HISTORY (USE AS FALLBACK CONTEXT):
---
%s
---

REQUIREMENTS:
1. **SOURCE ADHERENCE**: EVERY question MUST be directly related to the information in the Context or Discussion History above.
2. **NO HALLUCINATIONS**: If you cannot find enough info for 10 questions, drill down into technical details rather than inventing generic ones.
3. **VIRTUAL BOARD SUMMARY**: Provide a brief technical summary. Use exactly one 'WRITE_TITLE' action and 3-4 'WRITE_BULLET' actions.
4. **QUIZ**: Generate exactly 10 multiple-choice questions, 4 options each, with the correct answer index (0-3), a brief explanation, and an estimated difficulty (1-3).

OUTPUT FORMAT:
BOARD: [
  {"kind": "WRITE_TITLE", "payload": {"text": "Topic Overview"}},
  {"kind": "WRITE_BULLET", "payload": {"text": "Key point..."}},
  {"kind": "SHOW_QUIZ", "payload": {"questions": [{"question": "...", "options": ["A", "B", "C", "D"], "correct_index": 0, "explanation": "...", "difficulty": 1}]}}
]
SPEECH: Let's see how much you've learned!
`,
		orFallback(in.LessonContext, "No file uploaded. Use Discussion History below."),
		orFallback(historyBlock(in.History, 10), "No recent discussion."),
	)
}

// buildFlashcardPrompt asks for ten concept/definition cards in the session
// language.
func buildFlashcardPrompt(in TurnInput, targetLanguage string) string {
	name := languageName(targetLanguage)
	return fmt.Sprintf(`Role: Professor & Study Assistant.
Task: Extract 10 KEY CONCEPTS and their DEFINITIONS from the provided Context or Discussion History to create interactive Flashcards.
Language: %s (All cards MUST be in %s).

STRICT CONTEXT:
---
%s
---

DISCUSSION HISTORY (USE AS FALLBACK CONTEXT):
---
%s
---

REQUIREMENTS:
1. **EXTRACT 10 CARDS**: Extract exactly 10 distinct technical concepts or terms.
2. **FORMAT**: Return the cards as one 'SHOW_FLASHCARDS' board action.
3. **STYLE**: Front is the concept name (short); back is a clear, concise definition (1-2 sentences).
4. **NO HALLUCINATIONS**: Only use information present in the source or discussion.

OUTPUT FORMAT:
BOARD: [
  {"kind": "SHOW_FLASHCARDS", "payload": {"cards": [{"front": "Concept 1", "back": "Definition 1..."}, {"front": "Concept 2", "back": "Definition 2..."}]}}
]
SPEECH: I've prepared some flashcards to help you memorize the key concepts. Flip them over to see if you can define them yourself!
`,
		name, name,
		orFallback(in.LessonContext, "No file uploaded. Use Discussion History below."),
		orFallback(historyBlock(in.History, 10), "No recent discussion."),
	)
}

// buildTitlePrompt asks for a 3-5 word session title from recent history.
func buildTitlePrompt(history []protocol.HistoryEntry) string {
	var b strings.Builder
	b.WriteString("Based on the following conversation, generate a short, descriptive title (3-5 words) that summarizes the topic. ")
	b.WriteString("Do not include any prefixes like 'Title:', 'Summary:', or 'Discussed:'. Just return the title itself.\n\n")
	start := 0
	if len(history) > 4 {
		start = len(history) - 4
	}
	for _, entry := range history[start:] {
		content := strings.TrimSpace(bracketTagRe.ReplaceAllString(entry.Content, ""))
		role := entry.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		fmt.Fprintf(&b, "%s: %s\n", role, content)
	}
	return b.String()
}

// mockTurnResponse is the deterministic local fallback used when the model
// provider is unavailable. It is contextual so the turn still reads sensibly.
func mockTurnResponse(studentInput string) string {
	clean := strings.TrimSpace(bracketTagRe.ReplaceAllString(studentInput, ""))
	if clean != "" {
		topic := clean
		if len(topic) > 30 {
			topic = topic[:30] + "..."
		}
		return fmt.Sprintf(`SPEECH: Great question about '%s'! Let me explain this to you. This is a mock response because the LLM provider is currently unavailable. In a real session, I would give you a detailed explanation about your topic. For now, just know that I received your message and I'm here to help you learn!
BOARD: [{"kind": "WRITE_TITLE", "payload": {"text": "About: %s"}}, {"kind": "WRITE_BULLET", "payload": {"text": "Your question was received", "position": 1}}, {"kind": "WRITE_BULLET", "payload": {"text": "LLM is in mock mode", "position": 2}}]`, clean, topic)
	}
	return `SPEECH: Let me break this down for you. Think of it like building blocks: each piece stacks on the other. This helps you understand the foundation before we move to more complex ideas.
BOARD: [{"kind": "WRITE_TITLE", "payload": {"text": "Key Concept"}}, {"kind": "WRITE_BULLET", "payload": {"text": "First part: the foundation", "position": 1}}, {"kind": "WRITE_BULLET", "payload": {"text": "Second part: builds on that", "position": 2}}]`
}
