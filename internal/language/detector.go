// Package language infers the dominant language of short user inputs.
// Detection is sticky: an established session language only flips when the
// new input carries strong evidence, so one-word replies never change it.
package language

import (
	"strings"
	"unicode"
)

const (
	English = "english"
	French  = "french"
	Spanish = "spanish"
	Arabic  = "arabic"
)

// overrideThreshold is the stop-word match count needed to beat a supplied
// context language.
const overrideThreshold = 3

var stopWords = map[string]map[string]struct{}{
	English: wordSet(
		"the", "a", "an", "is", "are", "was", "were", "be", "been", "do",
		"does", "did", "have", "has", "had", "will", "would", "can", "could",
		"should", "what", "when", "where", "why", "how", "who", "which",
		"this", "that", "these", "those", "and", "or", "but", "not", "with",
		"for", "from", "about", "please", "explain", "tell", "me", "you",
		"your", "my", "it", "of", "in", "on", "to", "yes", "no", "thanks",
		"thank", "hello", "hi", "question", "answer", "understand", "mean",
	),
	French: wordSet(
		"le", "la", "les", "un", "une", "des", "est", "sont", "était", "je",
		"tu", "il", "elle", "nous", "vous", "ils", "elles", "et", "ou",
		"mais", "pas", "ne", "que", "qui", "quoi", "quand", "où", "pourquoi",
		"comment", "ce", "cette", "ces", "mon", "ma", "mes", "ton", "votre",
		"avec", "pour", "dans", "sur", "de", "du", "au", "aux", "oui", "non",
		"merci", "bonjour", "salut", "s'il", "plaît", "expliquer", "explique",
		"dis", "moi", "comprends", "comprendre", "veux", "dire", "c'est",
	),
	Spanish: wordSet(
		"el", "la", "los", "las", "un", "una", "unos", "unas", "es", "son",
		"era", "yo", "tú", "él", "ella", "nosotros", "ustedes", "ellos", "y",
		"o", "pero", "no", "que", "qué", "quién", "cuándo", "dónde", "por",
		"cómo", "este", "esta", "estos", "estas", "mi", "mis", "tu", "su",
		"con", "para", "en", "sobre", "de", "del", "al", "sí", "gracias",
		"hola", "favor", "explica", "explícame", "dime", "entiendo",
		"entender", "quiero", "decir", "pregunta", "respuesta",
	),
	Arabic: wordSet(
		"في", "من", "على", "إلى", "عن", "هذا", "هذه", "ذلك", "التي", "الذي",
		"ما", "ماذا", "لماذا", "كيف", "متى", "أين", "هل", "نعم", "لا", "شكرا",
		"مرحبا", "أنا", "أنت", "هو", "هي", "نحن", "هم", "و", "أو", "لكن",
		"اشرح", "قل", "لي", "أفهم", "سؤال", "جواب",
	),
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Detector scores short texts against fixed stop-word sets.
type Detector struct{}

func NewDetector() *Detector { return &Detector{} }

// Detect returns the inferred language of text, biased toward contextLanguage
// when the evidence is weak. An empty contextLanguage means no bias beyond
// the english default.
func (d *Detector) Detect(text, contextLanguage string) string {
	if containsArabicScript(text) {
		return Arabic
	}

	tokens := tokenize(text)

	// an explicit ask for english always wins
	for _, tok := range tokens {
		if tok == "english" || tok == "anglais" {
			return English
		}
	}

	best, bestCount := English, 0
	for _, lang := range []string{English, French, Spanish, Arabic} {
		count := 0
		for _, tok := range tokens {
			if _, ok := stopWords[lang][tok]; ok {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = lang, count
		}
	}

	if contextLanguage != "" {
		if bestCount == 0 || (best != contextLanguage && bestCount < overrideThreshold) {
			return contextLanguage
		}
	}
	if bestCount == 0 {
		return English
	}
	return best
}

func containsArabicScript(text string) bool {
	for _, r := range text {
		if unicode.In(r, unicode.Arabic) {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || r == '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) && r != '\''
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
