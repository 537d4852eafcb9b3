package pipeline

import (
	"strings"
	"unicode"
)

// Короче этого сообщение может быть простым приветствием.
const greetingMaxLen = 20

var greetingLexicon = []string{
	"hello", "hi", "hey", "yo", "hiya", "good morning", "good afternoon", "good evening",
	"how are you", "salut", "bonjour", "bonsoir", "coucou", "ça va", "comment ça va",
}

// IsGreeting — короткое сообщение, состоящее из приветствия.
// Сравнение по словам, чтобы "this" не считалось "hi".
func IsGreeting(text string) bool {
	clean := strings.ToLower(strings.TrimSpace(text))
	if clean == "" || len([]rune(clean)) >= greetingMaxLen {
		return false
	}
	words := strings.FieldsFunc(clean, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	joined := " " + strings.Join(words, " ") + " "
	for _, g := range greetingLexicon {
		if strings.Contains(joined, " "+g+" ") {
			return true
		}
	}
	return false
}
