// Package language tells the primary language (Turkish) apart from the
// secondary one (English).
package language

import (
	"strings"
	"unicode"

	"github.com/qabridge/backend/internal/storage/models"
)

const turkishLetters = "çğıöşüÇĞİÖŞÜ"

var turkishWords = map[string]struct{}{
	"merhaba": {}, "selam": {}, "nedir": {}, "nasıl": {}, "nasil": {}, "hangi": {},
	"var": {}, "mı": {}, "mi": {}, "mu": {}, "mü": {}, "ne": {}, "neden": {},
	"nerede": {}, "zaman": {}, "hocam": {}, "ders": {}, "dersi": {}, "bolum": {},
	"sinav": {}, "kac": {}, "icin": {}, "ve": {}, "bir": {}, "bu": {}, "ile": {},
}

// Detect returns the primary language when the text contains a Turkish-only
// letter or a common Turkish word, and the secondary language otherwise.
func Detect(text string) models.Language {
	if strings.ContainsAny(text, turkishLetters) {
		return models.LanguagePrimary
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if _, ok := turkishWords[w]; ok {
			return models.LanguagePrimary
		}
	}
	return models.LanguageSecondary
}

var greetings = []string{
	"selam", "merhaba", "slm", "mrb", "günaydın", "iyi günler", "iyi akşamlar",
	"hello", "hi", "hey", "good morning", "good afternoon", "good evening", "greetings",
}

// IsGreeting reports whether text opens with or consists of a greeting.
func IsGreeting(text string) bool {
	t := " " + strings.Join(strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}), " ") + " "
	for _, g := range greetings {
		if strings.Contains(t, " "+g+" ") {
			return true
		}
	}
	return false
}

// TimeoutMessage is the apology sent when no answer arrives in time.
func TimeoutMessage(lang models.Language) string {
	if lang == models.LanguagePrimary {
		return "Üzgünüm, şu anda bir yanıt oluşturamıyorum. Lütfen daha sonra tekrar deneyin."
	}
	return "Sorry, I cannot generate a response at the moment. Please try again later."
}

// FailureMessage is the apology sent when inference gave up on a question.
func FailureMessage(lang models.Language) string {
	if lang == models.LanguagePrimary {
		return "Üzgünüm, yanıt oluşturulurken bir hata oluştu. Lütfen tekrar deneyin."
	}
	return "Sorry, I encountered an error while generating a response. Please try again."
}
