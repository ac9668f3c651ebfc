package llm

import (
	"strings"

	"github.com/qabridge/backend/internal/language"
	"github.com/qabridge/backend/internal/storage/models"
)

const (
	greetingTokens = 30
	maxSentences   = 3
)

const systemPromptPrimary = `Sen Çukurova Üniversitesi Bilgisayar Mühendisliği bölümünün deneyimli dijital asistanısın. Öğrencilere samimi, yardımsever ve doğru bilgiler vererek destek oluyorsun.

Önemli kurallar:
- Her soruya en fazla 4 cümle ile yanıt ver
- Cevapların kısa, net ve anlaşılır olsun
- Selamlama mesajlarına tek cümlelik karşılık ver
- Sadece sorulan soruya odaklan
- Cevaplarında en fazla 1 soru sor`

const systemPromptSecondary = `You are an experienced digital assistant for the Çukurova University Computer Engineering Department. You help students by providing friendly, helpful and accurate information.

Important rules:
- Answer each question with at most 4 sentences
- Keep your answers short, clear and understandable
- Reply to greeting messages with a single sentence
- Focus only on the asked question
- Ask at most 1 question in your answers`

func SystemPrompt(lang models.Language) string {
	if lang == models.LanguagePrimary {
		return systemPromptPrimary
	}
	return systemPromptSecondary
}

// TokenBudget caps greetings to a short reply.
func TokenBudget(prompt string, maxTokens int) int {
	if language.IsGreeting(prompt) && (maxTokens <= 0 || maxTokens > greetingTokens) {
		return greetingTokens
	}
	return maxTokens
}

// PostProcess trims a raw completion to the assistant's turn, keeps at most
// three sentences and one question, and ends it with punctuation.
func PostProcess(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndex(text, "Assistant:"); i >= 0 {
		text = strings.TrimSpace(text[i+len("Assistant:"):])
	}
	if i := strings.Index(text, "Student:"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}

	if sentences := strings.Split(text, ". "); len(sentences) > maxSentences {
		text = strings.Join(sentences[:maxSentences], ". ")
	}

	if strings.Count(text, "?") > 1 {
		parts := strings.Split(text, "?")
		text = parts[0] + "?"
		for _, p := range parts[1:] {
			if p = strings.TrimSpace(p); p != "" {
				text += " " + strings.TrimRight(p, ".!") + "."
				break
			}
		}
	}

	if text != "" && !strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "!") && !strings.HasSuffix(text, "?") {
		text += "."
	}
	return text
}
