package similarity

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

const stemLength = 5

// Lexical scores texts by the cosine of their term vectors. Terms are word
// stems (a fixed-length prefix, which absorbs most agglutinative suffixes) and
// character trigrams of each word. Weights follow a smoothed pairwise
// inverse document frequency, so terms shared by both texts count less than
// terms unique to one of them.
type Lexical struct{}

func NewLexical() *Lexical {
	return &Lexical{}
}

func (l *Lexical) Name() string { return "lexical" }

func (l *Lexical) Similarity(_ context.Context, a, b string) (float64, error) {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0, nil
	}
	if na == nb {
		return 1, nil
	}

	ta, tb := termCounts(a), termCounts(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0, nil
	}

	// Smoothed idf over the two-document corpus: 1 for shared terms,
	// 1+ln(3/2) for terms found in only one text.
	unique := 1 + math.Log(1.5)
	weight := func(term string) float64 {
		_, inA := ta[term]
		_, inB := tb[term]
		if inA && inB {
			return 1
		}
		return unique
	}

	var dot, normA, normB float64
	for term, n := range ta {
		w := float64(n) * weight(term)
		normA += w * w
		if m, ok := tb[term]; ok {
			dot += w * float64(m) * weight(term)
		}
	}
	for term, n := range tb {
		w := float64(n) * weight(term)
		normB += w * w
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return clamp(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, word := range words(text) {
		counts["w:"+stem(word)]++
		for _, g := range trigrams(word) {
			counts["g:"+g]++
		}
	}
	return counts
}

// words tokenizes text and keeps the letters and digits of each token,
// dropping single-rune leftovers such as a split-off possessive "s".
func words(text string) []string {
	text = strings.ToLower(PlainText(text))

	var tokens []string
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err == nil {
		for _, tok := range doc.Tokens() {
			tokens = append(tokens, tok.Text)
		}
	} else {
		tokens = strings.Fields(text)
	}

	out := tokens[:0]
	for _, tok := range tokens {
		w := strings.Map(func(r rune) rune {
			if isWordRune(r) {
				return r
			}
			return -1
		}, tok)
		if len([]rune(w)) > 1 {
			out = append(out, w)
		}
	}
	return out
}

func stem(word string) string {
	r := []rune(word)
	if len(r) > stemLength {
		return string(r[:stemLength])
	}
	return word
}

func trigrams(word string) []string {
	r := []rune("^" + word + "$")
	if len(r) < 3 {
		return nil
	}
	out := make([]string, 0, len(r)-2)
	for i := 0; i+3 <= len(r); i++ {
		out = append(out, string(r[i:i+3]))
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
