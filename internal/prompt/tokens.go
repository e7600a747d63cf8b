package prompt

import (
	"strings"
	"unicode"
)

// TokenCounter estimates how many model tokens a text occupies.
type TokenCounter interface {
	CountTokens(text string) int
}

// WordCounter approximates subword tokenisation: the larger of the
// word+punctuation count and 1.3 tokens per whitespace-separated word.
type WordCounter struct{}

func (WordCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if inWord {
				tokens++
				inWord = false
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			if inWord {
				tokens++
				inWord = false
			}
			tokens++
		default:
			inWord = true
		}
	}
	if inWord {
		tokens++
	}
	estimated := int(float64(len(strings.Fields(text))) * 1.3)
	return max(tokens, estimated)
}
