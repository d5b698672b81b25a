package sparseindex

import (
	"regexp"
	"strings"
)

// tokenRegex splits on Unicode letter/number boundaries, the baseline
// tokenization rule before any stopword filtering is applied.
var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize splits text on Unicode word boundaries and lowercases each
// token. It performs no stemming or stopword filtering; callers combine it
// with a StopWordSet for that.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, len(words))
	for i, w := range words {
		tokens[i] = strings.ToLower(w)
	}
	return tokens
}

// DefaultStopWords is a domain-neutral English stopword list suitable for
// prose and mixed natural-language/code corpora alike.
var DefaultStopWords = []string{
	"a", "an", "the", "and", "or", "but", "if", "then", "else",
	"is", "are", "was", "were", "be", "been", "being",
	"of", "in", "on", "at", "to", "for", "with", "by", "from", "as",
	"this", "that", "these", "those", "it", "its",
	"i", "you", "he", "she", "we", "they", "them", "their",
	"not", "no", "so", "than", "too", "very", "can", "will", "just",
}

// StopWordSet is a lowercased lookup table for stopword filtering, keyed by
// language tag so callers can plug in per-language sets (e.g. "en", "es").
type StopWordSet map[string]map[string]struct{}

// NewStopWordSet builds a StopWordSet from per-language word lists.
func NewStopWordSet(byLanguage map[string][]string) StopWordSet {
	set := make(StopWordSet, len(byLanguage))
	for lang, words := range byLanguage {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			m[strings.ToLower(w)] = struct{}{}
		}
		set[lang] = m
	}
	return set
}

// DefaultStopWordSet returns a StopWordSet with only the "en" entry
// populated from DefaultStopWords.
func DefaultStopWordSet() StopWordSet {
	return NewStopWordSet(map[string][]string{"en": DefaultStopWords})
}

// Filter removes stopwords in the given language from tokens. Unknown
// languages pass through unfiltered.
func (s StopWordSet) Filter(tokens []string, language string) []string {
	words, ok := s[language]
	if !ok {
		return tokens
	}
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, stop := words[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}
