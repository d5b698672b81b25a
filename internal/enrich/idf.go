package enrich

import (
	"math"
	"sort"
)

// idfCorpus accumulates document frequencies across observed chunks so
// topKeywords can score a single chunk's terms against corpus-wide rarity,
// the standard TF-IDF fallback used when no LLM keyword extractor is
// configured.
type idfCorpus struct {
	docFreq    map[string]int
	docCount   int
}

func newIDFCorpus() *idfCorpus {
	return &idfCorpus{docFreq: make(map[string]int)}
}

// observe records one document's (deduplicated) term set against the
// corpus' document frequencies.
func (c *idfCorpus) observe(tokens []string) {
	c.docCount++
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		c.docFreq[t]++
	}
}

type scoredTerm struct {
	term  string
	score float64
}

// topKeywords scores content's terms by (term frequency) * (inverse
// document frequency over the observed corpus) and returns the top n,
// ordered by descending score then ascending term for determinism.
func (c *idfCorpus) topKeywords(content string, n int) []string {
	tokens := tokenizeWords(content)
	if len(tokens) == 0 {
		return nil
	}

	termFreq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		termFreq[t]++
	}

	docCount := c.docCount
	if docCount == 0 {
		docCount = 1
	}

	scored := make([]scoredTerm, 0, len(termFreq))
	for term, tf := range termFreq {
		df := c.docFreq[term]
		if df == 0 {
			df = 1
		}
		idf := math.Log(float64(docCount)/float64(df)) + 1
		scored = append(scored, scoredTerm{term: term, score: float64(tf) * idf})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].term < scored[j].term
	})

	if n > len(scored) {
		n = len(scored)
	}
	keywords := make([]string, n)
	for i := 0; i < n; i++ {
		keywords[i] = scored[i].term
	}
	return keywords
}
