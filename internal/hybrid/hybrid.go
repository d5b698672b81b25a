// Package hybrid dispatches dense and sparse search in parallel and fuses
// the two ranked lists into one, defaulting to Reciprocal Rank Fusion.
package hybrid

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ragcore/ragcore/internal/provider"
	"github.com/ragcore/ragcore/internal/sparseindex"
	"github.com/ragcore/ragcore/internal/vectorstore"
)

// DefaultRRFConstant is the standard RRF smoothing parameter, empirically
// validated across domains (the value used by Azure AI Search, OpenSearch,
// and others).
const DefaultRRFConstant = 60

// Source identifies which underlying search(es) produced a result.
type Source string

const (
	SourceVector Source = "vector"
	SourceSparse Source = "sparse"
	SourceBoth   Source = "both"
)

// Method selects the fusion algorithm.
type Method string

const (
	MethodRRF          Method = "rrf"
	MethodWeightedSum  Method = "weighted_sum"
	MethodProduct      Method = "product"
	MethodHarmonicMean Method = "harmonic_mean"
	MethodMaximum      Method = "max"
)

// Weights controls each source's contribution to fusion.
type Weights struct {
	Vector float64
	Sparse float64
}

// Config parameterizes a Searcher.
type Config struct {
	K                  int // RRF smoothing constant
	OverFetch          int // multiplier applied to MaxResults before fusion
	Method             Method
	Weights            Weights
	EnableAutoStrategy bool
}

// DefaultConfig returns spec defaults: RRF, k=60, w_vector=0.7, w_sparse=0.3.
func DefaultConfig() Config {
	return Config{
		K:         DefaultRRFConstant,
		OverFetch: 3,
		Method:    MethodRRF,
		Weights:   Weights{Vector: 0.7, Sparse: 0.3},
	}
}

// autoWeights overrides Config.Weights by query token count when
// EnableAutoStrategy is set: <=2 tokens favors sparse, 3-5 is balanced,
// >5 favors vector.
func autoWeights(tokenCount int) Weights {
	switch {
	case tokenCount <= 2:
		return Weights{Vector: 0.3, Sparse: 0.7}
	case tokenCount <= 5:
		return Weights{Vector: 0.6, Sparse: 0.4}
	default:
		return Weights{Vector: 0.8, Sparse: 0.2}
	}
}

// Result is a single fused search result.
type Result struct {
	ChunkID      string
	FusedScore   float64
	VectorScore  float64
	VectorRank   int // 1-indexed, 0 if absent
	SparseScore  float64
	SparseRank   int // 1-indexed, 0 if absent
	Source       Source
	MatchedTerms []string
}

// Searcher dispatches dense and sparse search in parallel and fuses the
// results.
type Searcher struct {
	vector *vectorstore.Store
	sparse *sparseindex.Index
	embed  provider.EmbeddingService
	cfg    Config
}

// New builds a Searcher over a vector store, a sparse index, and the
// embedding service used to vectorize incoming queries.
func New(vector *vectorstore.Store, sparse *sparseindex.Index, embed provider.EmbeddingService, cfg Config) *Searcher {
	return &Searcher{vector: vector, sparse: sparse, embed: embed, cfg: cfg}
}

// Search runs dense and sparse retrieval in parallel, each over
// maxResults*OverFetch candidates, fuses them, and truncates to
// maxResults.
func (s *Searcher) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	weights := s.cfg.Weights
	if s.cfg.EnableAutoStrategy {
		weights = autoWeights(len(tokenizeQuery(query)))
	}
	return s.SearchWithWeights(ctx, query, maxResults, weights)
}

// SearchWithWeights runs the same parallel dense/sparse dispatch as
// Search but fuses with caller-supplied weights instead of Config's,
// letting callers express vector-only (Weights{Vector:1}) or
// sparse-only (Weights{Sparse:1}) retrieval without a second Searcher.
func (s *Searcher) SearchWithWeights(ctx context.Context, query string, maxResults int, weights Weights) ([]Result, error) {
	fetchK := maxResults * s.cfg.OverFetch
	if fetchK < maxResults {
		fetchK = maxResults
	}

	var vectorMatches []vectorstore.Match
	var sparseMatches []sparseindex.Match

	g, gctx := errgroup.WithContext(ctx)
	if weights.Vector > 0 {
		g.Go(func() error {
			vec, err := s.embed.Embed(gctx, query)
			if err != nil {
				return fmt.Errorf("embed query: %w", err)
			}
			matches, err := s.vector.Search(gctx, vec, fetchK, 0)
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			vectorMatches = matches
			return nil
		})
	}
	if weights.Sparse > 0 {
		g.Go(func() error {
			matches, err := s.sparse.Search(gctx, query, fetchK)
			if err != nil {
				return fmt.Errorf("sparse search: %w", err)
			}
			sparseMatches = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := s.fuse(vectorMatches, sparseMatches, weights)
	if len(fused) > maxResults {
		fused = fused[:maxResults]
	}
	return fused, nil
}

func tokenizeQuery(query string) []string {
	return sparseindex.Tokenize(query)
}

func (s *Searcher) fuse(vector []vectorstore.Match, sparse []sparseindex.Match, weights Weights) []Result {
	switch s.cfg.Method {
	case MethodWeightedSum:
		return fuseWeightedSum(vector, sparse, weights)
	case MethodProduct:
		return fuseProduct(vector, sparse, weights)
	case MethodHarmonicMean:
		return fuseHarmonicMean(vector, sparse, weights)
	case MethodMaximum:
		return fuseMaximum(vector, sparse, weights)
	default:
		return fuseRRF(vector, sparse, weights, s.cfg.K)
	}
}

// fuseRRF combines results via RRF(d) = Σ w_s / (k + rank_s(d)); a source
// a document is absent from contributes 0. Output is the raw weighted
// sum, not renormalized. Sort: fused score desc, then chunk id asc.
func fuseRRF(vector []vectorstore.Match, sparse []sparseindex.Match, weights Weights, k int) []Result {
	if len(vector) == 0 && len(sparse) == 0 {
		return []Result{}
	}

	byID := make(map[string]*Result, len(vector)+len(sparse))
	getOrCreate := func(id string) *Result {
		if r, ok := byID[id]; ok {
			return r
		}
		r := &Result{ChunkID: id}
		byID[id] = r
		return r
	}

	for rank, m := range vector {
		r := getOrCreate(m.ID)
		r.VectorScore = float64(m.Score)
		r.VectorRank = rank + 1
		r.FusedScore += weights.Vector / float64(k+rank+1)
	}
	for rank, m := range sparse {
		r := getOrCreate(m.ID)
		r.SparseScore = m.Score
		r.SparseRank = rank + 1
		r.MatchedTerms = m.MatchedTerms
		r.FusedScore += weights.Sparse / float64(k+rank+1)
		if r.VectorRank > 0 {
			r.Source = SourceBoth
		}
	}

	// A document absent from a source contributes exactly 0 for that
	// source — no reciprocal-rank term is added here for the missing side.
	for _, r := range byID {
		switch {
		case r.VectorRank == 0 && r.SparseRank > 0:
			r.Source = SourceSparse
		case r.SparseRank == 0 && r.VectorRank > 0:
			r.Source = SourceVector
		}
	}

	results := toSlice(byID)
	sortResults(results)
	return results
}

func fuseWeightedSum(vector []vectorstore.Match, sparse []sparseindex.Match, weights Weights) []Result {
	if len(vector) == 0 && len(sparse) == 0 {
		return []Result{}
	}

	vNorm := normalizeVectorScores(vector)
	sNorm := normalizeSparseScores(sparse)

	byID := make(map[string]*Result, len(vector)+len(sparse))
	getOrCreate := func(id string) *Result {
		if r, ok := byID[id]; ok {
			return r
		}
		r := &Result{ChunkID: id}
		byID[id] = r
		return r
	}

	for rank, m := range vector {
		r := getOrCreate(m.ID)
		r.VectorScore = float64(m.Score)
		r.VectorRank = rank + 1
		r.FusedScore += weights.Vector * vNorm[m.ID]
	}
	for rank, m := range sparse {
		r := getOrCreate(m.ID)
		r.SparseScore = m.Score
		r.SparseRank = rank + 1
		r.MatchedTerms = m.MatchedTerms
		r.FusedScore += weights.Sparse * sNorm[m.ID]
		if r.VectorRank > 0 {
			r.Source = SourceBoth
		} else {
			r.Source = SourceSparse
		}
	}
	for _, r := range byID {
		if r.Source == "" {
			r.Source = SourceVector
		}
	}

	results := toSlice(byID)
	sortResults(results)
	return results
}

func fuseProduct(vector []vectorstore.Match, sparse []sparseindex.Match, weights Weights) []Result {
	return fuseBothOnly(vector, sparse, func(v, s float64) float64 { return v * s })
}

func fuseHarmonicMean(vector []vectorstore.Match, sparse []sparseindex.Match, weights Weights) []Result {
	return fuseBothOnly(vector, sparse, func(v, s float64) float64 {
		if v+s == 0 {
			return 0
		}
		return 2 * v * s / (v + s)
	})
}

func fuseMaximum(vector []vectorstore.Match, sparse []sparseindex.Match, weights Weights) []Result {
	if len(vector) == 0 && len(sparse) == 0 {
		return []Result{}
	}
	vNorm := normalizeVectorScores(vector)
	sNorm := normalizeSparseScores(sparse)

	byID := make(map[string]*Result)
	for rank, m := range vector {
		r := &Result{ChunkID: m.ID, VectorScore: float64(m.Score), VectorRank: rank + 1, Source: SourceVector}
		r.FusedScore = vNorm[m.ID]
		byID[m.ID] = r
	}
	for rank, m := range sparse {
		if r, ok := byID[m.ID]; ok {
			r.SparseScore = m.Score
			r.SparseRank = rank + 1
			r.MatchedTerms = m.MatchedTerms
			r.Source = SourceBoth
			if sNorm[m.ID] > r.FusedScore {
				r.FusedScore = sNorm[m.ID]
			}
		} else {
			byID[m.ID] = &Result{
				ChunkID: m.ID, SparseScore: m.Score, SparseRank: rank + 1,
				MatchedTerms: m.MatchedTerms, Source: SourceSparse, FusedScore: sNorm[m.ID],
			}
		}
	}

	results := toSlice(byID)
	sortResults(results)
	return results
}

// fuseBothOnly implements Product/HarmonicMean: only chunks present in
// both ranked lists contribute a result.
func fuseBothOnly(vector []vectorstore.Match, sparse []sparseindex.Match, combine func(v, s float64) float64) []Result {
	if len(vector) == 0 || len(sparse) == 0 {
		return []Result{}
	}
	vNorm := normalizeVectorScores(vector)
	sNorm := normalizeSparseScores(sparse)

	vRank := make(map[string]int, len(vector))
	for i, m := range vector {
		vRank[m.ID] = i + 1
	}
	sparseByID := make(map[string]sparseindex.Match, len(sparse))
	sRank := make(map[string]int, len(sparse))
	for i, m := range sparse {
		sparseByID[m.ID] = m
		sRank[m.ID] = i + 1
	}

	var results []Result
	for _, m := range vector {
		sm, ok := sparseByID[m.ID]
		if !ok {
			continue
		}
		results = append(results, Result{
			ChunkID:      m.ID,
			VectorScore:  float64(m.Score),
			VectorRank:   vRank[m.ID],
			SparseScore:  sm.Score,
			SparseRank:   sRank[m.ID],
			MatchedTerms: sm.MatchedTerms,
			Source:       SourceBoth,
			FusedScore:   combine(vNorm[m.ID], sNorm[m.ID]),
		})
	}
	sortResultSlice(results)
	return results
}

func toSlice(m map[string]*Result) []Result {
	results := make([]Result, 0, len(m))
	for _, r := range m {
		results = append(results, *r)
	}
	return results
}

func sortResults(results []Result) {
	sortResultSlice(results)
}

func sortResultSlice(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		return a.ChunkID < b.ChunkID
	})
}

func normalizeVectorScores(matches []vectorstore.Match) map[string]float64 {
	out := make(map[string]float64, len(matches))
	if len(matches) == 0 {
		return out
	}
	min, max := matches[0].Score, matches[0].Score
	for _, m := range matches {
		if m.Score < min {
			min = m.Score
		}
		if m.Score > max {
			max = m.Score
		}
	}
	span := float64(max - min)
	for _, m := range matches {
		if span == 0 {
			out[m.ID] = 1.0
			continue
		}
		out[m.ID] = float64(m.Score-min) / span
	}
	return out
}

func normalizeSparseScores(matches []sparseindex.Match) map[string]float64 {
	out := make(map[string]float64, len(matches))
	if len(matches) == 0 {
		return out
	}
	min, max := matches[0].Score, matches[0].Score
	for _, m := range matches {
		if m.Score < min {
			min = m.Score
		}
		if m.Score > max {
			max = m.Score
		}
	}
	span := max - min
	for _, m := range matches {
		if span == 0 {
			out[m.ID] = 1.0
			continue
		}
		out[m.ID] = (m.Score - min) / span
	}
	return out
}

// ToModelSource maps a hybrid.Source onto the string recorded on a
// retrieval result.
func ToModelSource(s Source) string { return string(s) }
