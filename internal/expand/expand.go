// Package expand implements Small-to-Big context expansion: given a set of
// precisely-matched primary chunks, it widens the retrieved context along
// sequential, hierarchical, and semantic relationship edges.
package expand

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ragcore/ragcore/internal/analyzer"
	"github.com/ragcore/ragcore/internal/model"
)

// Channel is one expansion strategy.
type Channel string

const (
	ChannelSequential   Channel = "sequential"
	ChannelHierarchical Channel = "hierarchical"
	ChannelSemantic     Channel = "semantic"
)

// Config parameterizes which channels run and how far they reach.
type Config struct {
	Sequential           bool
	Hierarchical         bool
	Semantic             bool
	DedupThreshold       float64 // Jaccard similarity at/above which two chunks are considered duplicates
	MaxExpansionDistance int     // bounds hop count regardless of window size
	SemanticFloor        float64 // minimum relationship strength for the semantic channel
}

// DefaultConfig enables all three channels with spec defaults.
func DefaultConfig() Config {
	return Config{
		Sequential:           true,
		Hierarchical:         true,
		Semantic:             true,
		DedupThreshold:       0.9,
		MaxExpansionDistance: 2,
		SemanticFloor:        0.7,
	}
}

// windowFor maps query complexity onto an expansion window size.
func windowFor(c analyzer.Complexity) int {
	switch c {
	case analyzer.Simple:
		return 1
	case analyzer.Moderate:
		return 2
	case analyzer.Complex:
		return 3
	default:
		return 4
	}
}

// ChunkSource is the subset of repository.Repository the expander needs:
// chunk lookup, sibling enumeration, and relationship traversal.
type ChunkSource interface {
	GetChunk(ctx context.Context, id string) (*model.Chunk, error)
	GetChunksByDocument(ctx context.Context, documentID string) ([]*model.Chunk, error)
	GetRelationships(ctx context.Context, id string, typeFilter []model.RelationshipType) ([]model.ChunkRelationship, error)
}

// ExpandedChunk is a chunk pulled in by expansion, annotated with how it
// was reached.
type ExpandedChunk struct {
	Chunk    *model.Chunk
	Channel  Channel
	Strength float64 // 1.0 for sequential adjacency, edge strength for hierarchical/semantic
	Distance int      // hop count from the primary chunk
}

// Result is the Small-to-Big expansion of a single primary chunk.
type Result struct {
	PrimaryChunk      *model.Chunk
	ExpandedContext   []ExpandedChunk
	ExpansionBreakdown map[Channel]int
	ExpansionQuality  float64
}

// Expander widens primary search hits into larger contexts via the
// relationship graph.
type Expander struct {
	source ChunkSource
	cfg    Config
}

// New builds an Expander over a chunk source.
func New(source ChunkSource, cfg Config) *Expander {
	return &Expander{source: source, cfg: cfg}
}

// Expand widens each primary chunk's context using the enabled channels,
// sized by query complexity and bounded by Config.MaxExpansionDistance.
func (e *Expander) Expand(ctx context.Context, primary []*model.Chunk, complexity analyzer.Complexity, queryEntities []string) ([]Result, error) {
	window := windowFor(complexity)
	maxDistance := e.cfg.MaxExpansionDistance
	if window < maxDistance {
		maxDistance = window
	}

	results := make([]Result, 0, len(primary))
	for _, chunk := range primary {
		expanded, err := e.expandOne(ctx, chunk, window, maxDistance)
		if err != nil {
			return nil, fmt.Errorf("expand chunk %s: %w", chunk.ID, err)
		}
		expanded = dedupe(expanded, e.cfg.DedupThreshold)

		breakdown := map[Channel]int{}
		for _, ec := range expanded {
			breakdown[ec.Channel]++
		}

		results = append(results, Result{
			PrimaryChunk:       chunk,
			ExpandedContext:    expanded,
			ExpansionBreakdown: breakdown,
			ExpansionQuality:   quality(expanded, queryEntities),
		})
	}
	return results, nil
}

func (e *Expander) expandOne(ctx context.Context, primary *model.Chunk, window, maxDistance int) ([]ExpandedChunk, error) {
	visited := map[string]struct{}{primary.ID: {}}
	var out []ExpandedChunk

	if e.cfg.Sequential {
		seq, err := e.expandSequential(ctx, primary, window, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, seq...)
	}
	if e.cfg.Hierarchical {
		hier, err := e.expandHierarchical(ctx, primary, maxDistance, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, hier...)
	}
	if e.cfg.Semantic {
		sem, err := e.expandSemantic(ctx, primary, maxDistance, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, sem...)
	}
	return out, nil
}

// expandSequential pulls in up to window chunks before and after primary
// by document position.
func (e *Expander) expandSequential(ctx context.Context, primary *model.Chunk, window int, visited map[string]struct{}) ([]ExpandedChunk, error) {
	siblings, err := e.source.GetChunksByDocument(ctx, primary.DocumentID)
	if err != nil {
		return nil, err
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].Position < siblings[j].Position })

	idx := -1
	for i, c := range siblings {
		if c.ID == primary.ID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, nil
	}

	var out []ExpandedChunk
	for dist := 1; dist <= window; dist++ {
		if lo := idx - dist; lo >= 0 {
			out = appendIfNew(out, siblings[lo], visited, ChannelSequential, 1.0, dist)
		}
		if hi := idx + dist; hi < len(siblings) {
			out = appendIfNew(out, siblings[hi], visited, ChannelSequential, 1.0, dist)
		}
	}
	return out, nil
}

// expandHierarchical follows Hierarchical relationship edges breadth-first,
// up to maxDistance hops, with an explicit visited set so cycles in the
// relationship graph cannot loop forever.
func (e *Expander) expandHierarchical(ctx context.Context, primary *model.Chunk, maxDistance int, visited map[string]struct{}) ([]ExpandedChunk, error) {
	return e.bfsExpand(ctx, primary, maxDistance, visited, ChannelHierarchical, []model.RelationshipType{model.RelationshipHierarchical}, 0)
}

// expandSemantic follows Semantic relationship edges above SemanticFloor,
// up to maxDistance hops.
func (e *Expander) expandSemantic(ctx context.Context, primary *model.Chunk, maxDistance int, visited map[string]struct{}) ([]ExpandedChunk, error) {
	return e.bfsExpand(ctx, primary, maxDistance, visited, ChannelSemantic, []model.RelationshipType{model.RelationshipSemantic}, e.cfg.SemanticFloor)
}

func (e *Expander) bfsExpand(ctx context.Context, primary *model.Chunk, maxDistance int, visited map[string]struct{}, channel Channel, types []model.RelationshipType, strengthFloor float64) ([]ExpandedChunk, error) {
	type frontierEntry struct {
		id       string
		distance int
	}
	frontier := []frontierEntry{{id: primary.ID, distance: 0}}
	var out []ExpandedChunk

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if next.distance >= maxDistance {
			continue
		}

		rels, err := e.source.GetRelationships(ctx, next.id, types)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if rel.Strength < strengthFloor {
				continue
			}
			if _, seen := visited[rel.ToChunkID]; seen {
				continue
			}
			chunk, err := e.source.GetChunk(ctx, rel.ToChunkID)
			if err != nil {
				continue // a dangling edge should not abort the whole expansion
			}
			visited[rel.ToChunkID] = struct{}{}
			out = append(out, ExpandedChunk{
				Chunk: chunk, Channel: channel, Strength: rel.Strength, Distance: next.distance + 1,
			})
			frontier = append(frontier, frontierEntry{id: rel.ToChunkID, distance: next.distance + 1})
		}
	}
	return out, nil
}

func appendIfNew(out []ExpandedChunk, c *model.Chunk, visited map[string]struct{}, channel Channel, strength float64, distance int) []ExpandedChunk {
	if _, seen := visited[c.ID]; seen {
		return out
	}
	visited[c.ID] = struct{}{}
	return append(out, ExpandedChunk{Chunk: c, Channel: channel, Strength: strength, Distance: distance})
}

// dedupe removes near-duplicate expanded chunks by Jaccard similarity of
// their tokenized text, keeping the first (closest/earliest-channel)
// occurrence.
func dedupe(chunks []ExpandedChunk, threshold float64) []ExpandedChunk {
	var kept []ExpandedChunk
	keptTokens := make([]map[string]struct{}, 0, len(chunks))
	for _, c := range chunks {
		tokens := tokenSet(c.Chunk.Text)
		duplicate := false
		for _, existing := range keptTokens {
			if jaccard(tokens, existing) >= threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, c)
		keptTokens = append(keptTokens, tokens)
	}
	return kept
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// quality scores an expansion by source diversity, average relationship
// strength, and coverage of the query's named entities.
func quality(expanded []ExpandedChunk, queryEntities []string) float64 {
	if len(expanded) == 0 {
		return 0
	}

	channels := map[Channel]struct{}{}
	var strengthSum float64
	coveredEntities := map[string]struct{}{}

	for _, ec := range expanded {
		channels[ec.Channel] = struct{}{}
		strengthSum += ec.Strength
		for _, e := range ec.Chunk.Metadata.Entities {
			coveredEntities[strings.ToLower(e)] = struct{}{}
		}
	}

	diversity := float64(len(channels)) / 3.0
	avgStrength := strengthSum / float64(len(expanded))

	coverage := 1.0
	if len(queryEntities) > 0 {
		hits := 0
		for _, qe := range queryEntities {
			if _, ok := coveredEntities[strings.ToLower(qe)]; ok {
				hits++
			}
		}
		coverage = float64(hits) / float64(len(queryEntities))
	}

	return (diversity + avgStrength + coverage) / 3.0
}
