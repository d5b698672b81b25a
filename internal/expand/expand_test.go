package expand

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragcore/ragcore/internal/analyzer"
	"github.com/ragcore/ragcore/internal/model"
)

type fakeSource struct {
	chunks        map[string]*model.Chunk
	byDocument    map[string][]*model.Chunk
	relationships map[string][]model.ChunkRelationship
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		chunks:        map[string]*model.Chunk{},
		byDocument:    map[string][]*model.Chunk{},
		relationships: map[string][]model.ChunkRelationship{},
	}
}

func (f *fakeSource) add(c *model.Chunk) {
	f.chunks[c.ID] = c
	f.byDocument[c.DocumentID] = append(f.byDocument[c.DocumentID], c)
}

func (f *fakeSource) relate(from, to string, typ model.RelationshipType, strength float64) {
	f.relationships[from] = append(f.relationships[from], model.ChunkRelationship{
		FromChunkID: from, ToChunkID: to, Type: typ, Strength: strength,
	})
}

func (f *fakeSource) GetChunk(ctx context.Context, id string) (*model.Chunk, error) {
	c, ok := f.chunks[id]
	if !ok {
		return nil, assertNotFound{id}
	}
	return c, nil
}

func (f *fakeSource) GetChunksByDocument(ctx context.Context, documentID string) ([]*model.Chunk, error) {
	return f.byDocument[documentID], nil
}

func (f *fakeSource) GetRelationships(ctx context.Context, id string, typeFilter []model.RelationshipType) ([]model.ChunkRelationship, error) {
	var out []model.ChunkRelationship
	for _, rel := range f.relationships[id] {
		for _, t := range typeFilter {
			if rel.Type == t {
				out = append(out, rel)
				break
			}
		}
	}
	return out, nil
}

type assertNotFound struct{ id string }

func (e assertNotFound) Error() string { return "chunk not found: " + e.id }

func chunk(id, doc string, pos int, text string) *model.Chunk {
	return &model.Chunk{ID: id, DocumentID: doc, Position: pos, Text: text}
}

func TestExpand_SequentialPullsInNeighborsWithinWindow(t *testing.T) {
	src := newFakeSource()
	src.add(chunk("c0", "d1", 0, "zero"))
	src.add(chunk("c1", "d1", 1, "one"))
	src.add(chunk("c2", "d1", 2, "two"))
	src.add(chunk("c3", "d1", 3, "three"))

	cfg := DefaultConfig()
	cfg.Hierarchical = false
	cfg.Semantic = false
	e := New(src, cfg)

	results, err := e.Expand(context.Background(), []*model.Chunk{src.chunks["c1"]}, analyzer.Moderate, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	ids := idsOf(results[0].ExpandedContext)
	assert.Contains(t, ids, "c0")
	assert.Contains(t, ids, "c2")
	assert.Contains(t, ids, "c3") // window=2 for Moderate
}

func TestExpand_HierarchicalFollowsRelationshipsBreadthFirst(t *testing.T) {
	src := newFakeSource()
	src.add(chunk("root", "d1", 0, "root text"))
	src.add(chunk("child", "d1", 1, "child text"))
	src.add(chunk("grandchild", "d1", 2, "grandchild text"))
	src.relate("root", "child", model.RelationshipHierarchical, 1.0)
	src.relate("child", "grandchild", model.RelationshipHierarchical, 1.0)

	cfg := DefaultConfig()
	cfg.Sequential = false
	cfg.Semantic = false
	cfg.MaxExpansionDistance = 2
	e := New(src, cfg)

	results, err := e.Expand(context.Background(), []*model.Chunk{src.chunks["root"]}, analyzer.VeryComplex, nil)
	require.NoError(t, err)
	ids := idsOf(results[0].ExpandedContext)
	assert.Contains(t, ids, "child")
	assert.Contains(t, ids, "grandchild")
}

func TestExpand_SemanticRespectsStrengthFloor(t *testing.T) {
	src := newFakeSource()
	src.add(chunk("a", "d1", 0, "alpha"))
	src.add(chunk("b", "d1", 1, "beta"))
	src.add(chunk("c", "d1", 2, "gamma"))
	src.relate("a", "b", model.RelationshipSemantic, 0.9)
	src.relate("a", "c", model.RelationshipSemantic, 0.3)

	cfg := DefaultConfig()
	cfg.Sequential = false
	cfg.Hierarchical = false
	e := New(src, cfg)

	results, err := e.Expand(context.Background(), []*model.Chunk{src.chunks["a"]}, analyzer.Simple, nil)
	require.NoError(t, err)
	ids := idsOf(results[0].ExpandedContext)
	assert.Contains(t, ids, "b")
	assert.NotContains(t, ids, "c")
}

func TestExpand_DedupesNearIdenticalText(t *testing.T) {
	src := newFakeSource()
	src.add(chunk("a", "d1", 0, "the quick brown fox jumps"))
	src.add(chunk("b", "d1", 1, "the quick brown fox jumps"))
	src.add(chunk("c", "d1", 2, "the quick brown fox jumps"))

	cfg := DefaultConfig()
	cfg.Hierarchical = false
	cfg.Semantic = false
	e := New(src, cfg)

	results, err := e.Expand(context.Background(), []*model.Chunk{src.chunks["a"]}, analyzer.Moderate, nil)
	require.NoError(t, err)
	ids := idsOf(results[0].ExpandedContext)
	assert.Contains(t, ids, "b")
	assert.NotContains(t, ids, "c") // near-duplicate of b at the 0.9 threshold, dropped
}

func TestExpand_HierarchicalVisitedSetPreventsCycleLoop(t *testing.T) {
	src := newFakeSource()
	src.add(chunk("a", "d1", 0, "a"))
	src.add(chunk("b", "d1", 1, "b"))
	src.relate("a", "b", model.RelationshipHierarchical, 1.0)
	src.relate("b", "a", model.RelationshipHierarchical, 1.0) // cycle

	cfg := DefaultConfig()
	cfg.Sequential = false
	cfg.Semantic = false
	cfg.MaxExpansionDistance = 5
	e := New(src, cfg)

	results, err := e.Expand(context.Background(), []*model.Chunk{src.chunks["a"]}, analyzer.VeryComplex, nil)
	require.NoError(t, err)
	assert.Len(t, results[0].ExpandedContext, 1) // only "b"; "a" is the primary and never revisited
}

func TestExpand_QualityReflectsEntityCoverage(t *testing.T) {
	src := newFakeSource()
	a := chunk("a", "d1", 0, "alpha")
	b := chunk("b", "d1", 1, "beta")
	b.Metadata.Entities = []string{"OAuth"}
	src.add(a)
	src.add(b)
	src.relate("a", "b", model.RelationshipSemantic, 0.8)

	cfg := DefaultConfig()
	cfg.Sequential = false
	cfg.Hierarchical = false
	e := New(src, cfg)

	results, err := e.Expand(context.Background(), []*model.Chunk{a}, analyzer.Simple, []string{"oauth"})
	require.NoError(t, err)
	assert.Greater(t, results[0].ExpansionQuality, 0.0)
}

func idsOf(chunks []ExpandedChunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.Chunk.ID
	}
	return ids
}
