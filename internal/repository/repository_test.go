package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragcore/ragcore/internal/model"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleChunk(id, docID string, pos int) *model.Chunk {
	now := time.Unix(1700000000, 0).UTC()
	return &model.Chunk{
		ID:         id,
		DocumentID: docID,
		Position:   pos,
		Text:       "sample text " + id,
		Embedding:  &model.Embedding{Dimension: 3, Values: []float32{0.1, 0.2, 0.3}, Model: "test"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestRepository_PutAndGetChunk(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := sampleChunk("c1", "d1", 0)
	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{c}))

	got, err := repo.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "sample text c1", got.Text)
	assert.Equal(t, "d1", got.DocumentID)
	require.NotNil(t, got.Embedding)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding.Values)
}

func TestRepository_GetChunk_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetChunk(context.Background(), "missing")
	require.Error(t, err)
}

func TestRepository_PutChunks_UpsertReplacesExisting(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := sampleChunk("c1", "d1", 0)
	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{c}))

	c.Text = "updated text"
	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{c}))

	got, err := repo.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "updated text", got.Text)
}

func TestRepository_GetChunksByDocument_OrderedByPosition(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{
		sampleChunk("c2", "d1", 1),
		sampleChunk("c1", "d1", 0),
		sampleChunk("other", "d2", 0),
	}))

	chunks, err := repo.GetChunksByDocument(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ID)
	assert.Equal(t, "c2", chunks[1].ID)
}

func TestRepository_DeleteChunks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{sampleChunk("c1", "d1", 0)}))
	require.NoError(t, repo.DeleteChunks(ctx, []string{"c1"}))

	_, err := repo.GetChunk(ctx, "c1")
	require.Error(t, err)
}

func TestRepository_DeleteDocument_CascadesChunksAndRelationships(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{
		sampleChunk("c1", "d1", 0),
		sampleChunk("c2", "d1", 1),
	}))
	require.NoError(t, repo.PutRelationship(ctx, model.ChunkRelationship{
		FromChunkID: "c1", ToChunkID: "c2", Type: model.RelationshipSequential, Strength: 1.0,
	}))

	require.NoError(t, repo.DeleteDocument(ctx, "d1"))

	_, err := repo.GetChunk(ctx, "c1")
	require.Error(t, err)
	rels, err := repo.GetRelationships(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestRepository_PutRelationship_IsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{
		sampleChunk("c1", "d1", 0),
		sampleChunk("c2", "d1", 1),
	}))
	rel := model.ChunkRelationship{FromChunkID: "c1", ToChunkID: "c2", Type: model.RelationshipSequential, Strength: 0.5}
	require.NoError(t, repo.PutRelationship(ctx, rel))
	require.NoError(t, repo.PutRelationship(ctx, rel))

	rels, err := repo.GetRelationships(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestRepository_GetRelationships_FiltersByTypeAndSortsByStrength(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{
		sampleChunk("c1", "d1", 0),
		sampleChunk("c2", "d1", 1),
		sampleChunk("c3", "d1", 2),
	}))
	require.NoError(t, repo.PutRelationship(ctx, model.ChunkRelationship{FromChunkID: "c1", ToChunkID: "c2", Type: model.RelationshipSequential, Strength: 0.3}))
	require.NoError(t, repo.PutRelationship(ctx, model.ChunkRelationship{FromChunkID: "c1", ToChunkID: "c3", Type: model.RelationshipSemantic, Strength: 0.9}))

	all, err := repo.GetRelationships(ctx, "c1", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c3", all[0].ToChunkID) // higher strength first

	filtered, err := repo.GetRelationships(ctx, "c1", []model.RelationshipType{model.RelationshipSequential})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "c2", filtered[0].ToChunkID)
}

func TestRepository_HierarchyStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutChunks(ctx, []*model.Chunk{
		sampleChunk("c1", "d1", 0),
		sampleChunk("c2", "d1", 1),
	}))
	require.NoError(t, repo.PutRelationship(ctx, model.ChunkRelationship{FromChunkID: "c1", ToChunkID: "c2", Type: model.RelationshipSequential, Strength: 1.0}))

	stats, err := repo.HierarchyStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ChunkCount)
	assert.Equal(t, 1, stats.RelationshipCount)
}

func TestRepository_CommitLog_BeginCompleteRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.BeginCommit(ctx, "commit-1", "d1", []string{"c1", "c2"}))

	pending, err := repo.PendingCommits(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "commit-1", pending[0].CommitID)
	assert.ElementsMatch(t, []string{"c1", "c2"}, pending[0].ChunkIDs)

	require.NoError(t, repo.CompleteCommit(ctx, "commit-1"))

	pending, err = repo.PendingCommits(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepository_PutDocument(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := &model.Document{ID: "d1", Name: "doc one", Status: model.DocumentIndexed}
	require.NoError(t, repo.PutDocument(ctx, doc))
	doc.Status = model.DocumentFailed
	require.NoError(t, repo.PutDocument(ctx, doc))
}
