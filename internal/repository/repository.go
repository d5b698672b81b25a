// Package repository persists chunks, documents, and relationships in
// SQLite, and coordinates the "logical commit" that must land atomically
// across the repository, the vector store, and the sparse index.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/ragcore/ragcore/internal/errs"
	"github.com/ragcore/ragcore/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	name TEXT,
	path TEXT,
	status TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	text TEXT NOT NULL,
	embedding_json TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	quality_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS relationships (
	from_chunk_id TEXT NOT NULL,
	to_chunk_id TEXT NOT NULL,
	type TEXT NOT NULL,
	strength REAL NOT NULL,
	PRIMARY KEY (from_chunk_id, to_chunk_id, type)
);
CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_chunk_id);

-- Write-ahead log for cross-store logical commits. A row persists here
-- before the vector store / sparse index are touched, and is deleted once
-- all three stores have accepted the batch; a row surviving past that
-- window marks a batch that needs compensating deletes on startup.
CREATE TABLE IF NOT EXISTS commit_log (
	commit_id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	chunk_ids_json TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL
);
`

// Repository is a SQLite-backed store for chunks, documents, and the
// relationship graph between chunks.
type Repository struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open creates or opens a SQLite-backed repository at path. An empty path
// opens an in-memory database, useful for tests.
func Open(path string) (*Repository, error) {
	dsn := ":memory:"
	if path != "" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

type chunkMetadataJSON struct {
	Metadata model.ChunkMetadata `json:"metadata"`
}

// PutChunks inserts or replaces chunks, keyed by id.
func (r *Repository) PutChunks(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, position, text, embedding_json, metadata_json, quality_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id=excluded.document_id, position=excluded.position, text=excluded.text,
			embedding_json=excluded.embedding_json, metadata_json=excluded.metadata_json,
			quality_json=excluded.quality_json, updated_at=excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var embJSON sql.NullString
		if c.Embedding != nil {
			b, err := json.Marshal(c.Embedding)
			if err != nil {
				return fmt.Errorf("marshal embedding for chunk %s: %w", c.ID, err)
			}
			embJSON = sql.NullString{String: string(b), Valid: true}
		}
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for chunk %s: %w", c.ID, err)
		}
		qualJSON, err := json.Marshal(c.Quality)
		if err != nil {
			return fmt.Errorf("marshal quality for chunk %s: %w", c.ID, err)
		}

		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Position, c.Text,
			embJSON, string(metaJSON), string(qualJSON), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// GetChunk retrieves a single chunk by id.
func (r *Repository) GetChunk(ctx context.Context, id string) (*model.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, document_id, position, text, embedding_json, metadata_json, quality_json, created_at, updated_at
		FROM chunks WHERE id = ?`, id)

	chunk, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundError(fmt.Sprintf("chunk %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk %s: %w", id, err)
	}
	return chunk, nil
}

// GetChunksByDocument retrieves every chunk belonging to documentID,
// ordered by position.
func (r *Repository) GetChunksByDocument(ctx context.Context, documentID string) ([]*model.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, document_id, position, text, embedding_json, metadata_json, quality_json, created_at, updated_at
		FROM chunks WHERE document_id = ? ORDER BY position ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query chunks for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []*model.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*model.Chunk, error) {
	var (
		c         model.Chunk
		embJSON   sql.NullString
		metaJSON  string
		qualJSON  string
	)
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Position, &c.Text, &embJSON, &metaJSON, &qualJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if embJSON.Valid {
		var e model.Embedding
		if err := json.Unmarshal([]byte(embJSON.String), &e); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		c.Embedding = &e
	}
	if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(qualJSON), &c.Quality); err != nil {
		return nil, fmt.Errorf("unmarshal quality: %w", err)
	}
	return &c, nil
}

// DeleteChunks removes chunks by id.
func (r *Repository) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM chunks WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("delete chunk %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// DeleteDocument removes a document, its chunks, and every relationship
// touching those chunks.
func (r *Repository) DeleteDocument(ctx context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM relationships WHERE from_chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)
		   OR to_chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, documentID, documentID); err != nil {
		return fmt.Errorf("delete relationships for document %s: %w", documentID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete chunks for document %s: %w", documentID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID); err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return tx.Commit()
}

// PutDocument inserts or replaces a document record.
func (r *Repository) PutDocument(ctx context.Context, doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal document metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents (id, name, path, status, metadata_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, path=excluded.path, status=excluded.status, metadata_json=excluded.metadata_json
	`, doc.ID, doc.Name, doc.Path, string(doc.Status), string(metaJSON))
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// PutRelationship inserts a relationship edge; duplicate (from, to, type)
// insertion is a no-op, matching the idempotency invariant.
func (r *Repository) PutRelationship(ctx context.Context, rel model.ChunkRelationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO relationships (from_chunk_id, to_chunk_id, type, strength)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_chunk_id, to_chunk_id, type) DO UPDATE SET strength=excluded.strength
	`, rel.FromChunkID, rel.ToChunkID, string(rel.Type), rel.Strength)
	if err != nil {
		return fmt.Errorf("upsert relationship %s->%s: %w", rel.FromChunkID, rel.ToChunkID, err)
	}
	return nil
}

// GetRelationships returns edges from id, optionally filtered to
// typeFilter, sorted by (strength desc, to_id asc).
func (r *Repository) GetRelationships(ctx context.Context, id string, typeFilter []model.RelationshipType) ([]model.ChunkRelationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `
		SELECT from_chunk_id, to_chunk_id, type, strength FROM relationships WHERE from_chunk_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query relationships for %s: %w", id, err)
	}
	defer rows.Close()

	allowed := make(map[model.RelationshipType]struct{}, len(typeFilter))
	for _, t := range typeFilter {
		allowed[t] = struct{}{}
	}

	var rels []model.ChunkRelationship
	for rows.Next() {
		var rel model.ChunkRelationship
		var typ string
		if err := rows.Scan(&rel.FromChunkID, &rel.ToChunkID, &typ, &rel.Strength); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rel.Type = model.RelationshipType(typ)
		if len(typeFilter) > 0 {
			if _, ok := allowed[rel.Type]; !ok {
				continue
			}
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(rels, func(i, j int) bool {
		if rels[i].Strength != rels[j].Strength {
			return rels[i].Strength > rels[j].Strength
		}
		return rels[i].ToChunkID < rels[j].ToChunkID
	})
	return rels, nil
}

// HierarchyStats reports the chunk count and relationship count for a
// document.
type HierarchyStats struct {
	ChunkCount        int
	RelationshipCount int
}

// HierarchyStats computes occupancy for documentID.
func (r *Repository) HierarchyStats(ctx context.Context, documentID string) (HierarchyStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats HierarchyStats
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&stats.ChunkCount); err != nil {
		return stats, fmt.Errorf("count chunks: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationships
		WHERE from_chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, documentID).Scan(&stats.RelationshipCount); err != nil {
		return stats, fmt.Errorf("count relationships: %w", err)
	}
	return stats, nil
}

// BeginCommit records a write-ahead-log entry for a logical commit that is
// about to touch the vector store and sparse index as well as this
// repository. CompleteCommit clears it; a row still present at startup
// marks a batch that needs compensating deletes.
func (r *Repository) BeginCommit(ctx context.Context, commitID, documentID string, chunkIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idsJSON, err := json.Marshal(chunkIDs)
	if err != nil {
		return fmt.Errorf("marshal chunk ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO commit_log (commit_id, document_id, chunk_ids_json, started_at) VALUES (?, ?, ?, ?)
	`, commitID, documentID, string(idsJSON), time.Now())
	if err != nil {
		return fmt.Errorf("write commit log entry %s: %w", commitID, err)
	}
	return nil
}

// CompleteCommit clears a write-ahead-log entry once all stores have
// accepted the batch.
func (r *Repository) CompleteCommit(ctx context.Context, commitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM commit_log WHERE commit_id = ?`, commitID)
	if err != nil {
		return fmt.Errorf("clear commit log entry %s: %w", commitID, err)
	}
	return nil
}

// PendingCommit is an incomplete write-ahead-log entry found on startup.
type PendingCommit struct {
	CommitID   string
	DocumentID string
	ChunkIDs   []string
	StartedAt  time.Time
}

// PendingCommits returns every write-ahead-log entry that never completed,
// for the caller to run compensating deletes against.
func (r *Repository) PendingCommits(ctx context.Context) ([]PendingCommit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `SELECT commit_id, document_id, chunk_ids_json, started_at FROM commit_log`)
	if err != nil {
		return nil, fmt.Errorf("query commit log: %w", err)
	}
	defer rows.Close()

	var pending []PendingCommit
	for rows.Next() {
		var p PendingCommit
		var idsJSON string
		if err := rows.Scan(&p.CommitID, &p.DocumentID, &idsJSON, &p.StartedAt); err != nil {
			return nil, fmt.Errorf("scan commit log row: %w", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &p.ChunkIDs); err != nil {
			return nil, fmt.Errorf("unmarshal chunk ids: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}
