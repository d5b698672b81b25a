package repository

import (
	"context"
	"fmt"
	"time"
)

// InconsistencyType classifies a cross-store divergence found by a
// Reconciler pass.
type InconsistencyType string

const (
	// OrphanVector is an id present in the vector store but missing from
	// the repository.
	OrphanVector InconsistencyType = "orphan_vector"
	// OrphanSparse is an id present in the sparse index but missing from
	// the repository.
	OrphanSparse InconsistencyType = "orphan_sparse"
	// MissingVector is a repository chunk with no vector store entry.
	MissingVector InconsistencyType = "missing_vector"
	// MissingSparse is a repository chunk with no sparse index entry.
	MissingSparse InconsistencyType = "missing_sparse"
)

func (t InconsistencyType) String() string { return string(t) }

// Inconsistency is a single divergence found between the repository, the
// vector store, and the sparse index.
type Inconsistency struct {
	Type    InconsistencyType
	ChunkID string
}

// CheckResult summarizes one reconciliation pass.
type CheckResult struct {
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// VectorIndexReader exposes the id set a Reconciler compares against;
// vectorstore.Store satisfies it through AllIDs, which enables full
// OrphanVector/MissingVector detection. Without one, the Reconciler degrades to sparse-index-only
// comparison (still catching OrphanSparse/MissingSparse, which covers the
// common case where BM25 indexing failed independently of vector writes).
type VectorIndexReader interface {
	AllIDs() ([]string, error)
}

// SparseIndexReader is the subset of sparseindex.Index a Reconciler needs.
type SparseIndexReader interface {
	AllIDs() ([]string, error)
}

// Reconciler compares the repository's chunk ids against the vector store
// and sparse index, generalizing a single two-store comparison into a
// three-way one, and repairs orphaned entries.
type Reconciler struct {
	repo   *Repository
	vector VectorIndexReader
	sparse SparseIndexReader
}

// NewReconciler builds a Reconciler over the three stores that must stay
// in lockstep. Either index reader may be nil to skip that leg of the
// comparison (useful when only one side is wired up yet).
func NewReconciler(repo *Repository, vector VectorIndexReader, sparse SparseIndexReader) *Reconciler {
	return &Reconciler{repo: repo, vector: vector, sparse: sparse}
}

// Check performs a full cross-store scan and reports every divergence
// found, without modifying any store.
func (r *Reconciler) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()

	repoIDs, err := r.allRepositoryChunkIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repository chunk ids: %w", err)
	}
	repoSet := toSet(repoIDs)

	var result CheckResult
	result.Checked = len(repoIDs)

	if r.sparse != nil {
		sparseIDs, err := r.sparse.AllIDs()
		if err != nil {
			return nil, fmt.Errorf("list sparse index ids: %w", err)
		}
		sparseSet := toSet(sparseIDs)
		for id := range sparseSet {
			if _, ok := repoSet[id]; !ok {
				result.Inconsistencies = append(result.Inconsistencies, Inconsistency{Type: OrphanSparse, ChunkID: id})
			}
		}
		for id := range repoSet {
			if _, ok := sparseSet[id]; !ok {
				result.Inconsistencies = append(result.Inconsistencies, Inconsistency{Type: MissingSparse, ChunkID: id})
			}
		}
	}

	if r.vector != nil {
		vectorIDs, err := r.vector.AllIDs()
		if err != nil {
			return nil, fmt.Errorf("list vector store ids: %w", err)
		}
		vectorSet := toSet(vectorIDs)
		for id := range vectorSet {
			if _, ok := repoSet[id]; !ok {
				result.Inconsistencies = append(result.Inconsistencies, Inconsistency{Type: OrphanVector, ChunkID: id})
			}
		}
		for id := range repoSet {
			if _, ok := vectorSet[id]; !ok {
				result.Inconsistencies = append(result.Inconsistencies, Inconsistency{Type: MissingVector, ChunkID: id})
			}
		}
	}

	result.Duration = time.Since(start)
	return &result, nil
}

// VectorDeleter and SparseDeleter are the write-side capabilities Repair
// needs; kept minimal so callers can pass the concrete stores directly.
type VectorDeleter interface {
	Delete(ctx context.Context, ids []string) error
}

type SparseDeleter interface {
	Remove(ctx context.Context, ids []string) error
}

// Repair deletes orphaned entries (present in an index but not the
// repository) from the offending index. Missing-side inconsistencies are
// not auto-repaired here: the repository holds the source text and
// metadata needed to re-derive an embedding or BM25 entry, so the caller
// must re-run ingestion for those chunk ids.
func (r *Reconciler) Repair(ctx context.Context, issues []Inconsistency, vectorDeleter VectorDeleter, sparseDeleter SparseDeleter) error {
	var orphanVector, orphanSparse []string
	for _, issue := range issues {
		switch issue.Type {
		case OrphanVector:
			orphanVector = append(orphanVector, issue.ChunkID)
		case OrphanSparse:
			orphanSparse = append(orphanSparse, issue.ChunkID)
		}
	}

	if len(orphanVector) > 0 && vectorDeleter != nil {
		if err := vectorDeleter.Delete(ctx, orphanVector); err != nil {
			return fmt.Errorf("delete orphaned vectors: %w", err)
		}
	}
	if len(orphanSparse) > 0 && sparseDeleter != nil {
		if err := sparseDeleter.Remove(ctx, orphanSparse); err != nil {
			return fmt.Errorf("delete orphaned sparse entries: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) allRepositoryChunkIDs(ctx context.Context) ([]string, error) {
	r.repo.mu.RLock()
	defer r.repo.mu.RUnlock()

	rows, err := r.repo.db.QueryContext(ctx, `SELECT id FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// RecoverPendingCommits runs compensating deletes across all three stores
// for every write-ahead-log entry that never completed, then clears the
// log entry. Call this once at startup before serving traffic.
func (r *Reconciler) RecoverPendingCommits(ctx context.Context, vectorDeleter VectorDeleter, sparseDeleter SparseDeleter) error {
	pending, err := r.repo.PendingCommits(ctx)
	if err != nil {
		return fmt.Errorf("list pending commits: %w", err)
	}

	for _, p := range pending {
		if vectorDeleter != nil {
			if err := vectorDeleter.Delete(ctx, p.ChunkIDs); err != nil {
				return fmt.Errorf("compensating vector delete for commit %s: %w", p.CommitID, err)
			}
		}
		if sparseDeleter != nil {
			if err := sparseDeleter.Remove(ctx, p.ChunkIDs); err != nil {
				return fmt.Errorf("compensating sparse delete for commit %s: %w", p.CommitID, err)
			}
		}
		if err := r.repo.DeleteChunks(ctx, p.ChunkIDs); err != nil {
			return fmt.Errorf("compensating repository delete for commit %s: %w", p.CommitID, err)
		}
		if err := r.repo.CompleteCommit(ctx, p.CommitID); err != nil {
			return fmt.Errorf("clear commit log for commit %s: %w", p.CommitID, err)
		}
	}
	return nil
}
