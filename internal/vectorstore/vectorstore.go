// Package vectorstore provides an ANN-backed, chunk-agnostic (id, embedding)
// store built on a Hierarchical Navigable Small World graph. It supports
// atomic snapshotting, lazy-tombstone deletion, document-scoped deletion,
// and a brute-force exact-search fallback below a configurable corpus size.
package vectorstore

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/ragcore/ragcore/internal/errs"
)

// Config parameterizes the ANN graph and the exact-search fallback.
type Config struct {
	// Dimension is the embedding width every put/search call must match.
	Dimension int

	// M is the max neighbors per graph node.
	M int

	// EfConstruction is recorded and saved with the store but not applied:
	// the graph is built with M, EfSearch and Ml only.
	EfConstruction int

	// EfSearch is the candidate pool width during query.
	EfSearch int

	// ExactSearchBelow is the vector count below which Search falls back to
	// brute-force cosine comparison instead of the graph.
	ExactSearchBelow int
}

// DefaultConfig returns the store's recommended defaults.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:        dimension,
		M:                16,
		EfConstruction:   200,
		EfSearch:         64,
		ExactSearchBelow: 1000,
	}
}

// Match is a single nearest-neighbor result, descending by Score with ties
// broken by ID for determinism.
type Match struct {
	ID    string
	Score float32 // cosine similarity in [-1, 1], higher is more similar
}

// Stats reports graph occupancy, including lazily-deleted orphan nodes.
type Stats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

// Store is a concurrency-safe HNSW-backed vector index.
type Store struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	idKey    map[string]uint64 // id -> graph key
	keyID    map[uint64]string // graph key -> id
	keyVec   map[uint64][]float32
	idDoc    map[string]string // id -> owning document id, for DeleteByDocument
	docIDs   map[string]map[string]struct{}
	nextKey  uint64

	closed bool
}

// snapshot is the gob-encoded persisted side-table; the graph itself is
// exported/imported separately via coder/hnsw's own format.
type snapshot struct {
	IDKey   map[string]uint64
	IDDoc   map[string]string
	KeyVec  map[uint64][]float32
	NextKey uint64
	Config  Config
}

// New creates an empty vector store.
func New(cfg Config) (*Store, error) {
	if cfg.Dimension <= 0 {
		return nil, errs.InputError("vector store dimension must be positive", nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &Store{
		graph:  graph,
		config: cfg,
		idKey:  make(map[string]uint64),
		keyID:  make(map[uint64]string),
		keyVec: make(map[uint64][]float32),
		idDoc:  make(map[string]string),
		docIDs: make(map[string]map[string]struct{}),
	}, nil
}

// Put inserts or replaces a single vector. documentID may be empty when the
// caller has no document-scoped deletion needs.
func (s *Store) Put(ctx context.Context, id string, embedding []float32, documentID string) error {
	return s.PutBatch(ctx, []string{id}, [][]float32{embedding}, []string{documentID})
}

// PutBatch inserts or replaces multiple vectors atomically with respect to
// the id/key side tables (the underlying graph has no transaction concept).
func (s *Store) PutBatch(ctx context.Context, ids []string, embeddings [][]float32, documentIDs []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(embeddings) {
		return errs.InputError(fmt.Sprintf("ids and embeddings length mismatch: %d vs %d", len(ids), len(embeddings)), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.InternalError("vector store is closed", nil)
	}

	for _, v := range embeddings {
		if len(v) != s.config.Dimension {
			return errs.InputError(fmt.Sprintf("dimension mismatch: expected %d, got %d", s.config.Dimension, len(v)), nil).
				WithDetail("expected", fmt.Sprintf("%d", s.config.Dimension)).
				WithDetail("got", fmt.Sprintf("%d", len(v)))
		}
	}

	for i, id := range ids {
		s.removeLocked(id)

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(embeddings[i]))
		copy(vec, embeddings[i])
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idKey[id] = key
		s.keyID[key] = id
		s.keyVec[key] = vec

		if i < len(documentIDs) && documentIDs[i] != "" {
			docID := documentIDs[i]
			s.idDoc[id] = docID
			if s.docIDs[docID] == nil {
				s.docIDs[docID] = make(map[string]struct{})
			}
			s.docIDs[docID][id] = struct{}{}
		}
	}

	return nil
}

// removeLocked orphans any existing mapping for id. Must hold s.mu.
func (s *Store) removeLocked(id string) {
	key, exists := s.idKey[id]
	if !exists {
		return
	}
	delete(s.keyID, key)
	delete(s.keyVec, key)
	delete(s.idKey, id)
	if docID, ok := s.idDoc[id]; ok {
		delete(s.docIDs[docID], id)
		delete(s.idDoc, id)
	}
}

// Get returns the stored embedding for id, if present.
func (s *Store) Get(id string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, exists := s.idKey[id]
	if !exists {
		return nil, false
	}
	return s.keyVec[key], true
}

// Search returns up to k ids ordered by descending cosine similarity,
// filtered to score >= minScore. Falls back to brute force below the
// configured ExactSearchBelow threshold or when the graph is empty.
func (s *Store) Search(ctx context.Context, query []float32, k int, minScore float32) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errs.InternalError("vector store is closed", nil)
	}
	if len(query) != s.config.Dimension {
		return nil, errs.InputError(fmt.Sprintf("dimension mismatch: expected %d, got %d", s.config.Dimension, len(query)), nil)
	}
	if len(s.idKey) == 0 {
		return []Match{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	if len(s.idKey) <= s.config.ExactSearchBelow {
		return s.exactSearchLocked(q, k, minScore), nil
	}

	nodes := s.graph.Search(q, k)
	matches := make([]Match, 0, len(nodes))
	for _, node := range nodes {
		id, ok := s.keyID[node.Key]
		if !ok {
			continue // orphaned (lazily-deleted) node
		}
		score := cosineSimilarity(q, node.Value)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{ID: id, Score: score})
	}
	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// exactSearchLocked brute-forces cosine similarity over all live vectors.
// Must hold at least a read lock.
func (s *Store) exactSearchLocked(query []float32, k int, minScore float32) []Match {
	matches := make([]Match, 0, len(s.idKey))
	for id, key := range s.idKey {
		score := cosineSimilarity(query, s.keyVec[key])
		if score < minScore {
			continue
		}
		matches = append(matches, Match{ID: id, Score: score})
	}
	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// sortMatches orders by descending score, ties broken ascending by id.
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
}

// Delete removes vectors by id using lazy tombstoning: the underlying graph
// node is orphaned rather than physically deleted, avoiding a known
// coder/hnsw issue when the last node in the graph is removed.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.InternalError("vector store is closed", nil)
	}
	for _, id := range ids {
		s.removeLocked(id)
	}
	return nil
}

// DeleteByDocument removes every vector associated with documentID and
// reports how many were removed.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errs.InternalError("vector store is closed", nil)
	}

	ids := s.docIDs[documentID]
	n := len(ids)
	for id := range ids {
		s.removeLocked(id)
	}
	delete(s.docIDs, documentID)
	return n, nil
}

// Exists reports whether id is currently live in the store.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idKey[id]
	return ok
}

// Count returns the number of live (non-orphaned) vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idKey)
}

// AllIDs returns every live vector id, for cross-store consistency checks
// against the repository and sparse index.
func (s *Store) AllIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.idKey))
	for id := range s.idKey {
		ids = append(ids, id)
	}
	return ids, nil
}

// Stats reports live vs. orphaned graph occupancy, used to decide when
// Optimize is worth running.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	validIDs := len(s.idKey)
	graphNodes := s.graph.Len()
	return Stats{ValidIDs: validIDs, GraphNodes: graphNodes, Orphans: graphNodes - validIDs}
}

// Optimize rebuilds the graph from only the live vectors, discarding
// lazily-deleted orphans accumulated by Delete/PutBatch replacement.
func (s *Store) Optimize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.InternalError("vector store is closed", nil)
	}

	fresh := hnsw.NewGraph[uint64]()
	fresh.Distance = hnsw.CosineDistance
	fresh.M = s.config.M
	fresh.EfSearch = s.config.EfSearch
	fresh.Ml = 0.25

	newKeyID := make(map[uint64]string, len(s.idKey))
	newIDKey := make(map[string]uint64, len(s.idKey))
	newKeyVec := make(map[uint64][]float32, len(s.idKey))

	var nextKey uint64
	for id, oldKey := range s.idKey {
		vec := s.keyVec[oldKey]
		fresh.Add(hnsw.MakeNode(nextKey, vec))
		newIDKey[id] = nextKey
		newKeyID[nextKey] = id
		newKeyVec[nextKey] = vec
		nextKey++
	}

	s.graph = fresh
	s.idKey = newIDKey
	s.keyID = newKeyID
	s.keyVec = newKeyVec
	s.nextKey = nextKey
	return nil
}

// Save persists the graph and its id side-tables via temp-file-then-rename,
// so a crash mid-write never leaves a corrupt store on disk.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errs.InternalError("vector store is closed", nil)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return s.saveSideTable(path + ".meta")
}

func (s *Store) saveSideTable(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	snap := snapshot{IDKey: s.idKey, IDDoc: s.idDoc, KeyVec: s.keyVec, NextKey: s.nextKey, Config: s.config}
	if err := gob.NewEncoder(file).Encode(snap); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load replaces the store's contents with a previously Saved snapshot.
func (s *Store) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.InternalError("vector store is closed", nil)
	}

	if err := s.loadSideTable(path + ".meta"); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	if err := s.graph.Import(reader); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	return nil
}

func (s *Store) loadSideTable(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close vectorstore metadata file", slog.String("error", cerr.Error()))
		}
	}()

	var snap snapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	s.idKey = snap.IDKey
	s.idDoc = snap.IDDoc
	s.keyVec = snap.KeyVec
	s.nextKey = snap.NextKey
	s.config = snap.Config

	s.keyID = make(map[uint64]string, len(s.idKey))
	s.docIDs = make(map[string]map[string]struct{})
	for id, key := range s.idKey {
		s.keyID[key] = id
	}
	for id, docID := range s.idDoc {
		if s.docIDs[docID] == nil {
			s.docIDs[docID] = make(map[string]struct{})
		}
		s.docIDs[docID][id] = struct{}{}
	}

	return nil
}

// Close releases the store. Further calls return errors.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// cosineSimilarity assumes both vectors are already unit-normalized, so it
// reduces to a dot product.
func cosineSimilarity(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}
