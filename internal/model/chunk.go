// Package model defines the data types shared across the indexing core:
// chunks and their derived metadata, embeddings, documents, and cache
// entries. These types carry no store-specific behavior; storage packages
// convert to and from their own row/record shapes.
package model

import "time"

// ContentType tags the kind of content a chunk holds.
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// RelationshipType classifies a directed edge between two chunks.
type RelationshipType string

const (
	RelationshipSequential   RelationshipType = "sequential"
	RelationshipSemantic     RelationshipType = "semantic"
	RelationshipReference    RelationshipType = "reference"
	RelationshipCausal       RelationshipType = "causal"
	RelationshipHierarchical RelationshipType = "hierarchical"
	RelationshipSimilarity   RelationshipType = "similarity"
	RelationshipContradiction RelationshipType = "contradiction"
	RelationshipSupplementary RelationshipType = "supplementary"
)

// DocumentStatus is the lifecycle state of a Document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentIndexed    DocumentStatus = "indexed"
	DocumentFailed     DocumentStatus = "failed"
	DocumentDeleted    DocumentStatus = "deleted"
)

// Embedding is an immutable dense vector plus the model that produced it.
// Equality is by value; cosine similarity is the canonical distance metric
// used throughout the vector store and reranker.
type Embedding struct {
	Dimension int
	Values    []float32
	Model     string
}

// Equal reports whether two embeddings hold identical values and dimension.
func (e Embedding) Equal(other Embedding) bool {
	if e.Dimension != other.Dimension || len(e.Values) != len(other.Values) {
		return false
	}
	for i, v := range e.Values {
		if v != other.Values[i] {
			return false
		}
	}
	return true
}

// ChunkMetadata holds the derived, recomputable attributes of a chunk.
// It must be regenerable from (text, neighbors, document metadata) alone;
// re-enrichment never changes chunk identity.
type ChunkMetadata struct {
	// Text metrics.
	CharCount      int
	TokenEstimate  int
	SentenceCount  int
	Readability    float64
	Language       string

	// Semantic.
	Keywords    []string // ordered by weight, descending
	Entities    []string
	Topics      []string
	ContentType ContentType

	// Structural.
	SectionLevel    int // 0 = none
	SectionTitle    string
	PrecedingSnippet string
	FollowingSnippet string
	HeadingPath      []string

	// Retrieval.
	Importance     float64 // in [0,1]
	SearchableTerms []string
}

// ChunkQuality is a composite, weighted-mean score over named sub-dimensions.
// All fields except the counters are in [0,1].
type ChunkQuality struct {
	Completeness       float64
	InformationDensity float64
	Coherence          float64
	Authority          float64
	Freshness          float64
	QueryRelevance     float64
	ClickThroughRate   float64
	UserRating         float64
	RetrievalCount     int
	LastAccessed       time.Time
}

// Aggregate computes the weighted-mean quality score using the supplied
// per-dimension weights (missing keys are treated as zero weight).
func (q ChunkQuality) Aggregate(weights map[string]float64) float64 {
	dims := map[string]float64{
		"completeness":        q.Completeness,
		"information_density": q.InformationDensity,
		"coherence":           q.Coherence,
		"authority":           q.Authority,
		"freshness":           q.Freshness,
		"query_relevance":     q.QueryRelevance,
	}
	var sum, weightTotal float64
	for name, value := range dims {
		w, ok := weights[name]
		if !ok {
			continue
		}
		sum += w * value
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	return sum / weightTotal
}

// ChunkRelationship is a directed, typed, weighted edge between two chunks.
type ChunkRelationship struct {
	FromChunkID string
	ToChunkID   string
	Type        RelationshipType
	Strength    float64 // in [0,1]
}

// Chunk is the atomic retrievable unit of content.
type Chunk struct {
	ID         string
	DocumentID string
	Position   int // ordered position within the owning document
	Text       string
	Embedding  *Embedding // nil until embedded
	Metadata   ChunkMetadata
	Quality    ChunkQuality
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Document is a logical grouping of chunks.
type Document struct {
	ID       string
	Name     string
	Path     string
	ChunkIDs []string
	Metadata map[string]string
	Status   DocumentStatus
}

// CacheEntry is a single semantic-cache record keyed by query embedding.
type CacheEntry struct {
	QueryText      string
	QueryEmbedding Embedding
	Payload        []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	HitCount       int
	LastAccessed   time.Time
}
