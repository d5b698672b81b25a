// Package config provides layered YAML configuration for the indexing core,
// mirroring the option table in the library's external-interfaces contract.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete tunable configuration for a Core instance.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	HNSW       HNSWConfig       `yaml:"hnsw" json:"hnsw"`
	BM25       BM25Config       `yaml:"bm25" json:"bm25"`
	Fusion     FusionConfig     `yaml:"fusion" json:"fusion"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Reranker   RerankerConfig   `yaml:"reranker" json:"reranker"`
	SmallToBig SmallToBigConfig `yaml:"small_to_big" json:"small_to_big"`
	Enrichment EnrichmentConfig `yaml:"enrichment" json:"enrichment"`
	ABTest     ABTestConfig     `yaml:"ab_test" json:"ab_test"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// EmbeddingConfig describes the dimension contract with the caller's
// EmbeddingService; the dimension itself is never guessed by the core.
type EmbeddingConfig struct {
	Dimension int `yaml:"dimension" json:"dimension"`
}

// HNSWConfig controls the ANN build/search quality knobs (§4.1).
type HNSWConfig struct {
	M              int `yaml:"m" json:"m"`
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`
	EfSearch       int `yaml:"ef_search" json:"ef_search"`
	// ExactSearchBelow is the vector count below which search falls back to
	// brute force instead of the HNSW graph.
	ExactSearchBelow int `yaml:"exact_search_below" json:"exact_search_below"`
}

// BM25Config controls sparse scoring (§4.2).
type BM25Config struct {
	K1 float64 `yaml:"k1" json:"k1"`
	B  float64 `yaml:"b" json:"b"`
}

// FusionConfig controls hybrid rank fusion (§4.7).
type FusionConfig struct {
	Method           string  `yaml:"method" json:"method"` // rrf | weighted_sum | product | max | harmonic_mean
	K                int     `yaml:"k" json:"k"`
	VectorWeight     float64 `yaml:"vector_weight" json:"vector_weight"`
	SparseWeight     float64 `yaml:"sparse_weight" json:"sparse_weight"`
	OverFetch        int     `yaml:"over_fetch" json:"over_fetch"`
	AutoStrategy     bool    `yaml:"auto_strategy" json:"auto_strategy"`
}

// CacheConfig controls the semantic cache (§4.11).
type CacheConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	TTLDefault          string  `yaml:"ttl_default" json:"ttl_default"`
	EvictionPolicy      string  `yaml:"eviction_policy" json:"eviction_policy"` // lru | lfu | ttl | similarity_based
	MaxEntries          int     `yaml:"max_entries" json:"max_entries"`
}

// RerankerConfig selects the default reranking strategy (§4.9).
type RerankerConfig struct {
	Strategy string             `yaml:"strategy" json:"strategy"`
	Weights  map[string]float64 `yaml:"weights" json:"weights"`
}

// SmallToBigConfig bounds context expansion (§4.8).
type SmallToBigConfig struct {
	MaxDistance    int     `yaml:"max_distance" json:"max_distance"`
	DedupThreshold float64 `yaml:"dedup_threshold" json:"dedup_threshold"`
}

// EnrichmentConfig caps derived-metadata extraction (§4.4).
type EnrichmentConfig struct {
	MaxKeywords int                `yaml:"max_keywords" json:"max_keywords"`
	MaxEntities int                `yaml:"max_entities" json:"max_entities"`
	QualityWeights map[string]float64 `yaml:"quality_weights" json:"quality_weights"`
}

// ABTestConfig controls orchestrator shadow testing (§4.10).
type ABTestConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// LoggingConfig is the ambient logging knob surfaced through config.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// NewConfig returns a Config populated with the documented defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Embedding: EmbeddingConfig{
			Dimension: 0, // required; caller must set to EmbeddingService.Dimension()
		},
		HNSW: HNSWConfig{
			M:                16,
			EfConstruction:   200,
			EfSearch:         64,
			ExactSearchBelow: 1000,
		},
		BM25: BM25Config{
			K1: 1.2,
			B:  0.75,
		},
		Fusion: FusionConfig{
			Method:       "rrf",
			K:            60,
			VectorWeight: 0.7,
			SparseWeight: 0.3,
			OverFetch:    3,
			AutoStrategy: false,
		},
		Cache: CacheConfig{
			SimilarityThreshold: 0.9,
			TTLDefault:          "24h",
			EvictionPolicy:      "lru",
			MaxEntries:          10000,
		},
		Reranker: RerankerConfig{
			Strategy: "adaptive",
			Weights: map[string]float64{
				"semantic":   0.5,
				"quality":    0.3,
				"contextual": 0.2,
			},
		},
		SmallToBig: SmallToBigConfig{
			MaxDistance:    2,
			DedupThreshold: 0.9,
		},
		Enrichment: EnrichmentConfig{
			MaxKeywords: 10,
			MaxEntities: 10,
			QualityWeights: map[string]float64{
				"completeness":      0.25,
				"information_density": 0.20,
				"coherence":         0.20,
				"authority":         0.15,
				"freshness":         0.10,
				"query_relevance":   0.10,
			},
		},
		ABTest: ABTestConfig{
			Enabled:    false,
			SampleRate: 0.0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file,
// following the XDG Base Directory specification.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ragcore", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "ragcore", "config.yaml")
	}
	return filepath.Join(home, ".config", "ragcore", "config.yaml")
}

// UserConfigExists reports whether the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// LoadUserConfig loads the user configuration file, if any.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// Load builds a Config by applying, in order of increasing precedence:
//  1. hardcoded defaults
//  2. the user/global config (~/.config/ragcore/config.yaml)
//  3. a project-local config (.ragcore.yaml in dir)
//  4. RAGCORE_* environment variable overrides
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".ragcore.yaml")
	if fileExists(yamlPath) {
		return c.loadYAML(yamlPath)
	}
	ymlPath := filepath.Join(dir, ".ragcore.yml")
	if fileExists(ymlPath) {
		return c.loadYAML(ymlPath)
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero fields from other onto c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.Embedding.Dimension != 0 {
		c.Embedding.Dimension = other.Embedding.Dimension
	}

	if other.HNSW.M != 0 {
		c.HNSW.M = other.HNSW.M
	}
	if other.HNSW.EfConstruction != 0 {
		c.HNSW.EfConstruction = other.HNSW.EfConstruction
	}
	if other.HNSW.EfSearch != 0 {
		c.HNSW.EfSearch = other.HNSW.EfSearch
	}
	if other.HNSW.ExactSearchBelow != 0 {
		c.HNSW.ExactSearchBelow = other.HNSW.ExactSearchBelow
	}

	if other.BM25.K1 != 0 {
		c.BM25.K1 = other.BM25.K1
	}
	if other.BM25.B != 0 {
		c.BM25.B = other.BM25.B
	}

	if other.Fusion.Method != "" {
		c.Fusion.Method = other.Fusion.Method
	}
	if other.Fusion.K != 0 {
		c.Fusion.K = other.Fusion.K
	}
	if other.Fusion.VectorWeight != 0 {
		c.Fusion.VectorWeight = other.Fusion.VectorWeight
	}
	if other.Fusion.SparseWeight != 0 {
		c.Fusion.SparseWeight = other.Fusion.SparseWeight
	}
	if other.Fusion.OverFetch != 0 {
		c.Fusion.OverFetch = other.Fusion.OverFetch
	}
	c.Fusion.AutoStrategy = c.Fusion.AutoStrategy || other.Fusion.AutoStrategy

	if other.Cache.SimilarityThreshold != 0 {
		c.Cache.SimilarityThreshold = other.Cache.SimilarityThreshold
	}
	if other.Cache.TTLDefault != "" {
		c.Cache.TTLDefault = other.Cache.TTLDefault
	}
	if other.Cache.EvictionPolicy != "" {
		c.Cache.EvictionPolicy = other.Cache.EvictionPolicy
	}
	if other.Cache.MaxEntries != 0 {
		c.Cache.MaxEntries = other.Cache.MaxEntries
	}

	if other.Reranker.Strategy != "" {
		c.Reranker.Strategy = other.Reranker.Strategy
	}
	for k, v := range other.Reranker.Weights {
		if c.Reranker.Weights == nil {
			c.Reranker.Weights = map[string]float64{}
		}
		c.Reranker.Weights[k] = v
	}

	if other.SmallToBig.MaxDistance != 0 {
		c.SmallToBig.MaxDistance = other.SmallToBig.MaxDistance
	}
	if other.SmallToBig.DedupThreshold != 0 {
		c.SmallToBig.DedupThreshold = other.SmallToBig.DedupThreshold
	}

	if other.Enrichment.MaxKeywords != 0 {
		c.Enrichment.MaxKeywords = other.Enrichment.MaxKeywords
	}
	if other.Enrichment.MaxEntities != 0 {
		c.Enrichment.MaxEntities = other.Enrichment.MaxEntities
	}
	for k, v := range other.Enrichment.QualityWeights {
		if c.Enrichment.QualityWeights == nil {
			c.Enrichment.QualityWeights = map[string]float64{}
		}
		c.Enrichment.QualityWeights[k] = v
	}

	c.ABTest.Enabled = c.ABTest.Enabled || other.ABTest.Enabled
	if other.ABTest.SampleRate != 0 {
		c.ABTest.SampleRate = other.ABTest.SampleRate
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
}

// applyEnvOverrides applies RAGCORE_* environment variable overrides, the
// highest-precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RAGCORE_EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("RAGCORE_FUSION_METHOD"); v != "" {
		c.Fusion.Method = v
	}
	if v := os.Getenv("RAGCORE_FUSION_VECTOR_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Fusion.VectorWeight = w
		}
	}
	if v := os.Getenv("RAGCORE_FUSION_SPARSE_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Fusion.SparseWeight = w
		}
	}
	if v := os.Getenv("RAGCORE_CACHE_SIMILARITY_THRESHOLD"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Cache.SimilarityThreshold = w
		}
	}
	if v := os.Getenv("RAGCORE_RERANKER_STRATEGY"); v != "" {
		c.Reranker.Strategy = v
	}
	if v := os.Getenv("RAGCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RAGCORE_AB_TEST_ENABLED"); v != "" {
		c.ABTest.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
}

func parseFloat64(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &f)
	return f, err
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Embedding.Dimension < 0 {
		return fmt.Errorf("embedding.dimension must be non-negative, got %d", c.Embedding.Dimension)
	}

	if c.Fusion.VectorWeight < 0 || c.Fusion.VectorWeight > 1 {
		return fmt.Errorf("fusion.vector_weight must be between 0 and 1, got %f", c.Fusion.VectorWeight)
	}
	if c.Fusion.SparseWeight < 0 || c.Fusion.SparseWeight > 1 {
		return fmt.Errorf("fusion.sparse_weight must be between 0 and 1, got %f", c.Fusion.SparseWeight)
	}
	if sum := c.Fusion.VectorWeight + c.Fusion.SparseWeight; math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("fusion.vector_weight + fusion.sparse_weight must equal 1.0, got %.2f", sum)
	}

	validMethods := map[string]bool{"rrf": true, "weighted_sum": true, "product": true, "max": true, "harmonic_mean": true}
	if !validMethods[strings.ToLower(c.Fusion.Method)] {
		return fmt.Errorf("fusion.method must be one of rrf|weighted_sum|product|max|harmonic_mean, got %s", c.Fusion.Method)
	}

	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be between 0 and 1, got %f", c.Cache.SimilarityThreshold)
	}
	validEviction := map[string]bool{"lru": true, "lfu": true, "ttl": true, "similarity_based": true, "custom": true}
	if !validEviction[strings.ToLower(c.Cache.EvictionPolicy)] {
		return fmt.Errorf("cache.eviction_policy must be one of lru|lfu|ttl|similarity_based|custom, got %s", c.Cache.EvictionPolicy)
	}

	validStrategies := map[string]bool{"semantic": true, "quality": true, "contextual": true, "hybrid": true, "llm": true, "adaptive": true}
	if !validStrategies[strings.ToLower(c.Reranker.Strategy)] {
		return fmt.Errorf("reranker.strategy must be one of semantic|quality|contextual|hybrid|llm|adaptive, got %s", c.Reranker.Strategy)
	}

	if c.SmallToBig.MaxDistance < 0 {
		return fmt.Errorf("small_to_big.max_distance must be non-negative, got %d", c.SmallToBig.MaxDistance)
	}

	if c.ABTest.SampleRate < 0 || c.ABTest.SampleRate > 1 {
		return fmt.Errorf("ab_test.sample_rate must be between 0 and 1, got %f", c.ABTest.SampleRate)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %s", c.Logging.Level)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
