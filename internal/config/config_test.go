package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 16, cfg.HNSW.M)
	assert.Equal(t, "rrf", cfg.Fusion.Method)
	assert.InDelta(t, 1.0, cfg.Fusion.VectorWeight+cfg.Fusion.SparseWeight, 0.001)
	assert.Equal(t, "adaptive", cfg.Reranker.Strategy)
}

func TestValidate_RejectsBadFusionWeights(t *testing.T) {
	cfg := NewConfig()
	cfg.Fusion.VectorWeight = 0.9
	cfg.Fusion.SparseWeight = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownRerankerStrategy(t *testing.T) {
	cfg := NewConfig()
	cfg.Reranker.Strategy = "made_up"
	assert.Error(t, cfg.Validate())
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "fusion:\n  method: weighted_sum\n  vector_weight: 0.6\n  sparse_weight: 0.4\nembedding:\n  dimension: 768\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ragcore.yaml"), []byte(yamlContent), 0o644))

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "weighted_sum", cfg.Fusion.Method)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ragcore.yaml"), []byte("fusion:\n  method: weighted_sum\n"), 0o644))
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RAGCORE_FUSION_METHOD", "max")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "max", cfg.Fusion.Method)
}

func TestMergeWith_PreservesUnsetFields(t *testing.T) {
	base := NewConfig()
	overlay := &Config{Reranker: RerankerConfig{Strategy: "llm"}}
	base.mergeWith(overlay)

	assert.Equal(t, "llm", base.Reranker.Strategy)
	assert.Equal(t, "rrf", base.Fusion.Method) // untouched
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	cfg := NewConfig()
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "method: rrf")

	loaded := &Config{}
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, cfg.Fusion.Method, loaded.Fusion.Method)
	assert.Equal(t, cfg.HNSW.M, loaded.HNSW.M)
}
