// Package tuner auto-tunes the vector store's HNSW parameters: it sweeps
// a grid of (M, ef_search) with ef_construction held at the profile's
// value, refines around the
// recall/latency Pareto frontier, and validates a candidate against a
// golden query set and the immediately preceding baseline before
// committing it.
package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ragcore/ragcore/internal/vectorstore"
)

// Profile is a named starting point in HNSW parameter space.
type Profile string

const (
	ProfileSpeed    Profile = "speed"
	ProfileAccuracy Profile = "accuracy"
	ProfileMemory   Profile = "memory"
	ProfileBalanced Profile = "balanced"
)

// StartingPoint returns the seed Config for a profile, to be used as the
// center of the coarse grid sweep.
func StartingPoint(p Profile, dimension int) vectorstore.Config {
	base := vectorstore.DefaultConfig(dimension)
	switch p {
	case ProfileSpeed:
		base.M, base.EfConstruction, base.EfSearch = 8, 100, 32
	case ProfileAccuracy:
		base.M, base.EfConstruction, base.EfSearch = 32, 400, 128
	case ProfileMemory:
		base.M, base.EfConstruction, base.EfSearch = 8, 150, 48
	default: // ProfileBalanced
		base.M, base.EfConstruction, base.EfSearch = 16, 200, 64
	}
	return base
}

// GoldenQuery pairs a query vector with the chunk ids a correct search
// should surface, for recall measurement.
type GoldenQuery struct {
	Vector      []float32
	ExpectedIDs []string
}

// Result is the outcome of benchmarking one parameter set.
type Result struct {
	Params       vectorstore.Config
	RecallAtK    float64
	LatencyP95MS float64
	Timestamp    time.Time
}

// Metrics summarizes the current live index, independent of any
// benchmark run.
type Metrics struct {
	VectorCount int
	GraphNodes  int
	Orphans     int
}

// ChosenParams is what auto_tune commits, with the evidence behind it.
type ChosenParams struct {
	Params    vectorstore.Config
	Benchmark Result
	Baseline  *Result // nil if no prior baseline existed
}

// AutoTuneOptions bounds the search and the acceptance criteria.
type AutoTuneOptions struct {
	Profile        Profile
	K              int
	RecallFloor    float64 // candidate must meet or exceed this recall@k
	LatencyCeilMS  float64 // candidate must not exceed this p95 latency
	RegressionTolerance float64 // candidate recall may fall at most this much below baseline
}

// DefaultAutoTuneOptions is a conservative starting point.
func DefaultAutoTuneOptions() AutoTuneOptions {
	return AutoTuneOptions{
		Profile:             ProfileBalanced,
		K:                   10,
		RecallFloor:         0.9,
		LatencyCeilMS:       50,
		RegressionTolerance: 0.02,
	}
}

// Source is the subset of vectorstore.Store the tuner needs to rebuild a
// candidate index with different parameters from the live data.
type Source interface {
	AllIDs() ([]string, error)
	Get(id string) ([]float32, bool)
}

const benchmarkBucket = "benchmark_history"

// Tuner benchmarks and auto-tunes a vector store's HNSW parameters,
// persisting run history in an embedded bbolt database so auto_tune can
// compare a candidate against the immediately preceding baseline across
// process restarts.
type Tuner struct {
	source Source
	db     *bolt.DB
}

// New opens (creating if absent) a bbolt database at dbPath for
// benchmark history and wraps source, the live index to read vectors
// from when building candidate indexes.
func New(source Source, dbPath string) (*Tuner, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("tuner: open benchmark db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(benchmarkBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tuner: init bucket: %w", err)
	}
	return &Tuner{source: source, db: db}, nil
}

// Close releases the underlying bbolt database.
func (t *Tuner) Close() error { return t.db.Close() }

// Benchmark rebuilds a candidate index with params over the live
// dataset and measures recall@k and p95 latency across golden.
func (t *Tuner) Benchmark(ctx context.Context, params vectorstore.Config, golden []GoldenQuery, k int) (Result, error) {
	candidate, err := vectorstore.New(params)
	if err != nil {
		return Result{}, fmt.Errorf("tuner: build candidate index: %w", err)
	}
	defer candidate.Close()

	ids, err := t.source.AllIDs()
	if err != nil {
		return Result{}, fmt.Errorf("tuner: enumerate source ids: %w", err)
	}
	for _, id := range ids {
		vec, ok := t.source.Get(id)
		if !ok {
			continue
		}
		if err := candidate.Put(ctx, id, vec, ""); err != nil {
			return Result{}, fmt.Errorf("tuner: populate candidate: %w", err)
		}
	}

	var recallSum float64
	latencies := make([]float64, 0, len(golden))
	for _, q := range golden {
		start := time.Now()
		matches, err := candidate.Search(ctx, q.Vector, k, 0)
		elapsed := time.Since(start)
		if err != nil {
			return Result{}, fmt.Errorf("tuner: benchmark search: %w", err)
		}
		latencies = append(latencies, float64(elapsed.Microseconds())/1000.0)
		recallSum += recallAt(matches, q.ExpectedIDs)
	}

	var recall float64
	if len(golden) > 0 {
		recall = recallSum / float64(len(golden))
	}

	result := Result{
		Params:       params,
		RecallAtK:    recall,
		LatencyP95MS: percentile95(latencies),
		Timestamp:    time.Now(),
	}
	if err := t.record(result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// BenchmarkSweep runs Benchmark over every parameter set, continuing
// past an individual failure.
func (t *Tuner) BenchmarkSweep(ctx context.Context, paramSets []vectorstore.Config, golden []GoldenQuery, k int) ([]Result, error) {
	results := make([]Result, 0, len(paramSets))
	for _, params := range paramSets {
		r, err := t.Benchmark(ctx, params, golden, k)
		if err != nil {
			continue
		}
		results = append(results, r)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("tuner: all %d parameter sets failed to benchmark", len(paramSets))
	}
	return results, nil
}

// AutoTune runs the three-stage tuning procedure: a coarse grid sweep
// around the profile's starting point, Pareto-frontier refinement on
// (recall@k, latency_p95), and validation against opts' floor/ceiling
// and the preceding baseline.
func (t *Tuner) AutoTune(ctx context.Context, golden []GoldenQuery, opts AutoTuneOptions) (ChosenParams, error) {
	dimension := 0
	if len(golden) > 0 {
		dimension = len(golden[0].Vector)
	}
	seed := StartingPoint(opts.Profile, dimension)

	coarse, err := t.BenchmarkSweep(ctx, coarseGrid(seed), golden, opts.K)
	if err != nil {
		return ChosenParams{}, err
	}

	frontier := paretoFrontier(coarse)
	refined, err := t.BenchmarkSweep(ctx, refineGrid(frontier), golden, opts.K)
	if err != nil {
		refined = frontier // refinement is best-effort; fall back to the coarse frontier
	}

	candidate := bestByRecallThenLatency(append(frontier, refined...))

	baseline, _ := t.lastBaseline()

	if candidate.RecallAtK < opts.RecallFloor {
		return ChosenParams{}, fmt.Errorf("tuner: best candidate recall %.3f below floor %.3f", candidate.RecallAtK, opts.RecallFloor)
	}
	if candidate.LatencyP95MS > opts.LatencyCeilMS {
		return ChosenParams{}, fmt.Errorf("tuner: best candidate p95 latency %.1fms exceeds ceiling %.1fms", candidate.LatencyP95MS, opts.LatencyCeilMS)
	}
	if baseline != nil && candidate.RecallAtK < baseline.RecallAtK-opts.RegressionTolerance {
		return ChosenParams{}, fmt.Errorf("tuner: candidate recall %.3f regresses past baseline %.3f by more than tolerance %.3f", candidate.RecallAtK, baseline.RecallAtK, opts.RegressionTolerance)
	}

	if err := t.recordBaseline(candidate); err != nil {
		return ChosenParams{}, err
	}

	return ChosenParams{Params: candidate.Params, Benchmark: candidate, Baseline: baseline}, nil
}

// CollectMetrics snapshots the live index's occupancy, independent of
// any benchmark run.
func CollectMetrics(store *vectorstore.Store) Metrics {
	stats := store.Stats()
	return Metrics{VectorCount: stats.ValidIDs, GraphNodes: stats.GraphNodes, Orphans: stats.Orphans}
}

func recallAt(matches []vectorstore.Match, expected []string) float64 {
	if len(expected) == 0 {
		return 1.0
	}
	want := make(map[string]struct{}, len(expected))
	for _, id := range expected {
		want[id] = struct{}{}
	}
	hits := 0
	for _, m := range matches {
		if _, ok := want[m.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(expected))
}

func percentile95(latenciesMS []float64) float64 {
	if len(latenciesMS) == 0 {
		return 0
	}
	sorted := append([]float64{}, latenciesMS...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * 0.95)
	return sorted[idx]
}

// coarseGrid builds a grid of M and EfSearch values around seed;
// EfConstruction keeps the seed's value in every grid point.
func coarseGrid(seed vectorstore.Config) []vectorstore.Config {
	ms := []int{seed.M / 2, seed.M, seed.M * 2}
	efSearches := []int{seed.EfSearch / 2, seed.EfSearch, seed.EfSearch * 2}

	var grid []vectorstore.Config
	for _, m := range ms {
		if m < 4 {
			m = 4
		}
		for _, ef := range efSearches {
			if ef < 16 {
				ef = 16
			}
			cfg := seed
			cfg.M = m
			cfg.EfSearch = ef
			grid = append(grid, cfg)
		}
	}
	return grid
}

// refineGrid narrows the search to small perturbations of the Pareto
// frontier found in the coarse sweep.
func refineGrid(frontier []Result) []vectorstore.Config {
	var grid []vectorstore.Config
	for _, r := range frontier {
		for _, delta := range []int{-4, 4} {
			cfg := r.Params
			cfg.EfSearch += delta
			if cfg.EfSearch < 16 {
				continue
			}
			grid = append(grid, cfg)
		}
	}
	return grid
}

// paretoFrontier keeps only results not dominated by another: a result
// is dominated if some other result has both recall >= it and latency
// <= it, with at least one strictly better.
func paretoFrontier(results []Result) []Result {
	var frontier []Result
	for i, r := range results {
		dominated := false
		for j, other := range results {
			if i == j {
				continue
			}
			atLeastAsGood := other.RecallAtK >= r.RecallAtK && other.LatencyP95MS <= r.LatencyP95MS
			strictlyBetter := other.RecallAtK > r.RecallAtK || other.LatencyP95MS < r.LatencyP95MS
			if atLeastAsGood && strictlyBetter {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, r)
		}
	}
	return frontier
}

func bestByRecallThenLatency(results []Result) Result {
	best := results[0]
	for _, r := range results[1:] {
		if r.RecallAtK > best.RecallAtK || (r.RecallAtK == best.RecallAtK && r.LatencyP95MS < best.LatencyP95MS) {
			best = r
		}
	}
	return best
}

func (t *Tuner) record(r Result) error {
	key := []byte(r.Timestamp.Format(time.RFC3339Nano))
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("tuner: encode result: %w", err)
	}
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(benchmarkBucket)).Put(key, payload)
	})
}

const baselineKey = "__baseline__"

func (t *Tuner) recordBaseline(r Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("tuner: encode baseline: %w", err)
	}
	if err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(benchmarkBucket)).Put([]byte(baselineKey), payload)
	}); err != nil {
		return fmt.Errorf("tuner: persist baseline: %w", err)
	}
	return nil
}

func (t *Tuner) lastBaseline() (*Result, error) {
	var r Result
	var found bool
	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(benchmarkBucket)).Get([]byte(baselineKey))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &r)
	})
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}
