// Package vector implements the similarity index over frame embeddings.
//
// The index is an exact flat index: cosine similarity via dot products over
// L2-normalized vectors. A 1-bit sign sketch per vector serves as a cheap
// Hamming pre-filter that narrows the exact scan to a small candidate pool.
// Like the lexical index it is derived state, rebuilt from the frame log.
package vector

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"
)

// ErrDimensionMismatch is returned when a vector does not match the
// dimensionality fixed by the first indexed embedding.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Options contains configuration options for the similarity index.
type Options struct {
	// Sketch enables the 1-bit sign pre-filter. Disabling it forces an
	// exhaustive exact scan for every query.
	Sketch bool
}

// DefaultOptions contains the default configuration options.
var DefaultOptions = Options{
	Sketch: true,
}

// Candidate is one scored frame returned by a query.
type Candidate struct {
	FrameID uint64
	Score   float32
}

type entry struct {
	frameID uint64
	vec     []float32 // L2-normalized
	sketch  []uint64
}

// Index is an exact cosine similarity index over frame embeddings.
type Index struct {
	mu      sync.RWMutex
	opts    Options
	dim     int
	entries []entry
	ids     *roaring64.Bitmap
}

// New creates an empty similarity index. The dimension is fixed by the
// first vector added.
func New(optFns ...func(o *Options)) *Index {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Index{opts: opts, ids: roaring64.New()}
}

// Add indexes the embedding of a committed frame. The vector is copied and
// normalized; the caller may reuse the slice.
func (idx *Index) Add(frameID uint64, vec []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dim == 0 {
		if len(vec) == 0 {
			return fmt.Errorf("cannot index empty vector for frame %d", frameID)
		}
		idx.dim = len(vec)
	} else if len(vec) != idx.dim {
		return &ErrDimensionMismatch{Expected: idx.dim, Actual: len(vec)}
	}

	normalized := normalize(vec)
	e := entry{frameID: frameID, vec: normalized}
	if idx.opts.Sketch {
		e.sketch = sketchOf(normalized)
	}
	idx.entries = append(idx.entries, e)
	idx.ids.Add(frameID)
	return nil
}

// Query returns the k nearest frames to the query vector by cosine
// similarity. scope, when non-nil, restricts candidates to the frame ids it
// contains. Results are ordered by descending score, ties broken by
// descending frame id.
func (idx *Index) Query(ctx context.Context, query []float32, k int, scope *roaring64.Bitmap) ([]Candidate, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != idx.dim {
		return nil, &ErrDimensionMismatch{Expected: idx.dim, Actual: len(query)}
	}

	q := normalize(query)

	candidates := idx.entries
	if scope != nil {
		candidates = make([]entry, 0, len(idx.entries))
		for _, e := range idx.entries {
			if scope.Contains(e.frameID) {
				candidates = append(candidates, e)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pool := poolSize(k)
	if idx.opts.Sketch && len(candidates) > pool {
		candidates = idx.preFilter(q, candidates, pool)
	}

	scored, err := scoreExact(ctx, q, candidates)
	if err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].FrameID > scored[j].FrameID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// poolSize is the number of candidates retained by the sketch pre-filter
// before exact rescoring.
func poolSize(k int) int {
	if p := 4 * k; p > 64 {
		return p
	}
	return 64
}

// preFilter ranks candidates by Hamming distance between sketches and keeps
// the pool closest ones for exact scoring.
func (idx *Index) preFilter(q []float32, candidates []entry, pool int) []entry {
	qs := sketchOf(q)

	type ranked struct {
		e entry
		d int
	}
	all := make([]ranked, len(candidates))
	for i, e := range candidates {
		all[i] = ranked{e: e, d: hamming(qs, e.sketch)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d < all[j].d
		}
		return all[i].e.frameID > all[j].e.frameID
	})

	out := make([]entry, pool)
	for i := range out {
		out[i] = all[i].e
	}
	return out
}

// scoreExact computes cosine scores for every candidate, splitting the work
// across GOMAXPROCS goroutines for large candidate sets.
func scoreExact(ctx context.Context, q []float32, candidates []entry) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Candidate, len(candidates))

	workers := runtime.GOMAXPROCS(0)
	if len(candidates) < 256 || workers < 2 {
		for i, e := range candidates {
			out[i] = Candidate{FrameID: e.frameID, Score: dot(q, e.vec)}
		}
		return out, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	chunk := (len(candidates) + workers - 1) / workers
	for start := 0; start < len(candidates); start += chunk {
		end := start + chunk
		if end > len(candidates) {
			end = len(candidates)
		}
		start := start
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				e := candidates[i]
				out[i] = Candidate{FrameID: e.frameID, Score: dot(q, e.vec)}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Dim returns the fixed vector dimension, or 0 while the index is empty.
func (idx *Index) Dim() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Size returns the number of indexed vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Count returns the number of indexed frames, restricted to scope when it
// is non-nil.
func (idx *Index) Count(scope *roaring64.Bitmap) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if scope == nil {
		return len(idx.entries)
	}
	return int(roaring64.And(idx.ids, scope).GetCardinality())
}

// Contains reports whether the frame has an indexed embedding.
func (idx *Index) Contains(frameID uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ids.Contains(frameID)
}

// normalize returns an L2-normalized copy of v. Zero vectors are returned
// as-is; they score 0 against everything.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
