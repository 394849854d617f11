// Package lexical implements the inverted keyword index over frame text.
//
// Postings are kept as roaring bitmaps keyed by normalized token, with
// per-frame term frequencies for BM25 scoring. The index is derived state:
// it holds frame ids only, never content, and is rebuilt from the frame log
// on open.
package lexical

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

const (
	k1 = 1.2
	b  = 0.75
)

// Candidate is one scored frame returned by a query.
type Candidate struct {
	FrameID uint64
	Score   float32
}

// Index is an in-memory BM25 inverted index.
type Index struct {
	mu          sync.RWMutex
	postings    map[string]*roaring64.Bitmap
	frequencies map[string]map[uint64]int
	docLengths  map[uint64]int
	totalLength int64
}

// New creates an empty lexical index.
func New() *Index {
	return &Index{
		postings:    make(map[string]*roaring64.Bitmap),
		frequencies: make(map[string]map[uint64]int),
		docLengths:  make(map[uint64]int),
	}
}

// Tokenize normalizes text into query/index tokens: lowercased,
// whitespace-split, surrounding punctuation trimmed.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := fields[:0]
	for _, f := range fields {
		t := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Add indexes the text of a committed frame. Frames are immutable, so Add is
// called exactly once per frame id.
func (idx *Index) Add(frameID uint64, text string) {
	tokens := Tokenize(text)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.docLengths[frameID] = len(tokens)
	idx.totalLength += int64(len(tokens))

	tf := make(map[string]int)
	for _, t := range tokens {
		tf[t]++
	}

	for t, count := range tf {
		bm, ok := idx.postings[t]
		if !ok {
			bm = roaring64.New()
			idx.postings[t] = bm
			idx.frequencies[t] = make(map[uint64]int)
		}
		bm.Add(frameID)
		idx.frequencies[t][frameID] = count
	}
}

// Query scores all frames matching any query token with BM25. scope, when
// non-nil, restricts candidates to the frame ids it contains. Results are
// ordered by descending score, ties broken by descending frame id, so
// identical queries against an unchanged index return identical orderings.
func (idx *Index) Query(text string, scope *roaring64.Bitmap) []Candidate {
	tokens := Tokenize(text)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	docCount := len(idx.docLengths)
	if docCount == 0 || len(tokens) == 0 {
		return nil
	}
	avgDL := float64(idx.totalLength) / float64(docCount)

	scores := make(map[uint64]float64)
	for _, t := range tokens {
		bm, ok := idx.postings[t]
		if !ok {
			continue
		}

		matched := bm
		if scope != nil {
			matched = roaring64.And(bm, scope)
		}
		if matched.IsEmpty() {
			continue
		}

		idf := idx.computeIDF(int(bm.GetCardinality()), docCount)
		freqs := idx.frequencies[t]

		it := matched.Iterator()
		for it.HasNext() {
			id := it.Next()
			tf := float64(freqs[id])
			docLen := float64(idx.docLengths[id])

			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/avgDL))
			scores[id] += idf * (num / denom)
		}
	}

	out := make([]Candidate, 0, len(scores))
	for id, score := range scores {
		out = append(out, Candidate{FrameID: id, Score: float32(score)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FrameID > out[j].FrameID
	})
	return out
}

func (idx *Index) computeIDF(df, docCount int) float64 {
	N := float64(docCount)
	n := float64(df)
	return math.Log(1 + (N-n+0.5)/(n+0.5))
}

// DocCount returns the number of indexed frames.
func (idx *Index) DocCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docLengths)
}

// TermCount returns the number of distinct tokens in the index.
func (idx *Index) TermCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.postings)
}
