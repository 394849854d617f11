// Package search runs ranked queries across the lexical, vector, and
// temporal indexes and materializes hits from the frame log.
//
// Scores are tagged with the index kind that produced them and are never
// compared across kinds. The merged ordering is tiered: lexical matches
// first (score descending), then vector-only matches (score descending),
// with descending frame id breaking ties inside a tier.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/memvid/container"
	"github.com/hupe1980/memvid/lexical"
	"github.com/hupe1980/memvid/temporal"
	"github.com/hupe1980/memvid/vector"
)

const (
	// DefaultTopK is the page size when the request leaves TopK unset.
	DefaultTopK = 10
	// DefaultSnippetChars is the snippet budget when the request leaves
	// SnippetChars unset.
	DefaultSnippetChars = 200
)

var (
	// ErrNoQuery is returned when a request has neither query text nor an
	// embedding.
	ErrNoQuery = errors.New("search request needs query text or an embedding")

	// ErrNoLexicalIndex is returned for text queries against a file created
	// without the lexical index.
	ErrNoLexicalIndex = errors.New("lexical index not enabled for this memory file")

	// ErrNoVectorIndex is returned for embedding queries against a file
	// with no indexed embeddings.
	ErrNoVectorIndex = errors.New("vector index not available for this memory file")

	// ErrBadCursor is returned for cursors that do not decode.
	ErrBadCursor = errors.New("malformed search cursor")
)

// Kind identifies the index a score came from.
type Kind uint8

const (
	// KindLexical scores come from BM25 over the inverted index.
	KindLexical Kind = 0
	// KindVector scores are cosine similarities.
	KindVector Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindLexical:
		return "lexical"
	case KindVector:
		return "vector"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ScoreValue is a score tagged with its originating index kind. Values of
// different kinds are not comparable.
type ScoreValue struct {
	Kind  Kind
	Value float32
}

// MarshalJSON emits the bare numeric score, matching the wire shape
// expected by API consumers.
func (s ScoreValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}

// Request is one search query.
type Request struct {
	// Query is the lexical query text. May be empty for vector-only search.
	Query string
	// TopK is the maximum number of hits per page. Defaults to DefaultTopK.
	TopK int
	// SnippetChars bounds the snippet length in bytes, cut at a rune
	// boundary. Defaults to DefaultSnippetChars.
	SnippetChars int
	// URI restricts hits to frames recorded under this uri.
	URI string
	// Cursor resumes a previous response's pagination.
	Cursor string
	// AsOfFrame restricts hits to frames with id <= the given id.
	AsOfFrame *uint64
	// AsOfTime restricts hits to frames committed at or before the given time.
	AsOfTime *time.Time
	// NoSketch disables the vector sketch pre-filter and forces an
	// exhaustive exact scan.
	NoSketch bool
	// Embedding is the query vector for similarity search.
	Embedding []float32
}

// Hit is one search result.
type Hit struct {
	FrameID uint64     `json:"frame_id"`
	Title   string     `json:"title"`
	Score   ScoreValue `json:"score"`
	Text    string     `json:"text"`
	URI     string     `json:"uri,omitempty"`
}

// Response is one page of search results.
type Response struct {
	Hits       []Hit         `json:"hits"`
	TotalHits  int           `json:"total_hits"`
	Elapsed    time.Duration `json:"-"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// MarshalJSON emits elapsed time in milliseconds under elapsed_ms.
func (r *Response) MarshalJSON() ([]byte, error) {
	type alias Response
	return json.Marshal(struct {
		*alias
		ElapsedMS float64 `json:"elapsed_ms"`
	}{
		alias:     (*alias)(r),
		ElapsedMS: float64(r.Elapsed) / float64(time.Millisecond),
	})
}

// FrameSource reads committed frames for hit materialization.
type FrameSource interface {
	ReadFrame(id uint64) (*container.Frame, error)
}

// Engine evaluates requests against a consistent view of the indexes.
// Lexical and Vector may be nil when the respective index does not exist.
type Engine struct {
	Lexical  *lexical.Index
	Vector   *vector.Index
	Temporal *temporal.Index
	Frames   FrameSource
}

type candidate struct {
	frameID uint64
	tier    uint8
	score   float32
}

// Search runs the full query pipeline and returns one page of hits.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if req.Query == "" && len(req.Embedding) == 0 {
		return nil, ErrNoQuery
	}
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}
	if req.SnippetChars <= 0 {
		req.SnippetChars = DefaultSnippetChars
	}
	if req.Query != "" && e.Lexical == nil {
		return nil, ErrNoLexicalIndex
	}
	if len(req.Embedding) > 0 && e.Vector == nil {
		return nil, ErrNoVectorIndex
	}

	var after *cursor
	if req.Cursor != "" {
		c, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		after = c
	}

	scope, empty := e.resolveScope(req)
	if empty {
		return &Response{Hits: []Hit{}, Elapsed: time.Since(start)}, nil
	}

	merged, total, err := e.gather(ctx, req, scope, after != nil)
	if err != nil {
		return nil, err
	}

	if after != nil {
		merged = filterAfter(merged, *after)
	}

	page := merged
	var next string
	if len(page) > req.TopK {
		page = page[:req.TopK]
		last := page[len(page)-1]
		next = encodeCursor(cursor{tier: last.tier, score: last.score, frameID: last.frameID})
	}

	hits, err := e.materialize(page, req.SnippetChars)
	if err != nil {
		return nil, err
	}

	return &Response{
		Hits:       hits,
		TotalHits:  total,
		Elapsed:    time.Since(start),
		NextCursor: next,
	}, nil
}

// resolveScope combines the as-of cutoff and uri restriction into a single
// candidate mask. A nil mask means unrestricted; empty means no frame can
// match.
func (e *Engine) resolveScope(req Request) (mask *roaring64.Bitmap, empty bool) {
	switch {
	case req.AsOfFrame != nil:
		mask = e.Temporal.VisibleAsOfFrame(*req.AsOfFrame)
	case req.AsOfTime != nil:
		id, ok := e.Temporal.ResolveAsOfTime(*req.AsOfTime)
		if !ok {
			return nil, true
		}
		mask = e.Temporal.VisibleAsOfFrame(id)
	}

	if req.URI != "" {
		uriScope := e.Temporal.URIScope(req.URI)
		if uriScope == nil {
			return nil, true
		}
		if mask == nil {
			mask = uriScope
		} else {
			mask.And(uriScope)
		}
	}

	if mask != nil && mask.IsEmpty() {
		return nil, true
	}
	return mask, false
}

// gather retrieves and merges per-index candidates, returning them with the
// total candidate count. A frame matched by both indexes keeps its lexical
// placement; the vector score is dropped rather than blended.
func (e *Engine) gather(ctx context.Context, req Request, scope *roaring64.Bitmap, paginating bool) ([]candidate, int, error) {
	var lexHits []lexical.Candidate
	if req.Query != "" {
		lexHits = e.Lexical.Query(req.Query, scope)
	}

	var (
		vecHits []vector.Candidate
		pruned  bool
	)
	if len(req.Embedding) > 0 {
		// One row beyond the page so a full page still yields a cursor.
		k := req.TopK + 1
		if req.NoSketch || paginating {
			// Continuation pages need the full exact ordering so the
			// cursor never skips a frame the first page's pre-filter
			// missed.
			k = e.Vector.Size()
		} else {
			pruned = true
		}
		var err error
		vecHits, err = e.Vector.Query(ctx, req.Embedding, k, scope)
		if err != nil {
			return nil, 0, err
		}
	}

	inLex := make(map[uint64]struct{}, len(lexHits))
	merged := make([]candidate, 0, len(lexHits)+len(vecHits))
	for _, c := range lexHits {
		inLex[c.FrameID] = struct{}{}
		merged = append(merged, candidate{frameID: c.FrameID, tier: uint8(KindLexical), score: c.Score})
	}
	for _, c := range vecHits {
		if _, ok := inLex[c.FrameID]; ok {
			continue
		}
		merged = append(merged, candidate{frameID: c.FrameID, tier: uint8(KindVector), score: c.Score})
	}

	// Per-index results are already ordered; the concatenation preserves
	// the tier ordering, so no further sort is needed.
	total := len(merged)
	if pruned {
		// The pruned path only fetched one page of vector candidates; the
		// total still covers the whole in-scope candidate set.
		overlap := 0
		for id := range inLex {
			if e.Vector.Contains(id) {
				overlap++
			}
		}
		total = len(lexHits) + e.Vector.Count(scope) - overlap
	}
	return merged, total, nil
}

// filterAfter drops every candidate at or before the cursor position.
func filterAfter(merged []candidate, after cursor) []candidate {
	out := merged[:0]
	for _, c := range merged {
		if c.tier < after.tier {
			continue
		}
		if c.tier == after.tier {
			if c.score > after.score {
				continue
			}
			if c.score == after.score && c.frameID >= after.frameID {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (e *Engine) materialize(page []candidate, snippetChars int) ([]Hit, error) {
	hits := make([]Hit, 0, len(page))
	for _, c := range page {
		frame, err := e.Frames.ReadFrame(c.frameID)
		if err != nil {
			return nil, fmt.Errorf("failed to materialize hit %d: %w", c.frameID, err)
		}
		hits = append(hits, Hit{
			FrameID: frame.ID,
			Title:   frame.Title,
			Score:   ScoreValue{Kind: Kind(c.tier), Value: c.score},
			Text:    Snippet(frame.Content, snippetChars),
			URI:     frame.URI,
		})
	}
	return hits, nil
}
