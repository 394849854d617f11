package memvid

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/memvid/search"
)

// SearchRequest is one search query. Zero values take the engine defaults:
// TopK 10, SnippetChars 200.
type SearchRequest = search.Request

// SearchResponse is one page of search results.
type SearchResponse = search.Response

// Hit is one search result.
type Hit = search.Hit

// ScoreValue is a score tagged with its originating index kind. Values of
// different kinds are not comparable.
type ScoreValue = search.ScoreValue

// Kind identifies the index a score came from.
type Kind = search.Kind

// Score kinds.
const (
	KindLexical = search.KindLexical
	KindVector  = search.KindVector
)

// Search runs a ranked query across the lexical and vector indexes and
// returns one page of hits. Lexical matches rank before vector-only
// matches; scores of different kinds are never compared. The response's
// NextCursor, when set, resumes the pagination as a live view over the
// current committed state.
func (m *Memvid) Search(req SearchRequest) (*SearchResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resp, err := m.searchLocked(req)

	results := 0
	var elapsed time.Duration
	if resp != nil {
		results = len(resp.Hits)
		elapsed = resp.Elapsed
	}
	m.logger.LogSearch(context.Background(), req.TopK, results, elapsed, err)
	return resp, err
}

func (m *Memvid) searchLocked(req SearchRequest) (*SearchResponse, error) {
	if m.c == nil {
		return nil, ErrClosed
	}

	// The query embedding is delegated only when indexed embeddings exist
	// to search against.
	if len(req.Embedding) == 0 && req.Query != "" && m.embedder != nil && m.vec != nil {
		embedding, err := m.embedder.Embed(context.Background(), req.Query)
		if err != nil {
			return nil, fmt.Errorf("embedder failed: %w", err)
		}
		req.Embedding = embedding
	}

	engine := &search.Engine{
		Lexical:  m.lex,
		Vector:   m.vec,
		Temporal: m.temp,
		Frames:   m.c,
	}
	resp, err := engine.Search(context.Background(), req)
	if err != nil {
		return nil, translateError(err)
	}
	return resp, nil
}
