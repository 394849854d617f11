// Package temporal tracks the commit-order history of frames and answers
// time-scoped queries: timelines, as-of visibility masks, and per-uri scopes.
//
// Frame creation timestamps are assigned at commit time, so they are
// monotonically non-decreasing in frame id order. That makes as-of-time
// resolution a binary search over the entry list.
package temporal

import (
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Entry is one frame's position in history.
type Entry struct {
	FrameID   uint64
	CreatedAt time.Time
	Title     string
	URI       string
}

// Index holds the commit-ordered frame history.
type Index struct {
	mu       sync.RWMutex
	entries  []Entry // ascending frame id
	all      *roaring64.Bitmap
	uriMasks map[string]*roaring64.Bitmap
}

// New creates an empty temporal index.
func New() *Index {
	return &Index{
		all:      roaring64.New(),
		uriMasks: make(map[string]*roaring64.Bitmap),
	}
}

// Add appends a committed frame. Frames must be added in ascending id order,
// which is the order the frame log replays them in.
func (idx *Index) Add(frameID uint64, createdAt time.Time, title, uri string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = append(idx.entries, Entry{
		FrameID:   frameID,
		CreatedAt: createdAt,
		Title:     title,
		URI:       uri,
	})
	idx.all.Add(frameID)

	if uri != "" {
		bm, ok := idx.uriMasks[uri]
		if !ok {
			bm = roaring64.New()
			idx.uriMasks[uri] = bm
		}
		bm.Add(frameID)
	}
}

// Timeline returns the most recent entries, newest first. limit <= 0 returns
// everything.
func (idx *Index) Timeline(limit int) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := range out {
		out[i] = idx.entries[len(idx.entries)-1-i]
	}
	return out
}

// ResolveAsOfTime returns the id of the newest frame created at or before t.
// ok is false when no frame is that old.
func (idx *Index) ResolveAsOfTime(t time.Time) (uint64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	// First entry strictly after t; everything before it is visible.
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].CreatedAt.After(t)
	})
	if i == 0 {
		return 0, false
	}
	return idx.entries[i-1].FrameID, true
}

// VisibleAsOfFrame returns the set of frame ids visible as of the given
// frame id, inclusive.
func (idx *Index) VisibleAsOfFrame(frameID uint64) *roaring64.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	mask := roaring64.New()
	mask.AddRange(0, frameID+1)
	mask.And(idx.all)
	return mask
}

// All returns a copy of the full visibility mask.
func (idx *Index) All() *roaring64.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.all.Clone()
}

// URIScope returns the frames recorded under uri, or nil when the uri is
// unknown.
func (idx *Index) URIScope(uri string) *roaring64.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bm, ok := idx.uriMasks[uri]
	if !ok {
		return nil
	}
	return bm.Clone()
}

// URICount returns the number of distinct uris with at least one frame.
func (idx *Index) URICount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.uriMasks)
}

// Len returns the number of recorded frames.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}
