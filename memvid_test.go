package memvid

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryFile(t *testing.T, optFns ...Option) *Memvid {
	t.Helper()

	mv, err := Create(filepath.Join(t.TempDir(), "memory.mv2"), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { mv.Close() })
	return mv
}

// stubEmbedder maps text to a fixed-dimension vector so delegation paths can
// be exercised without a real model.
type stubEmbedder struct {
	dim   int
	calls int
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls++
	v := make([]float32, s.dim)
	for i, r := range text {
		v[i%s.dim] += float32(r)
	}
	return v, nil
}

func (s *stubEmbedder) Dimension() int { return s.dim }

func TestPutCommitSearch(t *testing.T) {
	mv := newMemoryFile(t)

	seq, err := mv.PutText("the quick brown fox jumps over the lazy dog", func(o *PutOptions) {
		o.Title = "fox"
		o.URI = "note://fox"
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	// Staged frames are invisible to search until commit.
	resp, err := mv.Search(SearchRequest{Query: "fox"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
	assert.Equal(t, 1, mv.PendingCount())

	ids, err := mv.Commit()
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, ids)
	assert.Zero(t, mv.PendingCount())

	resp, err = mv.Search(SearchRequest{Query: "quick fox"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	hit := resp.Hits[0]
	assert.Equal(t, uint64(0), hit.FrameID)
	assert.Equal(t, "fox", hit.Title)
	assert.Equal(t, "note://fox", hit.URI)
	assert.Equal(t, KindLexical, hit.Score.Kind)
	assert.Contains(t, hit.Text, "quick brown fox")
}

func TestPutValidation(t *testing.T) {
	mv := newMemoryFile(t)

	_, err := mv.Put(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = mv.Put([]byte("a"), func(o *PutOptions) { o.Embedding = []float32{1, 2, 3} })
	require.NoError(t, err)

	_, err = mv.Put([]byte("b"), func(o *PutOptions) { o.Embedding = []float32{1, 2} })
	assert.ErrorIs(t, err, ErrInvalidInput)
	var dm *DimensionMismatchError
	assert.ErrorAs(t, err, &dm)
}

func TestGet(t *testing.T) {
	mv := newMemoryFile(t)

	content := []byte("retrievable content")
	_, err := mv.Put(content, func(o *PutOptions) { o.Title = "t" })
	require.NoError(t, err)
	ids, err := mv.Commit()
	require.NoError(t, err)

	f, err := mv.Get(ids[0])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(f.Content, content))
	assert.Equal(t, "t", f.Title)

	_, err = mv.Get(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenRestoresIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")

	mv, err := Create(path)
	require.NoError(t, err)
	_, err = mv.PutText("persistent words survive reopen", func(o *PutOptions) {
		o.URI = "note://p"
		o.Embedding = []float32{0.5, 0.5}
	})
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)
	require.NoError(t, mv.Close())

	mv, err = Open(path)
	require.NoError(t, err)
	defer mv.Close()

	stats := mv.Stats()
	assert.Equal(t, uint64(1), stats.FrameCount)
	assert.True(t, stats.HasLexIndex)
	assert.True(t, stats.HasVecIndex)
	assert.Equal(t, 1, stats.URICount)

	resp, err := mv.Search(SearchRequest{Query: "persistent"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)

	resp, err = mv.Search(SearchRequest{Embedding: []float32{0.5, 0.5}})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, KindVector, resp.Hits[0].Score.Kind)
}

func TestCreateRejectsExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")
	mv, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, mv.Close())

	_, err = Create(path)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mv2"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriterLockConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")
	mv, err := Create(path)
	require.NoError(t, err)
	defer mv.Close()

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrConflict)

	// A read-only handle is allowed beside the writer.
	ro, err := Open(path, WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.PutText("nope")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSearchWithoutLexicalIndex(t *testing.T) {
	mv := newMemoryFile(t, WithoutLexicalIndex())

	_, err := mv.Put([]byte("content"), func(o *PutOptions) { o.Embedding = []float32{1, 0} })
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)

	_, err = mv.Search(SearchRequest{Query: "content"})
	assert.ErrorIs(t, err, ErrNoIndex)
	assert.ErrorIs(t, err, ErrNotFound)

	// Vector search is unaffected.
	resp, err := mv.Search(SearchRequest{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 1)

	assert.False(t, mv.Stats().HasLexIndex)
}

func TestSearchWithoutVectorIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")
	mv, err := Create(path)
	require.NoError(t, err)
	_, err = mv.PutText("text without an embedding")
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)

	// No frame carries an embedding, so similarity search reports the
	// missing index instead of an empty page.
	_, err = mv.Search(SearchRequest{Embedding: []float32{1, 0, 0}})
	assert.ErrorIs(t, err, ErrNoIndex)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mv.Close())

	// An embedder beside an embedding-free file leaves text queries alone.
	mv, err = Open(path, WithEmbedder(&stubEmbedder{dim: 4}))
	require.NoError(t, err)
	defer mv.Close()
	resp, err := mv.Search(SearchRequest{Query: "text"})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 1)
}

func TestSearchInvalidRequests(t *testing.T) {
	mv := newMemoryFile(t)

	_, err := mv.Search(SearchRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = mv.Search(SearchRequest{Query: "x", Cursor: "!!bad!!"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEmbedderDelegation(t *testing.T) {
	emb := &stubEmbedder{dim: 4}
	mv := newMemoryFile(t, WithEmbedder(emb))

	_, err := mv.PutText("delegated embedding")
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)

	_, err = mv.Commit()
	require.NoError(t, err)
	assert.True(t, mv.Stats().HasVecIndex)

	// Query embedding is delegated too.
	resp, err := mv.Search(SearchRequest{Query: "delegated"})
	require.NoError(t, err)
	assert.Equal(t, 2, emb.calls)
	require.NotEmpty(t, resp.Hits)
}

func TestTimeline(t *testing.T) {
	mv := newMemoryFile(t)

	for i := 0; i < 3; i++ {
		_, err := mv.PutText(fmt.Sprintf("entry number %d", i), func(o *PutOptions) {
			o.URI = "note://log"
		})
		require.NoError(t, err)
		_, err = mv.Commit()
		require.NoError(t, err)
	}

	entries, err := mv.Timeline(TimelineQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].FrameID)
	assert.Equal(t, uint64(1), entries[1].FrameID)
	assert.Equal(t, "entry number 2", entries[0].Preview)
	assert.Equal(t, "note://log", entries[0].URI)

	// As-of frame 0 hides later commits.
	asOf := uint64(0)
	entries, err = mv.Timeline(TimelineQuery{AsOfFrame: &asOf})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0), entries[0].FrameID)

	// As-of a time before any commit shows nothing.
	early := time.Now().Add(-24 * time.Hour)
	entries, err = mv.Timeline(TimelineQuery{AsOfTime: &early})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearchAsOfFrame(t *testing.T) {
	mv := newMemoryFile(t)

	for i := 0; i < 3; i++ {
		_, err := mv.PutText(fmt.Sprintf("shared words version %d", i))
		require.NoError(t, err)
		_, err = mv.Commit()
		require.NoError(t, err)
	}

	asOf := uint64(1)
	resp, err := mv.Search(SearchRequest{Query: "shared words", AsOfFrame: &asOf})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)
	for _, h := range resp.Hits {
		assert.LessOrEqual(t, h.FrameID, uint64(1))
	}
}

func TestCrashRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")

	mv, err := Create(path)
	require.NoError(t, err)
	_, err = mv.PutText("committed before the crash")
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)

	_, err = mv.PutText("lost in the crash")
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)
	require.NoError(t, mv.Close())

	// Tear off the second commit's marker plus a few bytes, simulating a
	// crash mid-append.
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-31))

	mv, err = Open(path)
	require.NoError(t, err)
	defer mv.Close()

	assert.Equal(t, uint64(1), mv.Stats().FrameCount)
	resp, err := mv.Search(SearchRequest{Query: "committed"})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 1)
	resp, err = mv.Search(SearchRequest{Query: "lost"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
}

func TestVerifyFacade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")

	mv, err := Create(path)
	require.NoError(t, err)
	content := []byte("bytes that deep verification guards")
	_, err = mv.Put(content)
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)

	// Runs against the live writer: no lock is taken.
	report, err := Verify(path, true)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)
	require.NoError(t, mv.Close())

	// Flip one content byte. Shallow stays ok, deep flags corruption, and
	// Get reports it on read.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(raw, content)
	require.GreaterOrEqual(t, idx, 0)
	raw[idx] ^= 0x80
	require.NoError(t, os.WriteFile(path, raw, 0600))

	report, err = Verify(path, false)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)

	report, err = Verify(path, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, report.Status)

	mv, err = Open(path)
	require.NoError(t, err)
	defer mv.Close()
	_, err = mv.Get(0)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestIngestFile(t *testing.T) {
	mv := newMemoryFile(t)

	src := filepath.Join(t.TempDir(), "ingested.txt")
	require.NoError(t, os.WriteFile(src, []byte("file content to remember"), 0600))

	_, err := mv.IngestFile(src)
	require.NoError(t, err)
	ids, err := mv.Commit()
	require.NoError(t, err)

	f, err := mv.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "ingested.txt", f.Title)
	assert.Contains(t, f.URI, "file://")
	assert.Contains(t, f.URI, "ingested.txt")

	_, err = mv.IngestFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompressionOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")

	mv, err := Create(path, WithCompression(CompressionZstd))
	require.NoError(t, err)
	content := bytes.Repeat([]byte("compressible frame content "), 200)
	_, err = mv.Put(content)
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)
	require.NoError(t, mv.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, st.Size(), int64(len(content)))

	mv, err = Open(path)
	require.NoError(t, err)
	defer mv.Close()
	f, err := mv.Get(0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(f.Content, content))
}

func TestCloseIdempotent(t *testing.T) {
	mv := newMemoryFile(t)

	require.NoError(t, mv.Close())
	require.NoError(t, mv.Close())

	_, err := mv.PutText("after close")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = mv.Search(SearchRequest{Query: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = mv.Get(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSearchVectorPaginationFacade(t *testing.T) {
	mv := newMemoryFile(t)

	for i := 0; i < 5; i++ {
		_, err := mv.Put([]byte(fmt.Sprintf("vector doc %d", i)), func(o *PutOptions) {
			o.Embedding = []float32{1, float32(i) * 0.1}
		})
		require.NoError(t, err)
	}
	_, err := mv.Commit()
	require.NoError(t, err)

	seen := map[uint64]bool{}
	cursor := ""
	for {
		resp, err := mv.Search(SearchRequest{Embedding: []float32{1, 0}, TopK: 2, Cursor: cursor})
		require.NoError(t, err)
		assert.Equal(t, 5, resp.TotalHits)
		for _, h := range resp.Hits {
			require.False(t, seen[h.FrameID])
			seen[h.FrameID] = true
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	assert.Len(t, seen, 5)
}

func TestTimelineSurvivesContentCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")
	mv, err := Create(path)
	require.NoError(t, err)
	content := []byte("body bytes that will be damaged")
	_, err = mv.Put(content, func(o *PutOptions) { o.Title = "kept title" })
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)
	require.NoError(t, mv.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(raw, content)
	require.GreaterOrEqual(t, idx, 0)
	raw[idx] ^= 0x40
	require.NoError(t, os.WriteFile(path, raw, 0600))

	mv, err = Open(path)
	require.NoError(t, err)
	defer mv.Close()

	// The timeline previews the frame by its envelope-protected title.
	entries, err := mv.Timeline(TimelineQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept title", entries[0].Preview)

	_, err = mv.Get(0)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestOpenWithCorruptCompressedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")
	mv, err := Create(path, WithCompression(CompressionZstd))
	require.NoError(t, err)
	content := bytes.Repeat([]byte("compressible content "), 100)
	_, err = mv.Put(content, func(o *PutOptions) { o.Title = "still listed" })
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)
	require.NoError(t, mv.Close())

	// Break the zstd stream: the last stored content byte sits right
	// before the trailing 29-byte commit marker.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-30] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	mv, err = Open(path)
	require.NoError(t, err)
	defer mv.Close()

	assert.Equal(t, uint64(1), mv.Stats().FrameCount)
	entries, err := mv.Timeline(TimelineQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "still listed", entries[0].Preview)

	_, err = mv.Get(0)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestVerifyLogger(t *testing.T) {
	mv := newMemoryFile(t)
	_, err := mv.PutText("logged verification")
	require.NoError(t, err)
	_, err = mv.Commit()
	require.NoError(t, err)
	path := mv.Path()
	require.NoError(t, mv.Close())

	var buf bytes.Buffer
	logger := NewLogger(slog.NewTextHandler(&buf, nil))
	report, err := Verify(path, true, WithVerifyLogger(logger), WithVerifyWorkers(2))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)
	assert.Contains(t, buf.String(), "verify completed")
	assert.Contains(t, buf.String(), "status=ok")
}

func TestSearchPaginationFacade(t *testing.T) {
	mv := newMemoryFile(t)

	for i := 0; i < 5; i++ {
		_, err := mv.PutText(fmt.Sprintf("repeated corpus text %d", i))
		require.NoError(t, err)
	}
	_, err := mv.Commit()
	require.NoError(t, err)

	seen := map[uint64]bool{}
	cursor := ""
	for {
		resp, err := mv.Search(SearchRequest{Query: "repeated corpus", TopK: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, h := range resp.Hits {
			require.False(t, seen[h.FrameID])
			seen[h.FrameID] = true
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	assert.Len(t, seen, 5)
}
