package memvid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/memvid/container"
	"github.com/hupe1980/memvid/lexical"
	"github.com/hupe1980/memvid/search"
	"github.com/hupe1980/memvid/temporal"
	"github.com/hupe1980/memvid/vector"
	"github.com/hupe1980/memvid/verify"
)

// Frame is one committed unit of content plus its metadata.
type Frame = container.Frame

// Stats summarizes the state of an open memory file.
type Stats struct {
	FrameCount   uint64 `json:"frame_count"`
	PendingCount int    `json:"pending_count"`
	HasLexIndex  bool   `json:"has_lex_index"`
	HasVecIndex  bool   `json:"has_vec_index"`
	HasTimeIndex bool   `json:"has_time_index"`
	URICount     int    `json:"uri_count"`
}

// TimelineQuery selects a slice of commit history.
type TimelineQuery struct {
	// Limit bounds the number of entries. Defaults to 20.
	Limit int
	// AsOfFrame restricts the view to frames with id <= the given id.
	AsOfFrame *uint64
	// AsOfTime restricts the view to frames committed at or before the
	// given time.
	AsOfTime *time.Time
}

// TimelineEntry is one frame's position in commit history, newest first.
type TimelineEntry struct {
	FrameID   uint64    `json:"frame_id"`
	CreatedAt time.Time `json:"created_at"`
	URI       string    `json:"uri,omitempty"`
	Preview   string    `json:"preview"`
}

const (
	defaultTimelineLimit = 20
	previewChars         = 80
)

// Memvid is one open handle on a memory file. At most one writable handle
// may exist per file; additional handles must be read-only.
type Memvid struct {
	mu       sync.RWMutex
	c        *container.Container
	logger   *Logger
	embedder Embedder
	sketch   bool
	readOnly bool

	lex  *lexical.Index // nil when the file was created without it
	vec  *vector.Index  // nil until the first committed embedding
	temp *temporal.Index
	dim  int // embedding dimension, 0 until known

	pending []container.PendingFrame
	seq     uint64
}

func defaultFacadeOptions() options {
	return options{
		logger:      NoopLogger(),
		compression: CompressionNone,
		lexical:     true,
		sketch:      true,
	}
}

// Create creates a new memory file at path and returns a writable handle.
// The path must not already exist as a non-empty file.
func Create(path string, optFns ...Option) (*Memvid, error) {
	opts := defaultFacadeOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	c, err := container.Create(path, func(o *container.Options) {
		o.Lexical = opts.lexical
		o.Compression = opts.compression
	})
	if err != nil {
		if errors.Is(err, container.ErrExists) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil, translateError(err)
	}

	m := newHandle(c, opts)
	m.temp = temporal.New()
	if opts.lexical {
		m.lex = lexical.New()
	}
	return m, nil
}

// Open opens an existing memory file, replays the committed frame log, and
// rebuilds the in-memory indexes.
func Open(path string, optFns ...Option) (*Memvid, error) {
	opts := defaultFacadeOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	c, err := container.Open(path, func(o *container.Options) {
		o.ReadOnly = opts.readOnly
	})
	if err != nil {
		err = translateError(err)
		opts.logger.LogOpen(context.Background(), path, 0, err)
		return nil, err
	}

	m := newHandle(c, opts)
	if err := m.rebuild(); err != nil {
		_ = c.Close()
		err = translateError(err)
		opts.logger.LogOpen(context.Background(), path, 0, err)
		return nil, err
	}

	opts.logger.LogOpen(context.Background(), path, c.FrameCount(), nil)
	return m, nil
}

func newHandle(c *container.Container, opts options) *Memvid {
	return &Memvid{
		c:        c,
		logger:   opts.logger,
		embedder: opts.embedder,
		sketch:   opts.sketch,
		readOnly: opts.readOnly,
	}
}

// rebuild derives the in-memory indexes from the committed frame log.
// Frames whose content fails its checksum keep their metadata in the
// temporal index but are excluded from content search; the corruption
// surfaces on Get and in deep verification.
func (m *Memvid) rebuild() error {
	if m.c.Header().Lexical {
		m.lex = lexical.New()
	}
	m.temp = temporal.New()

	for _, id := range m.c.FrameIDs() {
		f, err := m.c.ReadFrame(id)
		if err != nil {
			if !container.IsChecksumMismatch(err) {
				return err
			}
			m.logger.Warn("frame content checksum mismatch", "id", id)
		} else {
			if m.lex != nil {
				m.lex.Add(f.ID, string(f.Content))
			}
			if len(f.Embedding) > 0 {
				if m.vec == nil {
					m.vec = m.newVectorIndex()
				}
				if err := m.vec.Add(f.ID, f.Embedding); err != nil {
					return err
				}
				m.dim = m.vec.Dim()
			}
		}
		m.temp.Add(f.ID, f.CreatedAt, f.Title, f.URI)
		if f.Sequence >= m.seq {
			m.seq = f.Sequence + 1
		}
	}
	return nil
}

func (m *Memvid) newVectorIndex() *vector.Index {
	return vector.New(func(o *vector.Options) {
		o.Sketch = m.sketch
	})
}

// Put stages content as a pending frame and returns its sequence number.
// Staged frames are invisible and not durable until Commit.
func (m *Memvid) Put(content []byte, optFns ...func(o *PutOptions)) (uint64, error) {
	var po PutOptions
	for _, fn := range optFns {
		fn(&po)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.putLocked(content, po)
	m.logger.LogPut(context.Background(), seq, len(content), err)
	return seq, err
}

func (m *Memvid) putLocked(content []byte, po PutOptions) (uint64, error) {
	if m.c == nil {
		return 0, ErrClosed
	}
	if m.readOnly {
		return 0, fmt.Errorf("%w: handle is read-only", ErrConflict)
	}
	if len(content) == 0 {
		return 0, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}

	embedding := po.Embedding
	if len(embedding) == 0 && m.embedder != nil {
		var err error
		embedding, err = m.embedder.Embed(context.Background(), string(content))
		if err != nil {
			return 0, fmt.Errorf("embedder failed: %w", err)
		}
	}
	if len(embedding) > 0 {
		if m.dim == 0 {
			m.dim = len(embedding)
		} else if len(embedding) != m.dim {
			return 0, &DimensionMismatchError{Expected: m.dim, Actual: len(embedding)}
		}
	}

	seq := m.seq
	m.seq++
	m.pending = append(m.pending, container.PendingFrame{
		Sequence:  seq,
		Title:     po.Title,
		URI:       po.URI,
		Content:   content,
		Embedding: embedding,
	})
	return seq, nil
}

// PutText stages a text frame. Convenience over Put.
func (m *Memvid) PutText(text string, optFns ...func(o *PutOptions)) (uint64, error) {
	return m.Put([]byte(text), optFns...)
}

// IngestFile reads a file from disk and stages it as a pending frame. The
// title defaults to the file's basename and the uri to file://<abs path>;
// both can be overridden through the options.
func (m *Memvid) IngestFile(path string, optFns ...func(o *PutOptions)) (uint64, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, translateError(err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	defaults := func(o *PutOptions) {
		o.Title = filepath.Base(path)
		o.URI = "file://" + abs
	}
	return m.Put(content, append([]func(o *PutOptions){defaults}, optFns...)...)
}

// Commit durably appends all pending frames followed by a commit marker and
// makes them visible to search atomically. Returns the assigned frame ids.
// A failed commit leaves the file in its pre-commit state; the error is
// reported, never retried.
func (m *Memvid) Commit() ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.commitLocked()
	first := uint64(0)
	if len(ids) > 0 {
		first = ids[0]
	}
	m.logger.LogCommit(context.Background(), len(ids), first, err)
	return ids, err
}

func (m *Memvid) commitLocked() ([]uint64, error) {
	if m.c == nil {
		return nil, ErrClosed
	}
	if len(m.pending) == 0 {
		return nil, nil
	}

	ids, err := m.c.Commit(m.pending)
	if err != nil {
		return nil, translateError(err)
	}

	// All frames in a batch share the commit timestamp.
	head, err := m.c.ReadFrame(ids[0])
	if err != nil {
		return nil, translateError(err)
	}
	committedAt := head.CreatedAt

	for i, pf := range m.pending {
		id := ids[i]
		if m.lex != nil {
			m.lex.Add(id, string(pf.Content))
		}
		if len(pf.Embedding) > 0 {
			if m.vec == nil {
				m.vec = m.newVectorIndex()
			}
			if err := m.vec.Add(id, pf.Embedding); err != nil {
				return nil, translateError(err)
			}
		}
		m.temp.Add(id, committedAt, pf.Title, pf.URI)
	}
	m.pending = nil

	return ids, nil
}

// Get returns the committed frame with the given id. The content checksum
// is verified on every read.
func (m *Memvid) Get(frameID uint64) (*Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.c == nil {
		return nil, ErrClosed
	}
	f, err := m.c.ReadFrame(frameID)
	if err != nil {
		return nil, translateError(err)
	}
	return f, nil
}

// Stats summarizes the current state of the handle.
func (m *Memvid) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.c == nil {
		return Stats{}
	}
	return Stats{
		FrameCount:   m.c.FrameCount(),
		PendingCount: len(m.pending),
		HasLexIndex:  m.lex != nil,
		HasVecIndex:  m.vec != nil,
		HasTimeIndex: m.temp != nil,
		URICount:     m.temp.URICount(),
	}
}

// Timeline returns recent commit history, newest first. Entries are
// previewed with the frame title or, when untitled, the leading content.
func (m *Memvid) Timeline(q TimelineQuery) ([]TimelineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.c == nil {
		return nil, ErrClosed
	}
	if q.Limit <= 0 {
		q.Limit = defaultTimelineLimit
	}

	cutoff, ok := m.resolveCutoff(q.AsOfFrame, q.AsOfTime)
	if !ok {
		return []TimelineEntry{}, nil
	}

	out := make([]TimelineEntry, 0, q.Limit)
	for _, e := range m.temp.Timeline(0) {
		if cutoff != nil && e.FrameID > *cutoff {
			continue
		}
		// A frame with damaged content keeps its place in the timeline;
		// the envelope-protected title still previews it.
		f, err := m.c.ReadFrame(e.FrameID)
		if err != nil && !container.IsChecksumMismatch(err) {
			return nil, translateError(err)
		}
		preview := f.Title
		if preview == "" && err == nil {
			preview = search.Snippet(f.Content, previewChars)
		}
		out = append(out, TimelineEntry{
			FrameID:   e.FrameID,
			CreatedAt: e.CreatedAt,
			URI:       e.URI,
			Preview:   preview,
		})
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// resolveCutoff maps the optional as-of bounds to an inclusive frame id.
// ok is false when nothing is visible under the bound.
func (m *Memvid) resolveCutoff(asOfFrame *uint64, asOfTime *time.Time) (*uint64, bool) {
	switch {
	case asOfFrame != nil:
		return asOfFrame, true
	case asOfTime != nil:
		id, ok := m.temp.ResolveAsOfTime(*asOfTime)
		if !ok {
			return nil, false
		}
		return &id, true
	default:
		return nil, true
	}
}

// PendingCount returns the number of staged, uncommitted frames.
func (m *Memvid) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Path returns the file path of the underlying memory file.
func (m *Memvid) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.c == nil {
		return ""
	}
	return m.c.Path()
}

// Close releases the writer lock and closes the file. Staged frames that
// were never committed are discarded. Idempotent.
func (m *Memvid) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.c == nil {
		return nil
	}
	err := m.c.Close()
	m.c = nil
	m.pending = nil
	return translateError(err)
}

// Report is the outcome of a verification run.
type Report = verify.Report

// Status classifies the overall health of a memory file.
type Status = verify.Status

// Verification statuses.
const (
	StatusOK       = verify.StatusOK
	StatusDegraded = verify.StatusDegraded
	StatusCorrupt  = verify.StatusCorrupt
)

// VerifyOption configures a verification run.
type VerifyOption func(o *verifyOptions)

type verifyOptions struct {
	logger *Logger
	run    []func(o *verify.Options)
}

// WithIOLimit caps verification scan throughput in bytes per second.
func WithIOLimit(bytesPerSec int64) VerifyOption {
	return func(o *verifyOptions) {
		o.run = append(o.run, verify.WithIOLimit(bytesPerSec))
	}
}

// WithVerifyWorkers bounds deep-verification parallelism.
func WithVerifyWorkers(n int) VerifyOption {
	return func(o *verifyOptions) {
		o.run = append(o.run, verify.WithWorkers(n))
	}
}

// WithVerifyLogger logs the verification outcome through the given logger.
func WithVerifyLogger(l *Logger) VerifyOption {
	return func(o *verifyOptions) {
		o.logger = l
	}
}

// Verify checks the integrity of the memory file at path. It opens the file
// read-only and never takes the writer lock, so it can run against a file
// that is open elsewhere. deep additionally recomputes every committed
// frame's content checksum.
func Verify(path string, deep bool, optFns ...VerifyOption) (*Report, error) {
	vo := verifyOptions{logger: NoopLogger()}
	for _, fn := range optFns {
		fn(&vo)
	}

	report, err := verify.Run(context.Background(), path, deep, vo.run...)
	if err != nil {
		err = translateError(err)
		vo.logger.LogVerify(context.Background(), path, "", err)
		return nil, err
	}
	vo.logger.LogVerify(context.Background(), path, string(report.Status), nil)
	return report, nil
}
