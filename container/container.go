// Package container implements the single-file memory container: an
// append-only stream of frame records with explicit commit markers.
//
// Layout: a fixed 32-byte header followed by CRC-framed records. Frame
// records carry their content bytes outside the envelope checksum; the
// content is covered by a separate per-frame checksum so structural and
// content integrity can be verified independently. A commit record is the
// durability boundary: frames after the last valid commit marker are
// invisible and are truncated away on the next writer open.
package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Options configures container creation and opening.
type Options struct {
	// Lexical enables the lexical index flag on create. Ignored on open.
	Lexical bool

	// Compression selects the content codec on create. Ignored on open.
	Compression Compression

	// ReadOnly opens the file without the writer lock and without
	// truncating a torn tail. Commit is rejected on read-only containers.
	ReadOnly bool
}

// DefaultOptions returns the default container options.
var DefaultOptions = Options{
	Lexical:     true,
	Compression: CompressionNone,
}

// Container is one open memory file. At most one writer handle may exist per
// file; the exclusive lock is acquired at open and released on close.
type Container struct {
	mu   sync.RWMutex
	f    *os.File
	path string
	hdr  Header
	lock *fileLock
	ro   bool

	offsets map[uint64]int64
	ids     []uint64 // committed ids, ascending
	nextID  uint64
	end     int64 // append position (after last committed record)
}

// Create creates a new memory file at path. The path must not already exist
// as a non-empty file.
func Create(path string, optFns ...func(o *Options)) (*Container, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory file: %w", err)
	}

	lock, err := acquireLock(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	hdr := Header{
		Version:     headerVersion,
		Lexical:     opts.Lexical,
		Compression: opts.Compression,
	}
	if err := writeHeader(f, hdr); err != nil {
		lock.release()
		_ = f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		lock.release()
		_ = f.Close()
		return nil, fmt.Errorf("failed to sync header: %w", err)
	}

	return &Container{
		f:       f,
		path:    path,
		hdr:     hdr,
		lock:    lock,
		offsets: make(map[uint64]int64),
		end:     headerLen,
	}, nil
}

// Open opens an existing memory file, validates its structure, and rebuilds
// the frame offset table from the committed record stream.
func Open(path string, optFns ...func(o *Options)) (*Container, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("memory file does not exist: %w", err)
		}
		return nil, fmt.Errorf("failed to open memory file: %w", err)
	}

	var lock *fileLock
	if !opts.ReadOnly {
		lock, err = acquireLock(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	c := &Container{
		f:       f,
		path:    path,
		lock:    lock,
		ro:      opts.ReadOnly,
		offsets: make(map[uint64]int64),
	}

	if err := c.replay(); err != nil {
		c.releaseLock()
		_ = f.Close()
		return nil, err
	}

	// Drop any torn or uncommitted tail so new commits append to a clean
	// boundary. Read-only handles leave the file untouched.
	if !opts.ReadOnly {
		st, err := f.Stat()
		if err != nil {
			c.releaseLock()
			_ = f.Close()
			return nil, err
		}
		if st.Size() > c.end {
			if err := f.Truncate(c.end); err != nil {
				c.releaseLock()
				_ = f.Close()
				return nil, fmt.Errorf("failed to truncate uncommitted tail: %w", err)
			}
		}
	}

	return c, nil
}

type stagedFrame struct {
	id     uint64
	offset int64
}

// replay scans the record stream and registers every committed frame.
func (c *Container) replay() error {
	if _, err := c.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	s, err := newScanner(c.f)
	if err != nil {
		return err
	}
	c.hdr = s.hdr

	var pending []stagedFrame

	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, ErrTruncatedRecord) {
			// Clean end or pre-commit crash; pending frames stay invisible.
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt record at offset %d: %w", s.lastOffset, err)
		}

		switch {
		case rec.Frame != nil:
			pending = append(pending, stagedFrame{id: rec.Frame.ID, offset: rec.Offset})
		case rec.Commit != nil:
			ci := rec.Commit
			if err := validateCommitRange(ci, pending, c.nextID); err != nil {
				return err
			}
			for _, p := range pending {
				c.offsets[p.id] = p.offset
				c.ids = append(c.ids, p.id)
			}
			c.nextID = ci.FirstID + uint64(ci.Count)
			c.end = s.offset
			pending = pending[:0]
		}
	}

	if c.end == 0 {
		c.end = headerLen
	}
	return nil
}

func validateCommitRange(ci *Commit, pending []stagedFrame, nextID uint64) error {
	if ci.FirstID != nextID {
		return fmt.Errorf("%w: commit marker out of order, first id %d, expected %d", ErrCorruptStream, ci.FirstID, nextID)
	}
	if int(ci.Count) != len(pending) {
		return fmt.Errorf("%w: commit marker references %d frames, found %d", ErrCorruptStream, ci.Count, len(pending))
	}
	for i, p := range pending {
		if p.id != ci.FirstID+uint64(i) {
			return fmt.Errorf("%w: frame id %d out of sequence in commit starting at %d", ErrCorruptStream, p.id, ci.FirstID)
		}
	}
	return nil
}

// Commit durably appends the pending frames followed by a commit marker.
// All frames become visible atomically; on failure the file is restored to
// the pre-commit state and the error is reported, never retried.
func (c *Container) Commit(frames []PendingFrame) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return nil, os.ErrClosed
	}
	if c.ro {
		return nil, errors.New("container is read-only")
	}
	if len(frames) == 0 {
		return nil, nil
	}

	now := time.Now()
	firstID := c.nextID

	var buf bytes.Buffer
	relOffsets := make([]int64, len(frames))

	for i, pf := range frames {
		stored, err := compressContent(pf.Content, c.hdr.Compression)
		if err != nil {
			return nil, err
		}
		meta := &frameMeta{
			ID:         firstID + uint64(i),
			Sequence:   pf.Sequence,
			CreatedAt:  now.UnixNano(),
			ContentCRC: ContentChecksum(pf.Content),
			RawLen:     uint32(len(pf.Content)),
			StoredLen:  uint32(len(stored)),
			Title:      pf.Title,
			URI:        pf.URI,
			Embedding:  pf.Embedding,
		}
		payload, err := encodeFrameMeta(meta)
		if err != nil {
			return nil, err
		}

		relOffsets[i] = int64(buf.Len())
		if err := writeRecord(&buf, recFrame, payload); err != nil {
			return nil, err
		}
		buf.Write(stored)
	}

	commit := encodeCommit(commitInfo{
		FirstID:     firstID,
		Count:       uint32(len(frames)),
		CommittedAt: now.UnixNano(),
	})
	if err := writeRecord(&buf, recCommit, commit); err != nil {
		return nil, err
	}

	if _, err := c.f.WriteAt(buf.Bytes(), c.end); err != nil {
		_ = c.f.Truncate(c.end)
		return nil, fmt.Errorf("commit write failed: %w", err)
	}
	if err := c.f.Sync(); err != nil {
		_ = c.f.Truncate(c.end)
		return nil, fmt.Errorf("commit sync failed: %w", err)
	}

	ids := make([]uint64, len(frames))
	for i := range frames {
		id := firstID + uint64(i)
		ids[i] = id
		c.offsets[id] = c.end + relOffsets[i]
		c.ids = append(c.ids, id)
	}
	c.nextID = firstID + uint64(len(frames))
	c.end += int64(buf.Len())

	return ids, nil
}

// ReadFrame returns the committed frame with the given id. The content
// checksum is verified on every read; a mismatch is reported as a
// ChecksumMismatchError, with the decoded frame still returned for callers
// that only need its metadata.
func (c *Container) ReadFrame(id uint64) (*Frame, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readFrameLocked(id)
}

func (c *Container) readFrameLocked(id uint64) (*Frame, error) {
	if c.f == nil {
		return nil, os.ErrClosed
	}
	offset, ok := c.offsets[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrFrameNotFound, id)
	}

	sr := io.NewSectionReader(c.f, offset, c.end-offset)
	typ, payload, err := readRecord(sr)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %d: %w", id, err)
	}
	if typ != recFrame {
		return nil, fmt.Errorf("record at offset %d is not a frame", offset)
	}
	meta, err := decodeFrameMeta(payload)
	if err != nil {
		return nil, err
	}

	stored := make([]byte, meta.StoredLen)
	if _, err := io.ReadFull(sr, stored); err != nil {
		return nil, fmt.Errorf("failed to read frame %d content: %w", id, err)
	}

	frame := &Frame{
		ID:         meta.ID,
		Sequence:   meta.Sequence,
		CreatedAt:  time.Unix(0, meta.CreatedAt),
		Title:      meta.Title,
		URI:        meta.URI,
		Embedding:  meta.Embedding,
		ContentCRC: meta.ContentCRC,
	}

	// The frame is returned alongside the mismatch error so callers can
	// still salvage the metadata, which sits under the envelope checksum.
	// Damaged stored bytes that no longer decompress are the same class of
	// content corruption as a failing checksum.
	content, err := DecompressContent(stored, meta.RawLen, c.hdr.Compression)
	if err != nil {
		return frame, &ChecksumMismatchError{FrameID: id, Expected: meta.ContentCRC, Cause: err}
	}
	frame.Content = content

	if actual := ContentChecksum(content); actual != meta.ContentCRC {
		return frame, &ChecksumMismatchError{FrameID: id, Expected: meta.ContentCRC, Actual: actual}
	}
	return frame, nil
}

// Iterate calls fn for every committed frame in ascending id order. The
// iteration is lazy; fn returning an error stops it.
func (c *Container) Iterate(fn func(*Frame) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range c.ids {
		frame, err := c.readFrameLocked(id)
		if err != nil {
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
	return nil
}

// FrameIDs returns the committed frame ids in ascending order.
func (c *Container) FrameIDs() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]uint64, len(c.ids))
	copy(out, c.ids)
	return out
}

// FrameCount returns the number of committed frames.
func (c *Container) FrameCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.ids))
}

// NextFrameID returns the id the next committed frame will receive.
func (c *Container) NextFrameID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextID
}

// Header returns the decoded file header.
func (c *Container) Header() Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hdr
}

// Path returns the file path of the container.
func (c *Container) Path() string {
	return c.path
}

func (c *Container) releaseLock() {
	if c.lock != nil {
		c.lock.release()
		c.lock = nil
	}
}

// Close releases the writer lock and closes the file. Idempotent.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return nil
	}
	c.releaseLock()
	err := c.f.Close()
	c.f = nil
	return err
}

// ChecksumMismatchError reports a frame whose stored content no longer
// matches its checksum, or could not be restored from its stored form.
type ChecksumMismatchError struct {
	FrameID  uint64
	Expected uint32
	Actual   uint32
	Cause    error // non-nil when the stored bytes failed to decompress
}

func (e *ChecksumMismatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("frame %d content unreadable: %v", e.FrameID, e.Cause)
	}
	return fmt.Sprintf("frame %d content checksum mismatch: expected 0x%08x, got 0x%08x", e.FrameID, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return e.Cause }

// IsChecksumMismatch reports whether err is a content checksum mismatch.
func IsChecksumMismatch(err error) bool {
	var cm *ChecksumMismatchError
	return errors.As(err, &cm)
}
