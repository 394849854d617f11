package container

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"
)

// FrameRecord is a raw frame record as it appears in the file. Content is
// kept in stored (possibly compressed) form; callers that need the payload
// decompress it via DecompressContent and check Meta against ContentCRC.
type FrameRecord struct {
	ID         uint64
	Sequence   uint64
	CreatedAt  time.Time
	Title      string
	URI        string
	ContentCRC uint32
	RawLen     uint32
	Stored     []byte
	Embedding  []float32
}

// Commit is a decoded commit marker.
type Commit struct {
	FirstID     uint64
	Count       uint32
	CommittedAt time.Time
}

// ScanRecord is one record yielded by a Scanner. Exactly one of Frame and
// Commit is non-nil.
type ScanRecord struct {
	Offset int64
	Frame  *FrameRecord
	Commit *Commit
}

// Scanner walks a container file sequentially. It validates envelope
// checksums but not content checksums, and never writes.
type Scanner struct {
	f          *os.File
	br         *bufio.Reader
	hdr        Header
	offset     int64 // position after the last fully read record
	lastOffset int64 // position where the last Next call started
}

// OpenScanner opens path for a read-only sequential scan. No lock is taken,
// so scanning may run concurrently with a writer; torn tails surface as
// ErrTruncatedRecord.
func OpenScanner(path string) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := newScanner(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func newScanner(f *os.File) (*Scanner, error) {
	br := bufio.NewReader(f)
	hdr, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		f:      f,
		br:     br,
		hdr:    hdr,
		offset: headerLen,
	}, nil
}

// Header returns the decoded file header.
func (s *Scanner) Header() Header {
	return s.hdr
}

// Offset returns the position after the last fully scanned record.
func (s *Scanner) Offset() int64 {
	return s.offset
}

// Next returns the next record. io.EOF signals a clean end at a record
// boundary; ErrTruncatedRecord a torn tail; ErrEnvelopeChecksum corruption.
func (s *Scanner) Next() (*ScanRecord, error) {
	s.lastOffset = s.offset

	typ, payload, err := readRecord(s.br)
	if err != nil {
		return nil, err
	}
	recLen := int64(5 + len(payload) + 4)

	switch typ {
	case recCommit:
		ci, err := decodeCommit(payload)
		if err != nil {
			return nil, err
		}
		s.offset += recLen
		return &ScanRecord{
			Offset: s.lastOffset,
			Commit: &Commit{
				FirstID:     ci.FirstID,
				Count:       ci.Count,
				CommittedAt: time.Unix(0, ci.CommittedAt),
			},
		}, nil

	case recFrame:
		meta, err := decodeFrameMeta(payload)
		if err != nil {
			return nil, err
		}
		stored := make([]byte, meta.StoredLen)
		if _, err := io.ReadFull(s.br, stored); err != nil {
			return nil, fmt.Errorf("%w: frame content", ErrTruncatedRecord)
		}
		s.offset += recLen + int64(meta.StoredLen)
		return &ScanRecord{
			Offset: s.lastOffset,
			Frame: &FrameRecord{
				ID:         meta.ID,
				Sequence:   meta.Sequence,
				CreatedAt:  time.Unix(0, meta.CreatedAt),
				Title:      meta.Title,
				URI:        meta.URI,
				ContentCRC: meta.ContentCRC,
				RawLen:     meta.RawLen,
				Stored:     stored,
				Embedding:  meta.Embedding,
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown record type %d", ErrCorruptStream, typ)
	}
}

// Close closes the underlying file. Scanners created by newScanner over a
// container's own handle must not be closed.
func (s *Scanner) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
