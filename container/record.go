package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"
)

// recordType identifies a record in the container stream.
type recordType uint8

const (
	recFrame  recordType = 1
	recCommit recordType = 2
)

// Frame is one committed unit of stored content plus metadata.
type Frame struct {
	// ID is the frame id, assigned at commit time, strictly increasing.
	ID uint64
	// Sequence is the write-order position within the file.
	Sequence uint64
	// CreatedAt is fixed at commit time.
	CreatedAt time.Time
	// Title is an optional human label.
	Title string
	// URI is an optional caller-supplied identifier.
	URI string
	// Content is the immutable payload.
	Content []byte
	// Embedding is the optional precomputed vector for similarity search.
	Embedding []float32
	// ContentCRC is the checksum of the uncompressed content.
	ContentCRC uint32
}

// PendingFrame is a staged frame awaiting commit. The id and creation
// timestamp are assigned when the commit record is written.
type PendingFrame struct {
	Sequence  uint64
	Title     string
	URI       string
	Content   []byte
	Embedding []float32
}

// commitInfo is the payload of a commit record.
type commitInfo struct {
	FirstID     uint64
	Count       uint32
	CommittedAt int64
}

const commitPayloadLen = 8 + 4 + 8

// frameMeta is the decoded CRC-protected portion of a frame record.
// The stored content bytes follow the record and are covered only by
// ContentCRC, so structural verification stays independent of content
// verification.
type frameMeta struct {
	ID         uint64
	Sequence   uint64
	CreatedAt  int64
	ContentCRC uint32
	RawLen     uint32
	StoredLen  uint32
	Title      string
	URI        string
	Embedding  []float32
}

func checksum(typ recordType, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte{byte(typ)})
	h.Write(payload)
	return h.Sum32()
}

// ContentChecksum computes the checksum stored per frame for deep
// verification. CRC32 (IEEE), matching the record envelope checksums.
func ContentChecksum(content []byte) uint32 {
	return crc32.ChecksumIEEE(content)
}

func encodeFrameMeta(m *frameMeta) ([]byte, error) {
	if len(m.Title) > math.MaxUint16 {
		return nil, fmt.Errorf("title too long: %d bytes", len(m.Title))
	}
	if len(m.URI) > math.MaxUint16 {
		return nil, fmt.Errorf("uri too long: %d bytes", len(m.URI))
	}
	if len(m.Embedding) > math.MaxUint16 {
		return nil, fmt.Errorf("embedding too long: %d dims", len(m.Embedding))
	}

	var buf bytes.Buffer
	le := binary.LittleEndian

	var fixed [36]byte
	le.PutUint64(fixed[0:8], m.ID)
	le.PutUint64(fixed[8:16], m.Sequence)
	le.PutUint64(fixed[16:24], uint64(m.CreatedAt))
	le.PutUint32(fixed[24:28], m.ContentCRC)
	le.PutUint32(fixed[28:32], m.RawLen)
	le.PutUint32(fixed[32:36], m.StoredLen)
	buf.Write(fixed[:])

	var l [2]byte
	le.PutUint16(l[:], uint16(len(m.Title)))
	buf.Write(l[:])
	buf.WriteString(m.Title)

	le.PutUint16(l[:], uint16(len(m.URI)))
	buf.Write(l[:])
	buf.WriteString(m.URI)

	le.PutUint16(l[:], uint16(len(m.Embedding)))
	buf.Write(l[:])
	for _, v := range m.Embedding {
		var f [4]byte
		le.PutUint32(f[:], math.Float32bits(v))
		buf.Write(f[:])
	}

	return buf.Bytes(), nil
}

func decodeFrameMeta(payload []byte) (*frameMeta, error) {
	le := binary.LittleEndian
	if len(payload) < 36 {
		return nil, fmt.Errorf("frame meta too short: %d bytes", len(payload))
	}

	m := &frameMeta{
		ID:         le.Uint64(payload[0:8]),
		Sequence:   le.Uint64(payload[8:16]),
		CreatedAt:  int64(le.Uint64(payload[16:24])),
		ContentCRC: le.Uint32(payload[24:28]),
		RawLen:     le.Uint32(payload[28:32]),
		StoredLen:  le.Uint32(payload[32:36]),
	}
	rest := payload[36:]

	readStr := func() (string, error) {
		if len(rest) < 2 {
			return "", errors.New("frame meta string truncated")
		}
		n := int(le.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) < n {
			return "", errors.New("frame meta string truncated")
		}
		s := string(rest[:n])
		rest = rest[n:]
		return s, nil
	}

	var err error
	if m.Title, err = readStr(); err != nil {
		return nil, err
	}
	if m.URI, err = readStr(); err != nil {
		return nil, err
	}

	if len(rest) < 2 {
		return nil, errors.New("frame meta embedding truncated")
	}
	dim := int(le.Uint16(rest[0:2]))
	rest = rest[2:]
	if len(rest) != dim*4 {
		return nil, fmt.Errorf("frame meta embedding truncated: want %d bytes, have %d", dim*4, len(rest))
	}
	if dim > 0 {
		m.Embedding = make([]float32, dim)
		for i := range m.Embedding {
			m.Embedding[i] = math.Float32frombits(le.Uint32(rest[i*4 : i*4+4]))
		}
	}

	return m, nil
}

// writeRecord writes a CRC-framed record envelope. Frame records append the
// stored content bytes separately, outside the envelope checksum.
func writeRecord(w io.Writer, typ recordType, payload []byte) error {
	le := binary.LittleEndian

	var hdr [5]byte
	hdr[0] = byte(typ)
	le.PutUint32(hdr[1:5], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}

	var crc [4]byte
	le.PutUint32(crc[:], checksum(typ, payload))
	_, err := w.Write(crc[:])
	return err
}

// ErrEnvelopeChecksum marks a record whose envelope checksum does not match.
// Unlike a truncated tail, this indicates corruption of already-written data.
var ErrEnvelopeChecksum = errors.New("record envelope checksum mismatch")

// readRecord reads the next record envelope. io.EOF is returned exactly at a
// record boundary; a partial read inside a record maps to ErrTruncatedRecord.
func readRecord(r io.Reader) (recordType, []byte, error) {
	le := binary.LittleEndian

	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("%w: record header", ErrTruncatedRecord)
	}

	typ := recordType(hdr[0])
	if typ != recFrame && typ != recCommit {
		return 0, nil, fmt.Errorf("%w: unknown record type %d", ErrCorruptStream, hdr[0])
	}
	payloadLen := le.Uint32(hdr[1:5])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: record payload", ErrTruncatedRecord)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: record checksum", ErrTruncatedRecord)
	}
	if le.Uint32(crcBuf[:]) != checksum(typ, payload) {
		return typ, nil, ErrEnvelopeChecksum
	}

	return typ, payload, nil
}

func encodeCommit(ci commitInfo) []byte {
	le := binary.LittleEndian
	buf := make([]byte, commitPayloadLen)
	le.PutUint64(buf[0:8], ci.FirstID)
	le.PutUint32(buf[8:12], ci.Count)
	le.PutUint64(buf[12:20], uint64(ci.CommittedAt))
	return buf
}

func decodeCommit(payload []byte) (commitInfo, error) {
	if len(payload) != commitPayloadLen {
		return commitInfo{}, fmt.Errorf("commit payload length %d, want %d", len(payload), commitPayloadLen)
	}
	le := binary.LittleEndian
	return commitInfo{
		FirstID:     le.Uint64(payload[0:8]),
		Count:       le.Uint32(payload[8:12]),
		CommittedAt: int64(le.Uint64(payload[12:20])),
	}, nil
}
