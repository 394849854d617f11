package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	magic         = [4]byte{'M', 'V', '2', 0}
	headerVersion = uint16(1)
)

// headerLen is the fixed size of the file header in bytes.
const headerLen = 32

const (
	flagLexical        = uint16(1 << 0)
	compressionShift   = 1
	compressionBitMask = uint16(0b11 << compressionShift)
)

var (
	// ErrInvalidMagic is returned when a file does not start with the memory file magic.
	ErrInvalidMagic = errors.New("invalid header magic")

	// ErrInvalidVersion is returned for unsupported container format versions.
	ErrInvalidVersion = errors.New("unsupported container version")

	// ErrFrameNotFound is returned when a frame id is unknown or not yet committed.
	ErrFrameNotFound = errors.New("frame not found")

	// ErrExists is returned when Create targets an existing non-empty file.
	ErrExists = errors.New("memory file already exists")

	// ErrLocked is returned when the exclusive writer lock is already held.
	ErrLocked = errors.New("memory file locked by another writer")

	// ErrTruncatedRecord indicates a torn record at the tail of the file.
	ErrTruncatedRecord = errors.New("truncated record")

	// ErrCorruptStream indicates structural damage in the committed record
	// stream: unknown record types or inconsistent commit markers.
	ErrCorruptStream = errors.New("corrupt record stream")
)

// Header describes the fixed-size container file header.
type Header struct {
	Version     uint16
	Lexical     bool
	Compression Compression
}

func writeHeader(w io.Writer, h Header) error {
	var flags uint16
	if h.Lexical {
		flags |= flagLexical
	}
	flags |= (uint16(h.Compression) << compressionShift) & compressionBitMask

	buf := make([]byte, headerLen)
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], headerVersion)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	// buf[8:32] reserved

	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: file shorter than header", ErrInvalidMagic)
		}
		return Header{}, err
	}
	if [4]byte(buf[0:4]) != magic {
		return Header{}, ErrInvalidMagic
	}

	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != headerVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	flags := binary.LittleEndian.Uint16(buf[6:8])

	return Header{
		Version:     version,
		Lexical:     flags&flagLexical != 0,
		Compression: Compression((flags & compressionBitMask) >> compressionShift),
	}, nil
}
