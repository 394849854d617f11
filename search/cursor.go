package search

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// cursor marks a position in the merged candidate ordering. Pagination is a
// live view over the current index state: forward-only, and the unchanged
// portion of the ordering never repeats a frame.
type cursor struct {
	tier    uint8
	score   float32
	frameID uint64
}

const cursorLen = 1 + 4 + 8

func encodeCursor(c cursor) string {
	buf := make([]byte, cursorLen)
	buf[0] = c.tier
	binary.LittleEndian.PutUint32(buf[1:5], math.Float32bits(c.score))
	binary.LittleEndian.PutUint64(buf[5:13], c.frameID)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func decodeCursor(s string) (*cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if len(raw) != cursorLen {
		return nil, fmt.Errorf("%w: length %d", ErrBadCursor, len(raw))
	}
	return &cursor{
		tier:    raw[0],
		score:   math.Float32frombits(binary.LittleEndian.Uint32(raw[1:5])),
		frameID: binary.LittleEndian.Uint64(raw[5:13]),
	}, nil
}
