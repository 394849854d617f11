package container

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec applied to frame content before it is
// written to the file. Indexes and record metadata are never compressed.
type Compression uint8

const (
	// CompressionNone stores frame content verbatim.
	CompressionNone Compression = 0
	// CompressionZstd applies zstd block compression (better ratio).
	CompressionZstd Compression = 1
	// CompressionLZ4 applies LZ4 block compression (faster, hot data).
	CompressionLZ4 Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressContent encodes content with the given codec. If the codec does not
// shrink the data, the content is stored verbatim and the caller detects this
// by storedLen == rawLen.
func compressContent(content []byte, codec Compression) ([]byte, error) {
	if codec == CompressionNone || len(content) == 0 {
		return content, nil
	}

	var compressed []byte
	switch codec {
	case CompressionZstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(content, nil)
		zstdEncoderPool.Put(enc)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(content)))
		n, err := lz4.CompressBlock(content, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible.
			return content, nil
		}
		compressed = buf[:n]
	default:
		return nil, fmt.Errorf("unsupported compression codec: %d", codec)
	}

	if len(compressed) >= len(content) {
		return content, nil
	}
	return compressed, nil
}

// DecompressContent restores frame content from its stored form. rawLen is
// the original (uncompressed) length; stored bytes whose length equals rawLen
// are taken as verbatim.
func DecompressContent(stored []byte, rawLen uint32, codec Compression) ([]byte, error) {
	if codec == CompressionNone || uint32(len(stored)) == rawLen {
		return stored, nil
	}

	out := make([]byte, rawLen)
	switch codec {
	case CompressionZstd:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(stored, out[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint32(len(decoded)) != rawLen {
			return nil, fmt.Errorf("decompressed size mismatch: expected %d, got %d", rawLen, len(decoded))
		}
		return decoded, nil
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("decompressed size mismatch: expected %d, got %d", rawLen, n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression codec: %d", codec)
	}
}
