package memvid

import (
	"context"

	"github.com/hupe1980/memvid/container"
)

// Compression selects the frame content codec, fixed at create time.
type Compression = container.Compression

// Compression codecs.
const (
	CompressionNone = container.CompressionNone
	CompressionZstd = container.CompressionZstd
	CompressionLZ4  = container.CompressionLZ4
)

// Embedder computes embeddings on behalf of the engine. The engine itself
// never computes them; when an Embedder is configured, Put without an
// explicit embedding and Search without a query embedding delegate to it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type options struct {
	logger      *Logger
	embedder    Embedder
	compression Compression
	lexical     bool
	sketch      bool
	readOnly    bool
}

// Option configures Create and Open behavior.
type Option func(*options)

// WithLogger configures structured logging. The default logger is a noop.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithEmbedder configures embedding delegation.
func WithEmbedder(e Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithCompression selects the content codec for a new memory file.
// Ignored on Open; the codec is read from the file header.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithoutLexicalIndex creates a memory file without the lexical index.
// Text search against such a file returns ErrNoIndex. Ignored on Open.
func WithoutLexicalIndex() Option {
	return func(o *options) {
		o.lexical = false
	}
}

// WithoutSketch disables the vector index's binary sketch pre-filter for
// this handle, forcing exhaustive exact scans.
func WithoutSketch() Option {
	return func(o *options) {
		o.sketch = false
	}
}

// WithReadOnly opens the file without the writer lock. Put and Commit are
// rejected on read-only handles.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// PutOptions carries the optional metadata of a staged frame.
type PutOptions struct {
	// Title is an optional human label.
	Title string
	// URI is an optional caller-supplied identifier; frames sharing a uri
	// form a history that search and timeline can scope to.
	URI string
	// Embedding is a precomputed vector. When absent and an Embedder is
	// configured, the engine delegates to it.
	Embedding []float32
}
