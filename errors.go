package memvid

import (
	"errors"
	"fmt"
	"os"

	"github.com/hupe1980/memvid/container"
	"github.com/hupe1980/memvid/search"
	"github.com/hupe1980/memvid/vector"
)

var (
	// ErrNotFound is returned when a frame, file, or index is not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed arguments: empty content,
	// wrong-dimension embeddings, bad cursors, empty queries.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when the exclusive writer lock is held by
	// another handle.
	ErrConflict = errors.New("conflict")

	// ErrCorruption is returned when stored data fails validation.
	ErrCorruption = errors.New("corruption detected")

	// ErrIO is returned for environmental failures of the underlying file.
	ErrIO = errors.New("io failure")

	// ErrClosed is returned for operations on a closed handle.
	ErrClosed = errors.New("memory file closed")

	// ErrNoIndex is returned when a query needs an index the file was
	// created without. It unwraps to ErrNotFound.
	ErrNoIndex = fmt.Errorf("%w: index not enabled", ErrNotFound)
)

// DimensionMismatchError reports an embedding whose dimensionality does not
// match the index. It unwraps to ErrInvalidInput.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrInvalidInput }

// translateError maps subpackage errors onto the package taxonomy. Errors
// already in the taxonomy pass through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrCorruption),
		errors.Is(err, ErrClosed):
		return err
	}

	switch {
	case errors.Is(err, container.ErrFrameNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, container.ErrLocked):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, container.ErrInvalidMagic),
		errors.Is(err, container.ErrInvalidVersion),
		errors.Is(err, container.ErrEnvelopeChecksum),
		errors.Is(err, container.ErrCorruptStream):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	case container.IsChecksumMismatch(err):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	case errors.Is(err, search.ErrNoLexicalIndex),
		errors.Is(err, search.ErrNoVectorIndex):
		return fmt.Errorf("%w: %w", ErrNoIndex, err)
	case errors.Is(err, search.ErrNoQuery),
		errors.Is(err, search.ErrBadCursor):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var dm *vector.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &DimensionMismatchError{Expected: dm.Expected, Actual: dm.Actual}
	}

	return fmt.Errorf("%w: %w", ErrIO, err)
}
