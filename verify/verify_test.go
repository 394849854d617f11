package verify

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memvid/container"
)

func writeMemoryFile(t *testing.T, contents ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.mv2")

	c, err := container.Create(path)
	require.NoError(t, err)
	for _, content := range contents {
		_, err := c.Commit([]container.PendingFrame{{Content: content}})
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())
	return path
}

func TestVerifyHealthyFile(t *testing.T) {
	path := writeMemoryFile(t, []byte("first"), []byte("second"))

	for _, deep := range []bool{false, true} {
		report, err := Run(context.Background(), path, deep)
		require.NoError(t, err)

		assert.Equal(t, StatusOK, report.Status)
		assert.Equal(t, uint64(2), report.FrameCount)
		assert.Equal(t, uint64(2), report.CommitCount)
		assert.Empty(t, report.Problems)
		if deep {
			assert.Equal(t, uint64(2), report.Checked)
		}
	}
}

func TestVerifyMissingFile(t *testing.T) {
	_, err := Run(context.Background(), filepath.Join(t.TempDir(), "nope.mv2"), false)
	assert.Error(t, err)
}

func TestVerifyTornTail(t *testing.T) {
	path := writeMemoryFile(t, []byte("committed"), []byte("torn"))

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	report, err := Run(context.Background(), path, false)
	require.NoError(t, err)

	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, uint64(1), report.FrameCount)
	assert.NotEmpty(t, report.Problems)
}

func TestVerifyUncommittedTail(t *testing.T) {
	path := writeMemoryFile(t, []byte("committed"), []byte("staged"))

	// Remove exactly the trailing commit marker so the second frame is
	// structurally intact but uncommitted.
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-29))

	report, err := Run(context.Background(), path, false)
	require.NoError(t, err)

	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, uint64(1), report.FrameCount)
}

func TestVerifyContentBitFlip(t *testing.T) {
	content := []byte("content protected only by its own checksum")
	path := writeMemoryFile(t, content)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(raw, content)
	require.GreaterOrEqual(t, idx, 0)
	raw[idx+5] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0600))

	// Shallow verification only covers record envelopes; the flip is
	// invisible to it.
	shallow, err := Run(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, shallow.Status)

	deep, err := Run(context.Background(), path, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, deep.Status)
	require.NotEmpty(t, deep.Problems)
	assert.Contains(t, deep.Problems[0], "checksum mismatch")
}

func TestVerifyEnvelopeCorruption(t *testing.T) {
	path := writeMemoryFile(t, []byte("aaa"), []byte("bbb"))

	// Flip a byte in the first frame's meta payload: corruption before the
	// last commit marker, not a torn tail.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[32+5+2] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	report, err := Run(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, report.Status)
}

func TestVerifyBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.mv2")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a memory file....."), 0600))

	report, err := Run(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, report.Status)
}

func TestVerifyWithIOLimit(t *testing.T) {
	path := writeMemoryFile(t, []byte("small enough to pass under any limit"))

	report, err := Run(context.Background(), path, true, WithIOLimit(1<<20), WithWorkers(2))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, uint64(1), report.Checked)
}

func TestVerifyIOLimitSmallerThanFrame(t *testing.T) {
	// A single frame larger than the per-second budget must throttle the
	// scan, not fail it.
	big := bytes.Repeat([]byte("0123456789abcdef"), (1<<20+1<<18)/16)
	path := writeMemoryFile(t, big)

	report, err := Run(context.Background(), path, true, WithIOLimit(1<<20))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, uint64(1), report.Checked)
}

func TestVerifyRunsAgainstOpenWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.mv2")

	c, err := container.Create(path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Commit([]container.PendingFrame{{Content: []byte("live")}})
	require.NoError(t, err)

	// The verifier takes no lock, so it works while the writer holds the
	// file open.
	report, err := Run(context.Background(), path, true)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, uint64(1), report.FrameCount)
}
