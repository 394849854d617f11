// Package verify checks the integrity of a memory file without opening it
// for writing. A shallow pass validates the header and record structure; a
// deep pass additionally recomputes every committed frame's content
// checksum.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memvid/container"
	"github.com/hupe1980/memvid/resource"
)

// Status classifies the overall health of a memory file.
type Status string

const (
	// StatusOK means the file is structurally sound and fully committed.
	StatusOK Status = "ok"
	// StatusDegraded means the file is readable but carries an uncommitted
	// or torn tail, typically from a crash before a commit marker.
	StatusDegraded Status = "degraded"
	// StatusCorrupt means committed data failed validation.
	StatusCorrupt Status = "corrupt"
)

// Report is the outcome of a verification run.
type Report struct {
	Status      Status        `json:"status"`
	Deep        bool          `json:"deep"`
	FrameCount  uint64        `json:"frame_count"`
	CommitCount uint64        `json:"commit_count"`
	Checked     uint64        `json:"checked"`
	Problems    []string      `json:"problems,omitempty"`
	Elapsed     time.Duration `json:"-"`
}

// Options configures a verification run.
type Options struct {
	// IOLimitBytesPerSec throttles the scan. 0 means unlimited.
	IOLimitBytesPerSec int64

	// Workers bounds deep-verification parallelism. 0 means GOMAXPROCS.
	Workers int
}

// WithIOLimit caps scan throughput so verification can run next to a live
// reader without saturating the disk.
func WithIOLimit(bytesPerSec int64) func(o *Options) {
	return func(o *Options) {
		o.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithWorkers sets the number of deep-verification workers.
func WithWorkers(n int) func(o *Options) {
	return func(o *Options) {
		o.Workers = n
	}
}

type checkTask struct {
	id         uint64
	stored     []byte
	rawLen     uint32
	contentCRC uint32
}

// Run verifies the memory file at path. It never takes the writer lock; the
// file may be open elsewhere. Errors are returned only for environmental
// failures (missing file, IO); integrity findings land in the report.
func Run(ctx context.Context, path string, deep bool, optFns ...func(o *Options)) (*Report, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	var ctrl *resource.Controller
	if opts.IOLimitBytesPerSec > 0 {
		ctrl = resource.NewController(resource.Config{
			MaxWorkers:         int64(opts.Workers),
			IOLimitBytesPerSec: opts.IOLimitBytesPerSec,
		})
	}

	start := time.Now()
	report := &Report{Status: StatusOK, Deep: deep}

	s, err := container.OpenScanner(path)
	if err != nil {
		if errors.Is(err, container.ErrInvalidMagic) || errors.Is(err, container.ErrInvalidVersion) {
			report.Status = StatusCorrupt
			report.Problems = append(report.Problems, err.Error())
			report.Elapsed = time.Since(start)
			return report, nil
		}
		return nil, err
	}
	defer s.Close()

	hdr := s.Header()

	var (
		tasks   []checkTask
		pending []checkTask
		nextID  uint64
	)

scan:
	for {
		rec, err := s.Next()
		switch {
		case errors.Is(err, io.EOF):
			break scan
		case errors.Is(err, container.ErrTruncatedRecord):
			report.Status = StatusDegraded
			report.Problems = append(report.Problems, fmt.Sprintf("torn record at offset %d", s.Offset()))
			break scan
		case err != nil:
			report.Status = StatusCorrupt
			report.Problems = append(report.Problems, fmt.Sprintf("offset %d: %v", s.Offset(), err))
			report.Elapsed = time.Since(start)
			return report, nil
		}

		if ctrl != nil {
			if err := ctrl.AcquireIO(ctx, int(s.Offset()-rec.Offset)); err != nil {
				return nil, err
			}
		}

		switch {
		case rec.Frame != nil:
			pending = append(pending, checkTask{
				id:         rec.Frame.ID,
				stored:     rec.Frame.Stored,
				rawLen:     rec.Frame.RawLen,
				contentCRC: rec.Frame.ContentCRC,
			})
		case rec.Commit != nil:
			if problem := checkCommit(rec.Commit, pending, nextID); problem != "" {
				report.Status = StatusCorrupt
				report.Problems = append(report.Problems, problem)
				report.Elapsed = time.Since(start)
				return report, nil
			}
			tasks = append(tasks, pending...)
			pending = pending[:0]
			nextID = rec.Commit.FirstID + uint64(rec.Commit.Count)
			report.CommitCount++
		}
	}

	if len(pending) > 0 && report.Status == StatusOK {
		report.Status = StatusDegraded
		report.Problems = append(report.Problems, fmt.Sprintf("%d frames staged after the last commit marker", len(pending)))
	}
	report.FrameCount = uint64(len(tasks))

	if deep {
		if err := checkContent(ctx, hdr.Compression, tasks, opts.Workers, report); err != nil {
			return nil, err
		}
	}

	report.Elapsed = time.Since(start)
	return report, nil
}

func checkCommit(ci *container.Commit, pending []checkTask, nextID uint64) string {
	if ci.FirstID != nextID {
		return fmt.Sprintf("commit marker out of order: first id %d, expected %d", ci.FirstID, nextID)
	}
	if int(ci.Count) != len(pending) {
		return fmt.Sprintf("commit marker references %d frames, found %d", ci.Count, len(pending))
	}
	for i, p := range pending {
		if p.id != ci.FirstID+uint64(i) {
			return fmt.Sprintf("frame id %d out of sequence in commit starting at %d", p.id, ci.FirstID)
		}
	}
	return ""
}

// checkContent recomputes content checksums across a bounded worker pool.
// Mismatches mark the file corrupt but do not stop the scan; every problem
// is reported.
func checkContent(ctx context.Context, codec container.Compression, tasks []checkTask, workers int, report *Report) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	problems := make([]string, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			content, err := container.DecompressContent(task.stored, task.rawLen, codec)
			if err != nil {
				problems[i] = fmt.Sprintf("frame %d: %v", task.id, err)
				return nil
			}
			if actual := container.ContentChecksum(content); actual != task.contentCRC {
				problems[i] = fmt.Sprintf("frame %d content checksum mismatch: expected 0x%08x, got 0x%08x", task.id, task.contentCRC, actual)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range problems {
		if p != "" {
			report.Status = StatusCorrupt
			report.Problems = append(report.Problems, p)
		}
	}
	report.Checked = uint64(len(tasks))
	return nil
}
