package hls

import (
	"io"
	"os"

	"dlqueue/internal/downloader"
)

// Checkpoint records that the output holds segments [0, next) in written
// bytes and is synced. An error stops assembly.
type Checkpoint func(next int, written int64) error

// Assembler is the single writer of an HLS output file. Segments may be
// handed over in any order; they are appended strictly by index.
type Assembler struct {
	out        *os.File
	path       string
	next       int
	written    int64
	pending    map[int]string
	checkpoint Checkpoint
}

// OpenAssembler opens path to continue after segment next-1. Anything past
// written is output from an unconfirmed segment and is cut off.
func OpenAssembler(path string, next int, written int64, cp Checkpoint) (*Assembler, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, downloader.NewDiskError("open", path, err)
	}
	if err := out.Truncate(written); err != nil {
		out.Close()
		return nil, downloader.NewDiskError("truncate", path, err)
	}
	if _, err := out.Seek(written, io.SeekStart); err != nil {
		out.Close()
		return nil, downloader.NewDiskError("seek", path, err)
	}
	return &Assembler{
		out:        out,
		path:       path,
		next:       next,
		written:    written,
		pending:    make(map[int]string),
		checkpoint: cp,
	}, nil
}

// Next is the index of the first segment not yet in the output.
func (a *Assembler) Next() int { return a.next }

// Written is the output length at the last checkpoint.
func (a *Assembler) Written() int64 { return a.written }

// buffered is the number of segments waiting for an earlier one.
func (a *Assembler) buffered() int { return len(a.pending) }

// Add hands over the staged plaintext of segment index and appends every
// segment that is now contiguous. It returns how many were appended.
// Indexes below Next are ignored.
func (a *Assembler) Add(index int, stagedPath string) (int, error) {
	if index < a.next {
		return 0, nil
	}
	a.pending[index] = stagedPath

	appended := 0
	for {
		path, ok := a.pending[a.next]
		if !ok {
			return appended, nil
		}
		n, err := a.appendFile(path)
		if err != nil {
			return appended, err
		}
		if err := a.out.Sync(); err != nil {
			return appended, downloader.NewDiskError("sync", a.path, err)
		}
		delete(a.pending, a.next)
		a.next++
		a.written += n
		appended++
		if a.checkpoint != nil {
			if err := a.checkpoint(a.next, a.written); err != nil {
				return appended, err
			}
		}
		os.Remove(path)
	}
}

func (a *Assembler) appendFile(path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, downloader.NewDiskError("open", path, err)
	}
	defer in.Close()
	n, err := io.Copy(a.out, in)
	if err != nil {
		// Cut the torn append so the file matches the last checkpoint.
		a.out.Truncate(a.written)
		a.out.Seek(a.written, io.SeekStart)
		return 0, downloader.NewDiskError("append", a.path, err)
	}
	return n, nil
}

func (a *Assembler) Close() error {
	return a.out.Close()
}
