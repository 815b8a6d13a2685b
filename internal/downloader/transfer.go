package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const chunkSize = 32 * 1024

// Output is the destination of a transfer. *os.File satisfies it.
type Output interface {
	io.WriterAt
	Sync() error
	Name() string
}

// Request describes one resumable range fetch.
type Request struct {
	URL    string
	Output Output

	// Offset is where writing resumes in Output: the last durable
	// checkpoint. Bytes before it are never touched.
	Offset int64

	// Base is the origin byte that Output byte 0 corresponds to. It is
	// nonzero for HLS byte-range sub-segments.
	Base int64

	// Length is the number of origin bytes Output holds when complete, or
	// -1 to read to EOF.
	Length int64

	// ETag or LastModified of the entity already written; sent as If-Range
	// so a changed entity is detected instead of spliced.
	ETag         string
	LastModified string

	// CheckpointBytes is how many bytes are written between durable
	// checkpoints. Zero means only at the end.
	CheckpointBytes int64

	// OnStart is called once response headers are validated, before any
	// body byte is written.
	OnStart func(Result) error

	// OnCheckpoint is called after Output has been synced up to done. The
	// transfer reads no further bytes until it returns; an error aborts
	// the transfer.
	OnCheckpoint func(done int64) error

	// OnProgress is called after every chunk write with the bytes written
	// so far. It must not block.
	OnProgress func(done int64)
}

// Result describes the entity being transferred.
type Result struct {
	// Done is the length of valid data in Output.
	Done int64
	// Total is the final length of Output, -1 if unknown.
	Total        int64
	ETag         string
	LastModified string
	// Ranged is true when the origin answered with partial content.
	Ranged bool
}

// Transfer fetches req.URL from req.Offset into req.Output. On a cancelled
// ctx it stops at a chunk boundary and returns ctx.Err() without a final
// checkpoint: bytes after the last checkpoint are refetched on resume.
func (c *Client) Transfer(ctx context.Context, req Request) (Result, error) {
	res := Result{Done: req.Offset, Total: -1}
	if req.Length >= 0 && req.Offset >= req.Length {
		res.Total = req.Length
		return res, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hreq, err := c.newRequest(ctx, http.MethodGet, req.URL)
	if err != nil {
		return res, err
	}
	start := req.Base + req.Offset
	ranged := start > 0 || req.Length >= 0
	if ranged {
		if req.Length >= 0 {
			hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, req.Base+req.Length-1))
		} else {
			hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
		if req.Offset > 0 {
			switch {
			case req.ETag != "":
				hreq.Header.Set("If-Range", req.ETag)
			case req.LastModified != "":
				hreq.Header.Set("If-Range", req.LastModified)
			}
		}
	}

	resp, err := c.do(ctx, "GET", hreq)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()

	res.ETag = resp.Header.Get("ETag")
	res.LastModified = resp.Header.Get("Last-Modified")

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		first, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return res, &NetworkError{Op: "GET", URL: req.URL, Err: err}
		}
		if first != start {
			return res, fmt.Errorf("%w: asked for byte %d, got %d", ErrResumeUnsupported, start, first)
		}
		res.Ranged = true
		switch {
		case req.Length >= 0:
			res.Total = req.Length
		case total >= 0:
			res.Total = total - req.Base
		}

	case resp.StatusCode == http.StatusOK:
		// A full entity can only be used when it starts where we do.
		if start > 0 {
			return res, ErrResumeUnsupported
		}
		if req.Length >= 0 {
			res.Total = req.Length
		} else if resp.ContentLength >= 0 {
			res.Total = resp.ContentLength
		}

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && req.Length < 0 && total >= 0 && total == start {
			res.Total = total - req.Base
			return res, nil
		}
		return res, ErrResumeUnsupported

	default:
		return res, &NetworkError{Op: "GET", URL: req.URL, Status: resp.StatusCode}
	}

	if req.OnStart != nil {
		if err := req.OnStart(res); err != nil {
			return res, err
		}
	}

	body := newIdleReader(resp.Body, c.opts.Timeout, cancel)
	defer body.stop()

	var want int64 = -1
	if res.Total >= 0 {
		want = res.Total - req.Offset
	}
	src := io.Reader(body)
	if want >= 0 {
		src = io.LimitReader(body, want)
	}

	done, err := c.copy(ctx, req, src, body)
	res.Done = done
	if err != nil {
		return res, err
	}
	if res.Total >= 0 && done < res.Total {
		return res, &NetworkError{Op: "GET", URL: req.URL, Err: io.ErrUnexpectedEOF}
	}
	if res.Total < 0 {
		res.Total = done
	}
	return res, nil
}

// copy moves body bytes into the output, syncing and checkpointing every
// CheckpointBytes and once at EOF.
func (c *Client) copy(ctx context.Context, req Request, src io.Reader, body *idleReader) (int64, error) {
	buf := make([]byte, chunkSize)
	done := req.Offset
	durable := req.Offset

	checkpoint := func() error {
		if err := req.Output.Sync(); err != nil {
			return NewDiskError("sync", req.Output.Name(), err)
		}
		durable = done
		if req.OnCheckpoint != nil {
			return req.OnCheckpoint(done)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return done, c.readErr(ctx, req, body, err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if c.limiter != nil {
				release := body.hold()
				err := c.limiter.WaitN(ctx, n)
				release()
				if err != nil {
					return done, c.readErr(ctx, req, body, err)
				}
			}
			if _, err := req.Output.WriteAt(buf[:n], done); err != nil {
				return done, NewDiskError("write", req.Output.Name(), err)
			}
			done += int64(n)
			if req.OnProgress != nil {
				req.OnProgress(done)
			}
			if req.CheckpointBytes > 0 && done-durable >= req.CheckpointBytes {
				if err := checkpoint(); err != nil {
					return done, err
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			if done == durable {
				return done, nil
			}
			return done, checkpoint()
		}
		if rerr != nil {
			return done, c.readErr(ctx, req, body, rerr)
		}
	}
}

// readErr tells idle timeouts and caller cancellation apart from plain
// network failures.
func (c *Client) readErr(ctx context.Context, req Request, body *idleReader, err error) error {
	if body.fired.Load() {
		return &NetworkError{Op: "GET", URL: req.URL, Err: fmt.Errorf("%w after %s", ErrIdleTimeout, c.opts.Timeout.Round(time.Second))}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &NetworkError{Op: "GET", URL: req.URL, Err: err}
}
