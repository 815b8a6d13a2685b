package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
)

// ErrResumeUnsupported means a nonzero offset was requested and the origin
// answered with the whole entity (or the entity changed under an If-Range
// validator). Nothing was written.
var ErrResumeUnsupported = errors.New("downloader: origin does not honor range requests")

// ErrIdleTimeout is wrapped in a NetworkError when no body bytes arrived
// within the configured timeout.
var ErrIdleTimeout = errors.New("downloader: read idle timeout")

// NetworkError is any failure talking to the origin. Status is zero for
// transport errors.
type NetworkError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %d %s", e.Op, e.URL, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed: transport errors,
// timeouts, 5xx, 408 and 429.
func (e *NetworkError) Retryable() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status >= 500:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	}
	return false
}

// DiskError is a failure writing the destination. Global is set when the
// cause is the filesystem rather than this file (full, read-only).
type DiskError struct {
	Op     string
	Path   string
	Err    error
	Global bool
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DiskError) Unwrap() error { return e.Err }

// NewDiskError classifies err as task local or filesystem wide.
func NewDiskError(op, path string, err error) *DiskError {
	return &DiskError{
		Op:     op,
		Path:   path,
		Err:    err,
		Global: errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EROFS),
	}
}

// IsRetryable reports whether err is a transient network failure. A
// cancelled context is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Retryable()
}

// IsGlobalDiskError reports whether err means the disk itself is unusable.
func IsGlobalDiskError(err error) bool {
	var de *DiskError
	return errors.As(err, &de) && de.Global
}
