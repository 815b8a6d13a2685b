package scheduler

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"dlqueue/internal/cache"
	"dlqueue/internal/downloader"
	"dlqueue/internal/metrics"
	"dlqueue/internal/progress"
	"dlqueue/internal/task"
)

// Updater is the execution-field write path of the queue.
type Updater interface {
	UpdateExecution(id int64, fn func(*task.Task)) (*task.Task, error)
}

const progressInterval = 250 * time.Millisecond

// DirectExecutor downloads one file into <destination>.part with durable
// checkpoints and renames it into place when complete.
type DirectExecutor struct {
	client          *downloader.Client
	updater         Updater
	reporter        progress.Reporter
	checkpointBytes int64
}

func NewDirectExecutor(client *downloader.Client, updater Updater, reporter progress.Reporter, checkpointBytes int64) *DirectExecutor {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	return &DirectExecutor{
		client:          client,
		updater:         updater,
		reporter:        reporter,
		checkpointBytes: checkpointBytes,
	}
}

func (e *DirectExecutor) Run(ctx context.Context, t *task.Task) error {
	if t.ResumeOffset > 0 {
		done, err := e.reconcile(t)
		if err != nil || done {
			return err
		}
	}
	if t.Direct == nil {
		t.Direct = &task.DirectDetail{}
	}
	if !t.Direct.Probed || t.ResumeOffset == 0 {
		if err := e.probe(ctx, t); err != nil {
			return err
		}
	}

	dir := filepath.Dir(t.Destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return downloader.NewDiskError("mkdir", dir, err)
	}
	part := cache.PartPath(t.Destination)
	flags := os.O_CREATE | os.O_WRONLY
	if t.ResumeOffset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return downloader.NewDiskError("open", part, err)
	}

	durable := t.ResumeOffset
	var lastEvent time.Time
	res, err := e.client.Transfer(ctx, downloader.Request{
		URL:             t.Source,
		Output:          f,
		Offset:          t.ResumeOffset,
		Length:          -1,
		ETag:            t.Direct.ETag,
		LastModified:    t.Direct.LastModified,
		CheckpointBytes: e.checkpointBytes,
		OnStart: func(r downloader.Result) error {
			_, err := e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
				cur.BytesTotal = r.Total
				if cur.Direct == nil {
					cur.Direct = &task.DirectDetail{}
				}
				cur.Direct.ETag = r.ETag
				cur.Direct.LastModified = r.LastModified
			})
			t.BytesTotal = r.Total
			return err
		},
		OnCheckpoint: func(done int64) error {
			_, err := e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
				cur.ResumeOffset = done
				cur.BytesDone = done
			})
			if err == nil {
				metrics.AddBytes(done - durable)
				durable = done
			}
			return err
		},
		OnProgress: func(done int64) {
			if time.Since(lastEvent) < progressInterval {
				return
			}
			lastEvent = time.Now()
			e.reporter.Publish(progress.Event{
				Type:       progress.EventTaskProgress,
				TaskID:     t.ID,
				BytesDone:  done,
				BytesTotal: t.BytesTotal,
			})
		},
	})
	if err != nil {
		f.Close()
		return err
	}

	// A shorter entity than a previous attempt's leaves stale bytes past
	// the end; only the transferred range is valid.
	if info, serr := f.Stat(); serr == nil && info.Size() > res.Total {
		if err := f.Truncate(res.Total); err != nil {
			f.Close()
			return downloader.NewDiskError("truncate", part, err)
		}
	}
	if err := f.Close(); err != nil {
		return downloader.NewDiskError("close", part, err)
	}
	if err := os.Rename(part, t.Destination); err != nil {
		return downloader.NewDiskError("rename", t.Destination, err)
	}

	_, err = e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
		cur.BytesTotal = res.Total
		cur.BytesDone = res.Total
		cur.ResumeOffset = res.Total
	})
	return err
}

// reconcile checks the resume point against the files on disk. A run that
// renamed the part file but never recorded completion is finished as is; a
// part file shorter than the resume offset restarts the download from zero.
func (e *DirectExecutor) reconcile(t *task.Task) (bool, error) {
	part := cache.PartPath(t.Destination)
	info, err := os.Stat(part)
	switch {
	case err == nil && info.Size() >= t.ResumeOffset:
		return false, nil
	case err != nil && !os.IsNotExist(err):
		return false, downloader.NewDiskError("stat", part, err)
	case err != nil && (!t.TotalKnown() || t.BytesTotal == t.ResumeOffset) && cache.Renamed(t.Destination, t.ResumeOffset):
		size := t.ResumeOffset
		_, err := e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
			cur.BytesTotal = size
			cur.BytesDone = size
		})
		return true, err
	}

	log.Printf("task %d: %s does not hold the %d bytes checkpointed, restarting from zero", t.ID, part, t.ResumeOffset)
	updated, err := e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
		cur.ResetProgress()
	})
	if err != nil {
		return false, err
	}
	*t = *updated
	return false, nil
}

// probe records what a HEAD request says about the origin. A fresh start
// also resets the counters to the probed length.
func (e *DirectExecutor) probe(ctx context.Context, t *task.Task) error {
	info, err := e.client.Probe(ctx, t.Source)
	if err != nil {
		return err
	}
	fresh := t.ResumeOffset == 0
	updated, err := e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
		if cur.Direct == nil {
			cur.Direct = &task.DirectDetail{}
		}
		cur.Direct.Probed = true
		cur.Direct.Resumable = info.Resumable()
		if fresh {
			cur.BytesDone = 0
			cur.ResumeOffset = 0
			cur.BytesTotal = task.UnknownTotal
			if info.Size >= 0 {
				cur.BytesTotal = info.Size
			}
		}
	})
	if err != nil {
		return err
	}
	if !info.Resumable() {
		log.Printf("task %d: origin does not support resume, a pause restarts from zero", t.ID)
	}
	*t = *updated
	return nil
}
