package hls

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dlqueue/internal/cache"
	"dlqueue/internal/downloader"
	"dlqueue/internal/m3u8"
	"dlqueue/internal/metrics"
	"dlqueue/internal/progress"
	"dlqueue/internal/task"
)

// Updater is the execution-field write path of the queue (*task.Manager).
type Updater interface {
	UpdateExecution(id int64, fn func(*task.Task)) (*task.Task, error)
}

// Options tunes an Executor.
type Options struct {
	// Workers bounds concurrent segment fetches of one task.
	// Default: 4
	Workers int
	Quality m3u8.Policy
	Retry   downloader.Policy
	// LivePollLimit is how many consecutive re-polls may bring nothing new
	// before a live playlist is treated as ended.
	// Default: 10
	LivePollLimit int
}

// Executor drives HLS tasks: resolve, fetch segments concurrently, assemble
// in order, then move the output into place.
type Executor struct {
	resolver *m3u8.Resolver
	fetcher  *Fetcher
	cache    *cache.Manager
	updater  Updater
	reporter progress.Reporter
	opts     Options
}

func NewExecutor(client *downloader.Client, cm *cache.Manager, updater Updater, reporter progress.Reporter, opts Options) *Executor {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.LivePollLimit < 1 {
		opts.LivePollLimit = 10
	}
	if reporter == nil {
		reporter = progress.Nop{}
	}
	return &Executor{
		resolver: m3u8.NewResolver(client),
		fetcher:  NewFetcher(client, cm),
		cache:    cm,
		updater:  updater,
		reporter: reporter,
		opts:     opts,
	}
}

type fetched struct {
	index int
	path  string
	err   error
}

func segmentRetryable(err error) bool {
	return downloader.IsRetryable(err) || errors.Is(err, ErrSegmentVerify)
}

// Run downloads t to t.Destination. It returns nil once the destination is
// complete, ctx.Err() when cancelled at a segment boundary, and
// task.ErrNotRunning when the task left Running underneath it.
func (e *Executor) Run(ctx context.Context, t *task.Task) error {
	if t.HLS == nil {
		t.HLS = &task.HLSDetail{}
	}
	resuming := t.ResumeOffset > 0 && t.HLS.VariantURL != ""
	if t.ResumeOffset > 0 {
		part := cache.PartPath(t.Destination)
		switch info, err := os.Stat(part); {
		case err != nil && !os.IsNotExist(err):
			return downloader.NewDiskError("stat", part, err)
		case err == nil && info.Size() >= t.BytesDone:
		case err != nil && t.HLS.SegmentsTotal > 0 && t.ResumeOffset >= int64(t.HLS.SegmentsTotal) && cache.Renamed(t.Destination, t.BytesDone):
			// The output was renamed into place but completion never
			// reached the store.
			return e.recordRenamed(t)
		default:
			log.Printf("task %d: %s does not hold the %d bytes checkpointed, restarting from zero", t.ID, part, t.BytesDone)
			resuming = false
		}
	}
	if !resuming {
		if err := e.cache.Remove(t.ID); err != nil {
			return downloader.NewDiskError("clean", e.cache.TaskDir(t.ID), err)
		}
	}

	plan, err := e.resolve(ctx, t, resuming)
	if err != nil {
		return err
	}

	// Map persisted segment counts onto this plan: segments before the
	// first unconfirmed media sequence are already in the output.
	skip := 0
	if resuming {
		want := t.HLS.FirstSequence + uint64(t.ResumeOffset)
		for skip < len(plan.Segments) && plan.Segments[skip].Sequence < want {
			skip++
		}
	} else {
		t.ResumeOffset, t.BytesDone = 0, 0
	}
	delta := int(t.ResumeOffset) - skip

	first := uint64(0)
	if len(plan.Segments) > 0 {
		first = plan.Segments[0].Sequence
	}
	detail := task.HLSDetail{
		VariantURL:    plan.Chosen.URL,
		Quality:       plan.Chosen.Quality,
		Bandwidth:     plan.Chosen.Bandwidth,
		SegmentsTotal: len(plan.Segments) + delta,
		FirstSequence: first,
		Live:          plan.Live,
	}
	if resuming {
		detail.FirstSequence = t.HLS.FirstSequence
	}
	resumeOffset, bytesDone := t.ResumeOffset, t.BytesDone
	if _, err := e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
		cur.HLS = &detail
		cur.ResumeOffset, cur.BytesDone = resumeOffset, bytesDone
		cur.BytesTotal = task.UnknownTotal
	}); err != nil {
		return err
	}
	log.Printf("task %d: hls %s variant, %d segments (%d done), live=%v", t.ID, detail.Quality, detail.SegmentsTotal, t.ResumeOffset, plan.Live)

	if err := os.MkdirAll(filepath.Dir(t.Destination), 0755); err != nil {
		return downloader.NewDiskError("mkdir", filepath.Dir(t.Destination), err)
	}
	part := cache.PartPath(t.Destination)
	asm, err := OpenAssembler(part, int(t.ResumeOffset), t.BytesDone, func(next int, written int64) error {
		total := len(plan.Segments) + delta
		_, err := e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
			cur.ResumeOffset = int64(next)
			cur.BytesDone = written
			if cur.HLS != nil {
				cur.HLS.SegmentsTotal = total
				cur.HLS.Live = plan.Live
			}
		})
		return err
	})
	if err != nil {
		return err
	}

	if err := e.fetchAll(ctx, t, plan, asm, skip, delta); err != nil {
		asm.Close()
		return err
	}
	if err := asm.Close(); err != nil {
		return downloader.NewDiskError("close", part, err)
	}
	if err := os.Rename(part, t.Destination); err != nil {
		return downloader.NewDiskError("rename", t.Destination, err)
	}
	if err := e.cache.Remove(t.ID); err != nil {
		log.Printf("task %d: failed to clean staging dir: %v", t.ID, err)
	}

	written, segments := asm.Written(), asm.Next()
	_, err = e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
		cur.BytesDone, cur.BytesTotal = written, written
		cur.ResumeOffset = int64(segments)
		if cur.HLS != nil {
			cur.HLS.SegmentsTotal = segments
			cur.HLS.Live = false
		}
	})
	return err
}

func (e *Executor) recordRenamed(t *task.Task) error {
	written, segments := t.BytesDone, int(t.ResumeOffset)
	if err := e.cache.Remove(t.ID); err != nil {
		log.Printf("task %d: failed to clean staging dir: %v", t.ID, err)
	}
	_, err := e.updater.UpdateExecution(t.ID, func(cur *task.Task) {
		cur.BytesDone, cur.BytesTotal = written, written
		if cur.HLS != nil {
			cur.HLS.SegmentsTotal = segments
			cur.HLS.Live = false
		}
	})
	return err
}

func (e *Executor) resolve(ctx context.Context, t *task.Task, resuming bool) (*m3u8.Plan, error) {
	if resuming {
		return e.resolver.ResolveMedia(ctx, t.Source, m3u8.VariantInfo{
			URL:       t.HLS.VariantURL,
			Quality:   t.HLS.Quality,
			Bandwidth: t.HLS.Bandwidth,
		})
	}
	return e.resolver.Resolve(ctx, t.Source, e.opts.Quality)
}

// fetchAll keeps up to Workers segment fetches in flight, never running
// more than a bounded window ahead of the assembler, and re-polls live
// playlists once every known segment is dispatched.
func (e *Executor) fetchAll(ctx context.Context, t *task.Task, plan *m3u8.Plan, asm *Assembler, skip, delta int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := e.opts.Workers
	window := workers * 4
	results := make(chan fetched, workers)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	dispatch := skip
	inflight := 0
	idlePolls := 0
	for {
		for inflight < workers && dispatch < len(plan.Segments) && dispatch+delta-asm.Next() < window {
			pos := dispatch
			seg := plan.Segments[pos]
			index := pos + delta
			wg.Add(1)
			inflight++
			dispatch++
			go func() {
				defer wg.Done()
				path, err := e.fetchSegment(ctx, t.ID, index, seg)
				results <- fetched{index: index, path: path, err: err}
			}()
		}

		if inflight == 0 {
			if !plan.Live {
				return nil
			}
			added, err := e.poll(ctx, plan)
			if err != nil {
				return err
			}
			if added > 0 {
				idlePolls = 0
				continue
			}
			if !plan.Live {
				return nil
			}
			idlePolls++
			if idlePolls >= e.opts.LivePollLimit {
				log.Printf("task %d: live playlist idle after %d polls, finishing", t.ID, idlePolls)
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			inflight--
			if r.err != nil {
				return fmt.Errorf("segment %d: %w", r.index, r.err)
			}
			metrics.IncSegmentFetched()
			n, err := asm.Add(r.index, r.path)
			if err != nil {
				return err
			}
			if n > 0 {
				e.reporter.Publish(progress.Event{
					Type:          progress.EventSegmentDone,
					TaskID:        t.ID,
					BytesDone:     asm.Written(),
					BytesTotal:    task.UnknownTotal,
					Segment:       asm.Next(),
					SegmentsTotal: len(plan.Segments) + delta,
					Label:         plan.Chosen.Quality,
				})
			}
		}
	}
}

func (e *Executor) fetchSegment(ctx context.Context, id int64, index int, seg m3u8.Segment) (string, error) {
	var path string
	label := fmt.Sprintf("task %d: segment %d", id, index)
	err := downloader.Retry(ctx, e.opts.Retry, label, segmentRetryable, func(attempt int) error {
		if attempt > 0 {
			metrics.IncSegmentRetry()
		}
		var err error
		path, err = e.fetcher.Fetch(ctx, id, index, seg)
		return err
	})
	return path, err
}

// poll waits about one target duration and refreshes a live playlist.
func (e *Executor) poll(ctx context.Context, plan *m3u8.Plan) (int, error) {
	wait := time.Duration(plan.TargetDuration * float64(time.Second))
	if wait <= 0 {
		wait = 2 * time.Second
	}
	if err := downloader.Sleep(ctx, wait); err != nil {
		return 0, err
	}
	return e.resolver.Refresh(ctx, plan)
}
