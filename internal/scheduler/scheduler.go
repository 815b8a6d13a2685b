// Package scheduler drives Running tasks to a terminal or paused state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"dlqueue/internal/archive"
	"dlqueue/internal/downloader"
	"dlqueue/internal/metrics"
	"dlqueue/internal/progress"
	"dlqueue/internal/task"
)

// Executor runs one task of a kind. It returns nil once the destination is
// complete, the context error when cancelled at a checkpoint, and
// task.ErrNotRunning when the persisted state left Running.
type Executor interface {
	Run(ctx context.Context, t *task.Task) error
}

// Queue is what the scheduler needs from *task.Manager.
type Queue interface {
	Runnable() []*task.Task
	Get(id int64) (*task.Task, error)
	Refresh() error
	Pause(id int64) error
	UpdateExecution(id int64, fn func(*task.Task)) (*task.Task, error)
	Finish(id int64, fn func(*task.Task)) (*task.Task, error)
}

// Options tunes a Scheduler.
type Options struct {
	// MaxConcurrent bounds tasks executing at once.
	// Default: 1
	MaxConcurrent int
	Retry         downloader.Policy
	// RestartOnResumeUnsupported restarts a task from zero when its origin
	// refuses to resume; otherwise the task fails.
	RestartOnResumeUnsupported bool
	// WatchInterval is how often the store is re-read for commands issued
	// by other processes.
	// Default: 1s
	WatchInterval time.Duration
	Reporter      progress.Reporter
	// Hook is called after a task completes. Its errors are only logged.
	Hook archive.Hook
}

type run struct {
	id        int64
	cancel    context.CancelFunc
	cancelled bool
	reason    task.CancelReason
	done      chan struct{}
}

// Scheduler dispatches Running tasks in queue order to the executor of
// their kind. It implements task.Canceler.
type Scheduler struct {
	queue     Queue
	executors map[task.Kind]Executor
	opts      Options

	mu     sync.Mutex
	active map[int64]*run
	wake   chan struct{}
}

func New(queue Queue, executors map[task.Kind]Executor, opts Options) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = time.Second
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.Nop{}
	}
	return &Scheduler{
		queue:     queue,
		executors: executors,
		opts:      opts,
		active:    make(map[int64]*run),
		wake:      make(chan struct{}, 1),
	}
}

// Wake makes the dispatcher look for runnable tasks now.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops the active run of id at its next checkpoint. The returned
// channel closes once the run has written its final state; nil means id is
// not running here.
func (s *Scheduler) Cancel(id int64, reason task.CancelReason) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[id]
	if !ok {
		return nil
	}
	if !r.cancelled {
		r.cancelled = true
		r.reason = reason
		r.cancel()
		log.Printf("task %d: %s requested", id, reason)
	}
	return r.done
}

// Active returns the ids currently executing.
func (s *Scheduler) Active() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Run dispatches until ctx is cancelled, then stops every active run and
// leaves it Running so the next process resumes it.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.loop(ctx, false)
}

// RunUntilIdle dispatches until nothing is Running.
func (s *Scheduler) RunUntilIdle(ctx context.Context) error {
	return s.loop(ctx, true)
}

func (s *Scheduler) loop(ctx context.Context, untilIdle bool) error {
	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()

	for {
		started := s.dispatch(ctx)
		if untilIdle && started == 0 && s.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.wake:
		case <-ticker.C:
			s.watch()
		}
	}
}

func (s *Scheduler) idle() bool {
	s.mu.Lock()
	n := len(s.active)
	s.mu.Unlock()
	return n == 0 && len(s.queue.Runnable()) == 0
}

// dispatch starts Running tasks in position order until the concurrency
// bound is reached.
func (s *Scheduler) dispatch(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := 0
	for _, t := range s.queue.Runnable() {
		if len(s.active) >= s.opts.MaxConcurrent {
			break
		}
		if _, ok := s.active[t.ID]; ok {
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		r := &run{id: t.ID, cancel: cancel, done: make(chan struct{})}
		s.active[t.ID] = r
		started++
		go s.execute(runCtx, r, t)
	}
	metrics.SetActiveTasks(len(s.active))
	return started
}

// watch reloads the queue and stops runs whose task was paused, cancelled
// or removed by another process.
func (s *Scheduler) watch() {
	if err := s.queue.Refresh(); err != nil {
		log.Printf("scheduler: refresh queue: %v", err)
		return
	}
	for _, id := range s.Active() {
		t, err := s.queue.Get(id)
		switch {
		case errors.Is(err, task.ErrNotFound):
			s.Cancel(id, task.CancelRemove)
		case err != nil:
			log.Printf("task %d: watch: %v", id, err)
		case t.State == task.StatePaused:
			s.Cancel(id, task.CancelPause)
		case t.State != task.StateRunning:
			s.Cancel(id, task.CancelStop)
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	var waits []chan struct{}
	for _, r := range s.active {
		if !r.cancelled {
			r.cancelled = true
			r.reason = task.CancelShutdown
			r.cancel()
		}
		waits = append(waits, r.done)
	}
	s.mu.Unlock()
	for _, done := range waits {
		<-done
	}
}

func (s *Scheduler) cancelReason(r *run) (task.CancelReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.reason, r.cancelled
}

func (s *Scheduler) execute(ctx context.Context, r *run, t *task.Task) {
	kind := string(t.Kind)
	began := time.Now()
	defer func() {
		r.cancel()
		s.mu.Lock()
		delete(s.active, r.id)
		metrics.SetActiveTasks(len(s.active))
		s.mu.Unlock()
		close(r.done)
		s.Wake()
	}()

	exec, ok := s.executors[t.Kind]
	if !ok {
		s.fail(t, fmt.Errorf("no executor for kind %q", t.Kind))
		return
	}

	metrics.IncTaskStarted(kind)
	s.opts.Reporter.Publish(progress.Event{
		Type:       progress.EventTaskStarted,
		TaskID:     t.ID,
		BytesDone:  t.BytesDone,
		BytesTotal: t.BytesTotal,
		Label:      t.Source,
	})
	log.Printf("task %d: running %s %s (resume at %d)", t.ID, t.Kind, t.Source, t.ResumeOffset)

	restarted := false
	for {
		err := exec.Run(ctx, t.Clone())
		if err == nil {
			s.complete(ctx, t, began)
			return
		}
		if reason, cancelled := s.cancelReason(r); cancelled {
			s.stopped(t, reason)
			return
		}
		if ctx.Err() != nil {
			s.stopped(t, task.CancelShutdown)
			return
		}

		switch {
		case errors.Is(err, task.ErrNotRunning), errors.Is(err, task.ErrNotFound):
			log.Printf("task %d: left running state, stopping", t.ID)
			return

		case errors.Is(err, downloader.ErrResumeUnsupported) && s.opts.RestartOnResumeUnsupported && !restarted:
			log.Printf("task %d: origin cannot resume, restarting from zero", t.ID)
			restarted = true
			if _, uerr := s.queue.UpdateExecution(t.ID, func(cur *task.Task) { cur.ResetProgress() }); uerr != nil {
				s.fail(t, uerr)
				return
			}

		case downloader.IsGlobalDiskError(err):
			s.diskUnavailable(t, err)
			return

		case downloader.IsRetryable(err):
			if !s.backoff(ctx, r, t, err) {
				return
			}

		default:
			s.fail(t, err)
			return
		}

		next, gerr := s.queue.Get(t.ID)
		if gerr != nil || next.State != task.StateRunning {
			return
		}
		t = next
		// A page task may have been reclassified during the attempt.
		if e, ok := s.executors[t.Kind]; ok {
			exec = e
		}
	}
}

// backoff records a transient failure and sleeps before the next attempt.
// It returns false when the task must not be attempted again. An attempt
// that moved the resume offset forward starts a fresh retry budget, so
// only consecutive failures without progress count toward MaxAttempts.
func (s *Scheduler) backoff(ctx context.Context, r *run, t *task.Task, cause error) bool {
	exhausted := false
	cur, err := s.queue.UpdateExecution(t.ID, func(cur *task.Task) {
		if cur.ResumeOffset > t.ResumeOffset {
			cur.RetryCount = 0
		}
		if cur.RetryCount >= s.opts.Retry.MaxAttempts {
			exhausted = true
			return
		}
		cur.RetryCount++
		cur.LastError = cause.Error()
	})
	if err != nil {
		return false
	}
	if exhausted {
		s.fail(t, fmt.Errorf("giving up after %d retries: %w", cur.RetryCount, cause))
		return false
	}

	wait := s.opts.Retry.Backoff(cur.RetryCount)
	log.Printf("task %d: retry %d/%d in %s: %v", t.ID, cur.RetryCount, s.opts.Retry.MaxAttempts, wait.Round(time.Millisecond), cause)
	metrics.IncTaskRetry(string(t.Kind))
	s.opts.Reporter.Publish(progress.Event{
		Type:       progress.EventTaskRetrying,
		TaskID:     t.ID,
		BytesDone:  cur.BytesDone,
		BytesTotal: cur.BytesTotal,
		Err:        cause.Error(),
	})

	if err := downloader.Sleep(ctx, wait); err != nil {
		reason, cancelled := s.cancelReason(r)
		if !cancelled {
			reason = task.CancelShutdown
		}
		s.stopped(t, reason)
		return false
	}
	return true
}

// stopped writes the state a cancelled run leaves behind. A removed task is
// deleted by the queue after the ack; a shutdown leaves it Running.
func (s *Scheduler) stopped(t *task.Task, reason task.CancelReason) {
	var (
		to    task.State
		event progress.EventType
	)
	switch reason {
	case task.CancelPause:
		to, event = task.StatePaused, progress.EventTaskPaused
	case task.CancelStop:
		to, event = task.StateCancelled, progress.EventTaskCancelled
	default:
		log.Printf("task %d: stopped (%s)", t.ID, reason)
		return
	}

	cur, err := s.queue.Finish(t.ID, func(cur *task.Task) {
		if cur.State == task.StateRunning {
			cur.State = to
		}
	})
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			log.Printf("task %d: record %s: %v", t.ID, to, err)
		}
		return
	}
	log.Printf("task %d: %s at offset %d", t.ID, cur.State, cur.ResumeOffset)
	metrics.IncTaskFinished(string(t.Kind), string(to))
	s.opts.Reporter.Publish(progress.Event{
		Type:       event,
		TaskID:     t.ID,
		BytesDone:  cur.BytesDone,
		BytesTotal: cur.BytesTotal,
	})
}

func (s *Scheduler) complete(ctx context.Context, t *task.Task, began time.Time) {
	cur, err := s.queue.Finish(t.ID, func(cur *task.Task) {
		cur.State = task.StateCompleted
		cur.LastError = ""
	})
	if err != nil {
		log.Printf("task %d: record completion: %v", t.ID, err)
		return
	}
	log.Printf("task %d: completed %s", t.ID, cur.Destination)
	metrics.IncTaskFinished(string(t.Kind), string(task.StateCompleted))
	metrics.ObserveTaskDuration(string(t.Kind), time.Since(began))
	s.opts.Reporter.Publish(progress.Event{
		Type:       progress.EventTaskCompleted,
		TaskID:     t.ID,
		BytesDone:  cur.BytesDone,
		BytesTotal: cur.BytesTotal,
		Label:      cur.Destination,
	})

	if s.opts.Hook != nil {
		if err := s.opts.Hook.TaskCompleted(context.WithoutCancel(ctx), t.ID, cur.Destination); err != nil {
			log.Printf("task %d: archive hook failed: %v", t.ID, err)
		}
	}
}

// fail records err and moves the task to Failed, unless it already left
// Running for another reason.
func (s *Scheduler) fail(t *task.Task, cause error) {
	cur, err := s.queue.Finish(t.ID, func(cur *task.Task) {
		if cur.State == task.StateRunning {
			cur.State = task.StateFailed
			cur.LastError = cause.Error()
		}
	})
	if err != nil {
		log.Printf("task %d: record failure %v: %v", t.ID, cause, err)
		return
	}
	if cur.State != task.StateFailed {
		return
	}
	log.Printf("task %d: failed: %v", t.ID, cause)
	metrics.IncTaskFinished(string(t.Kind), string(task.StateFailed))
	s.opts.Reporter.Publish(progress.Event{
		Type:       progress.EventTaskFailed,
		TaskID:     t.ID,
		BytesDone:  cur.BytesDone,
		BytesTotal: cur.BytesTotal,
		Err:        cause.Error(),
	})
}

// diskUnavailable pauses the task that hit the error and then every other
// Running task: the disk is at fault, not the tasks.
func (s *Scheduler) diskUnavailable(t *task.Task, cause error) {
	log.Printf("task %d: disk unavailable, pausing all running tasks: %v", t.ID, cause)
	cur, err := s.queue.Finish(t.ID, func(cur *task.Task) {
		if cur.State == task.StateRunning {
			cur.State = task.StatePaused
			cur.LastError = cause.Error()
		}
	})
	if err == nil {
		metrics.IncTaskFinished(string(t.Kind), string(task.StatePaused))
		s.opts.Reporter.Publish(progress.Event{
			Type:       progress.EventTaskPaused,
			TaskID:     t.ID,
			BytesDone:  cur.BytesDone,
			BytesTotal: cur.BytesTotal,
			Err:        cause.Error(),
		})
	}

	// Pause waits for each run to acknowledge, which must not block this
	// run's own exit.
	for _, other := range s.queue.Runnable() {
		id := other.ID
		go func() {
			if err := s.queue.Pause(id); err != nil {
				log.Printf("task %d: pause after disk error: %v", id, err)
			}
		}()
	}
}
