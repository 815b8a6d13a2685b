package task

import (
	"fmt"
	"log"
	"sync"
)

// CancelReason tells an executor why it is being stopped, which decides the
// state it leaves behind.
type CancelReason int

const (
	CancelPause CancelReason = iota
	CancelRemove
	CancelStop
	CancelShutdown
)

func (r CancelReason) String() string {
	switch r {
	case CancelPause:
		return "pause"
	case CancelRemove:
		return "remove"
	case CancelStop:
		return "cancel"
	case CancelShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Canceler is implemented by the scheduler. Cancel returns a channel closed
// once the active run of id has stopped at a checkpoint, or nil when id is
// not active in this process.
type Canceler interface {
	Cancel(id int64, reason CancelReason) <-chan struct{}
}

// Manager is the queue: the only writer of position and existence, and the
// gate through which the scheduler writes execution fields. Every mutation is
// committed to the Store before the method returns.
type Manager struct {
	mu    sync.Mutex
	store Store
	tasks []*Task

	canceler         Canceler
	rejectDuplicates bool
	notify           func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithRejectDuplicates makes Add refuse a source that is already queued and
// not finished.
func WithRejectDuplicates(reject bool) Option {
	return func(m *Manager) { m.rejectDuplicates = reject }
}

// NewManager loads the queue from store, repairing positions left non dense
// by an older process.
func NewManager(store Store, opts ...Option) (*Manager, error) {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	if !dense(m.tasks) {
		ids := make([]int64, len(m.tasks))
		for i, t := range m.tasks {
			ids[i] = t.ID
		}
		if err := store.Reorder(ids); err != nil {
			return nil, fmt.Errorf("repair positions: %w", err)
		}
		if err := m.reload(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func dense(tasks []*Task) bool {
	for i, t := range tasks {
		if t.Position != i {
			return false
		}
	}
	return true
}

// SetCanceler wires the scheduler in; nil means nothing runs in-process.
func (m *Manager) SetCanceler(c Canceler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceler = c
}

// OnChange registers a callback fired (without locks held) after a task is
// started, so a scheduler can wake up.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

func (m *Manager) changed() {
	m.mu.Lock()
	fn := m.notify
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// reload replaces the in-memory mirror from the store; callers hold mu.
func (m *Manager) reload() error {
	tasks, err := m.store.LoadQueue()
	if err != nil {
		return err
	}
	m.tasks = tasks
	return nil
}

// Refresh picks up changes committed by other processes.
func (m *Manager) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reload()
}

func (m *Manager) indexOf(id int64) int {
	for i, t := range m.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// AddRequest describes a new task.
type AddRequest struct {
	Source      string
	Kind        Kind
	Destination string
}

// Add appends a Queued task at the tail and returns it.
func (m *Manager) Add(req AddRequest) (*Task, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrInvalidTarget)
	}
	if req.Kind == "" {
		req.Kind = DetectKind(req.Source)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rejectDuplicates {
		for _, t := range m.tasks {
			if t.Source == req.Source && t.State != StateCompleted && t.State != StateCancelled {
				return nil, fmt.Errorf("%w: %s (task %d)", ErrDuplicateSource, req.Source, t.ID)
			}
		}
	}

	t := New(req.Kind, req.Source, req.Destination)
	if err := m.store.SaveTask(t); err != nil {
		return nil, err
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	log.Printf("task %d: added %s %s at position %d", t.ID, t.Kind, t.Source, t.Position)
	return t.Clone(), nil
}

// AddChild queues a task discovered by parent and records it in the
// parent's page detail. Children inherit the parent's Running state so a
// started page keeps going without a second start.
func (m *Manager) AddChild(parentID int64, req AddRequest) (*Task, error) {
	if req.Kind == "" {
		req.Kind = DetectKind(req.Source)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(parentID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, parentID)
	}
	for _, t := range m.tasks {
		if t.Source == req.Source && t.State != StateCompleted && t.State != StateCancelled {
			return t.Clone(), ErrDuplicateSource
		}
	}

	child := New(req.Kind, req.Source, req.Destination)
	if m.tasks[i].State == StateRunning {
		child.State = StateRunning
	}
	if err := m.store.SaveTask(child); err != nil {
		return nil, err
	}
	_, err := m.store.UpdateTask(parentID, func(p *Task) error {
		if p.Page == nil {
			p.Page = &PageDetail{}
		}
		p.Page.Children = append(p.Page.Children, child.ID)
		p.Page.Discovered = len(p.Page.Children)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return child.Clone(), nil
}

// List returns copies of all tasks in position order.
func (m *Manager) List() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Get returns a copy of task id.
func (m *Manager) Get(id int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return m.tasks[i].Clone(), nil
}

// AtPosition returns the task at pos.
func (m *Manager) AtPosition(pos int) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos < 0 || pos >= len(m.tasks) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidPosition, pos, len(m.tasks))
	}
	return m.tasks[pos].Clone(), nil
}

// Runnable lists Running tasks in position order.
func (m *Manager) Runnable() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.State == StateRunning {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Move reinserts id at position to, shifting the tasks in between by one.
// Observers see either the old or the new order, never a mix.
func (m *Manager) Move(id int64, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.indexOf(id)
	if from < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if to < 0 || to >= len(m.tasks) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidPosition, to, len(m.tasks))
	}
	if from == to {
		return nil
	}
	return m.commitOrder(moveIDs(m.tasks, from, to))
}

func moveIDs(tasks []*Task, from, to int) []int64 {
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	moved := ids[from]
	ids = append(ids[:from], ids[from+1:]...)
	ids = append(ids[:to], append([]int64{moved}, ids[to:]...)...)
	return ids
}

// Swap exchanges the tasks at positions a and b.
func (m *Manager) Swap(a, b int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.tasks)
	if a < 0 || a >= n || b < 0 || b >= n {
		return fmt.Errorf("%w: positions must be in [0, %d)", ErrInvalidPosition, n)
	}
	if a == b {
		return nil
	}
	ids := make([]int64, n)
	for i, t := range m.tasks {
		ids[i] = t.ID
	}
	ids[a], ids[b] = ids[b], ids[a]
	return m.commitOrder(ids)
}

// MoveUp moves id one position toward the head.
func (m *Manager) MoveUp(id int64) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if t.Position == 0 {
		return fmt.Errorf("%w: task %d is already first", ErrInvalidPosition, id)
	}
	return m.Move(id, t.Position-1)
}

// MoveDown moves id one position toward the tail.
func (m *Manager) MoveDown(id int64) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	return m.Move(id, t.Position+1)
}

func (m *Manager) commitOrder(ids []int64) error {
	if err := m.store.Reorder(ids); err != nil {
		return err
	}
	return m.reload()
}

// cancelActive asks the scheduler to stop id and waits for the ack. It must
// be called without mu held: the executor commits its final checkpoint
// through the manager before acknowledging.
func (m *Manager) cancelActive(id int64, reason CancelReason) bool {
	m.mu.Lock()
	c := m.canceler
	m.mu.Unlock()
	if c == nil {
		return false
	}
	done := c.Cancel(id, reason)
	if done == nil {
		return false
	}
	<-done
	return true
}

// Remove deletes id from the queue, stopping it first if it is running.
func (m *Manager) Remove(id int64) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	m.cancelActive(id, CancelRemove)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DeleteTask(id); err != nil {
		return err
	}
	log.Printf("task %d: removed", id)
	return m.reload()
}

// Pause stops id at its next checkpoint and marks it Paused. The resume
// offset is left as the last durable checkpoint.
func (m *Manager) Pause(id int64) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if t.State != StateQueued && t.State != StateRunning {
		return nil
	}
	m.cancelActive(id, CancelPause)
	return m.setState(id, StatePaused, StateQueued, StateRunning)
}

// PauseAll pauses every Queued or Running task and returns their ids.
func (m *Manager) PauseAll() ([]int64, error) {
	var ids []int64
	for _, t := range m.List() {
		if t.State == StateQueued || t.State == StateRunning {
			ids = append(ids, t.ID)
		}
	}
	for _, id := range ids {
		if err := m.Pause(id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// Cancel stops id and leaves it Cancelled; it stays queued until removed.
func (m *Manager) Cancel(id int64) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if t.State == StateCompleted || t.State == StateCancelled {
		return nil
	}
	m.cancelActive(id, CancelStop)
	return m.setState(id, StateCancelled, StateQueued, StateRunning, StatePaused, StateFailed)
}

// setState moves id to `to` if it is currently in one of from; otherwise it
// leaves the task as is (the executor already wrote a terminal state).
func (m *Manager) setState(id int64, to State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.store.UpdateTask(id, func(t *Task) error {
		for _, s := range from {
			if t.State == s {
				t.State = to
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return m.reload()
}

// Start marks id Running so the scheduler picks it up. Starting a Running or
// Completed task is a no-op. Starting a Failed or Cancelled task is the
// explicit user retry and resets its retry counter.
func (m *Manager) Start(id int64) error {
	m.mu.Lock()
	started := false
	_, err := m.store.UpdateTask(id, func(t *Task) error {
		if !t.State.Startable() {
			return nil
		}
		if t.State == StateFailed || t.State == StateCancelled {
			t.RetryCount = 0
			t.LastError = ""
		}
		t.State = StateRunning
		started = true
		return nil
	})
	if err == nil {
		err = m.reload()
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if started {
		log.Printf("task %d: started", id)
		m.changed()
	}
	return nil
}

// StartAll starts every startable task except Failed and Cancelled ones,
// which need an explicit per-task start.
func (m *Manager) StartAll() ([]int64, error) {
	var ids []int64
	for _, t := range m.List() {
		if t.State == StateQueued || t.State == StatePaused {
			ids = append(ids, t.ID)
		}
	}
	for _, id := range ids {
		if err := m.Start(id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// UpdateExecution is the scheduler's write path for execution fields
// (state, counters, detail). fn runs on the freshly loaded record; if the
// record is no longer Running, fn is not called and ErrNotRunning is
// returned so the executor can stop. Use Finish for the terminal write.
func (m *Manager) UpdateExecution(id int64, fn func(*Task)) (*Task, error) {
	return m.update(id, true, fn)
}

// Finish writes the outcome of a run without the Running check; fn sees the
// current state and decides whether its outcome still applies.
func (m *Manager) Finish(id int64, fn func(*Task)) (*Task, error) {
	return m.update(id, false, fn)
}

// Reclassify turns a Running task into one of another kind writing to
// destination, for a source that turned out not to be what its kind assumed.
// Progress starts over.
func (m *Manager) Reclassify(id int64, kind Kind, destination string) (*Task, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	return m.update(id, true, func(t *Task) {
		fresh := New(kind, t.Source, destination)
		t.Kind, t.Destination = fresh.Kind, fresh.Destination
		t.Direct, t.HLS, t.Page = fresh.Direct, fresh.HLS, fresh.Page
		t.BytesDone, t.BytesTotal, t.ResumeOffset = 0, fresh.BytesTotal, 0
	})
}

func (m *Manager) update(id int64, requireRunning bool, fn func(*Task)) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.UpdateTask(id, func(t *Task) error {
		if requireRunning && t.State != StateRunning {
			return ErrNotRunning
		}
		fn(t)
		return t.CheckCounters()
	})
	if err != nil {
		return nil, err
	}
	if i := m.indexOf(id); i >= 0 {
		t.Position = m.tasks[i].Position
		m.tasks[i] = t.Clone()
	}
	return t, nil
}

// Archive moves a Completed task out of the queue into the store archive.
func (m *Manager) Archive(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if m.tasks[i].State != StateCompleted {
		return fmt.Errorf("%w: task %d is %s, not completed", ErrInvalidTarget, id, m.tasks[i].State)
	}
	if err := m.store.ArchiveTask(id); err != nil {
		return err
	}
	return m.reload()
}

// ListArchive returns archived tasks, newest first.
func (m *Manager) ListArchive() ([]ArchivedTask, error) {
	return m.store.ListArchive()
}
