package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for property tests, where opening a
// database per iteration is too slow.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	tasks   map[int64]*Task
	archive []ArchivedTask
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, tasks: make(map[int64]*Task)}
}

func (s *memStore) queue() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memStore) LoadQueue() ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue(), nil
}

func (s *memStore) GetTask(id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *memStore) SaveTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID
		s.nextID++
		t.Position = len(s.tasks)
	} else if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memStore) UpdateTask(id int64, fn func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	t := cur.Clone()
	if err := fn(t); err != nil {
		return nil, err
	}
	t.ID, t.Position = id, cur.Position
	s.tasks[id] = t.Clone()
	return t, nil
}

func (s *memStore) deleteLocked(id int64) error {
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(s.tasks, id)
	for i, t := range s.queue() {
		s.tasks[t.ID].Position = i
	}
	return nil
}

func (s *memStore) DeleteTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *memStore) Reorder(ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkReorder(s.queue(), ids); err != nil {
		return err
	}
	for pos, id := range ids {
		s.tasks[id].Position = pos
	}
	return nil
}

func (s *memStore) ArchiveTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	s.archive = append([]ArchivedTask{{Task: t.Clone(), ArchivedAt: time.Now().UTC()}}, s.archive...)
	return s.deleteLocked(id)
}

func (s *memStore) ListArchive() ([]ArchivedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ArchivedTask(nil), s.archive...), nil
}

func (s *memStore) Close() error { return nil }
