package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
)

// PebbleStore implements Store on an embedded Pebble database.
//
// Key Schema:
// - task:<id>      -> Task JSON (position inside the record)
// - archive:<id>   -> ArchivedTask JSON
// - counter:task   -> next task ID
//
// Ids are zero padded to 20 digits so key order equals numeric order.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// NewPebbleStore wraps an open database (see database.OpenPebble).
func NewPebbleStore(db *pebble.DB) *PebbleStore {
	return &PebbleStore{db: db}
}

func taskKey(id int64) []byte    { return []byte(fmt.Sprintf("task:%020d", id)) }
func archiveKey(id int64) []byte { return []byte(fmt.Sprintf("archive:%020d", id)) }

var counterKey = []byte("counter:task")

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

func (p *PebbleStore) LoadQueue() ([]*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadQueue()
}

func (p *PebbleStore) loadQueue() ([]*Task, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("task:"),
		UpperBound: []byte("task;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var tasks []*Task
	for iter.First(); iter.Valid(); iter.Next() {
		var t Task
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		tasks = append(tasks, &t)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (p *PebbleStore) GetTask(id int64) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getTask(id)
}

func (p *PebbleStore) getTask(id int64) (*Task, error) {
	value, closer, err := p.db.Get(taskKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var t Task
	if err := json.Unmarshal(value, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PebbleStore) nextID() (int64, error) {
	value, closer, err := p.db.Get(counterKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return strconv.ParseInt(string(value), 10, 64)
}

func putTask(b *pebble.Batch, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Set(taskKey(t.ID), data, nil)
}

func (p *PebbleStore) SaveTask(t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.UpdatedAt = time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	if t.ID == 0 {
		id, err := p.nextID()
		if err != nil {
			return err
		}
		queue, err := p.loadQueue()
		if err != nil {
			return err
		}
		pos := 0
		for _, q := range queue {
			if q.Position >= pos {
				pos = q.Position + 1
			}
		}
		if err := batch.Set(counterKey, []byte(strconv.FormatInt(id+1, 10)), nil); err != nil {
			return err
		}
		saved := t.Clone()
		saved.ID, saved.Position = id, pos
		if err := putTask(batch, saved); err != nil {
			return err
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return err
		}
		t.ID, t.Position = id, pos
		return nil
	}

	if _, err := p.getTask(t.ID); err != nil {
		return err
	}
	if err := putTask(batch, t); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) UpdateTask(id int64, fn func(*Task) error) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := p.getTask(id)
	if err != nil {
		return nil, err
	}
	pos := t.Position
	if err := fn(t); err != nil {
		return nil, err
	}
	t.ID, t.Position = id, pos
	t.UpdatedAt = time.Now().UTC()

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := putTask(batch, t); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return t, nil
}

// deleteAndCompact stages the removal of id plus the position shift of the
// tasks behind it.
func (p *PebbleStore) deleteAndCompact(b *pebble.Batch, id int64) error {
	queue, err := p.loadQueue()
	if err != nil {
		return err
	}
	found := false
	pos := 0
	for _, t := range queue {
		if t.ID == id {
			found = true
			continue
		}
		t.Position = pos
		pos++
		if err := putTask(b, t); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return b.Delete(taskKey(id), nil)
}

func (p *PebbleStore) DeleteTask(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := p.deleteAndCompact(batch, id); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Reorder(ids []int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	queue, err := p.loadQueue()
	if err != nil {
		return err
	}
	if err := checkReorder(queue, ids); err != nil {
		return err
	}
	byID := make(map[int64]*Task, len(queue))
	for _, t := range queue {
		byID[t.ID] = t
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for pos, id := range ids {
		t := byID[id]
		t.Position = pos
		if err := putTask(batch, t); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) ArchiveTask(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := p.getTask(id)
	if err != nil {
		return err
	}
	record, err := json.Marshal(ArchivedTask{Task: t, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(archiveKey(id), record, nil); err != nil {
		return err
	}
	if err := p.deleteAndCompact(batch, id); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) ListArchive() ([]ArchivedTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("archive:"),
		UpperBound: []byte("archive;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ArchivedTask
	for iter.First(); iter.Valid(); iter.Next() {
		var a ArchivedTask
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArchivedAt.After(out[j].ArchivedAt) })
	return out, nil
}
