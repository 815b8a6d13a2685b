package task

import "time"

// Store is the durable queue. Every method is atomic and returns only after
// the change is on disk.
type Store interface {
	// LoadQueue returns all queued tasks ordered by position.
	LoadQueue() ([]*Task, error)
	GetTask(id int64) (*Task, error)
	// SaveTask inserts t when t.ID is zero (assigning ID and the tail
	// position) and otherwise overwrites the stored record, position
	// included.
	SaveTask(t *Task) error
	// UpdateTask applies fn to the stored record inside one transaction.
	// Position changes made by fn are ignored.
	UpdateTask(id int64, fn func(*Task) error) (*Task, error)
	// DeleteTask removes id and closes the gap in positions.
	DeleteTask(id int64) error
	// Reorder assigns positions 0..n-1 following ids, which must name
	// every queued task exactly once.
	Reorder(ids []int64) error
	// ArchiveTask moves id out of the queue into the archive.
	ArchiveTask(id int64) error
	ListArchive() ([]ArchivedTask, error)
	Close() error
}

// ArchivedTask is a task that left the queue after completion.
type ArchivedTask struct {
	Task       *Task     `json:"task"`
	ArchivedAt time.Time `json:"archived_at"`
}

func checkReorder(current []*Task, ids []int64) error {
	if len(current) != len(ids) {
		return ErrInvalidPosition
	}
	seen := make(map[int64]bool, len(ids))
	known := make(map[int64]bool, len(current))
	for _, t := range current {
		known[t.ID] = true
	}
	for _, id := range ids {
		if !known[id] || seen[id] {
			return ErrInvalidPosition
		}
		seen[id] = true
	}
	return nil
}
