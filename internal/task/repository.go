package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore keeps the queue in two tables: tasks (the live queue, ordered
// by position) and archive (completed tasks handed off by the archive hook).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the tables if needed. db should come from
// database.OpenSQLite.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.InitTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// InitTable creates the tasks and archive tables if they don't exist
func (s *SQLiteStore) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position INTEGER NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		state TEXT NOT NULL,
		bytes_done INTEGER NOT NULL DEFAULT 0,
		bytes_total INTEGER NOT NULL DEFAULT -1,
		resume_offset INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '{}',
		created_time TEXT NOT NULL,
		updated_time TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_position ON tasks(position);

	CREATE TABLE IF NOT EXISTS archive (
		id INTEGER PRIMARY KEY,
		record TEXT NOT NULL,
		archived_time TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// immediate runs fn inside BEGIN IMMEDIATE so the write lock is taken up
// front and a concurrent process cannot interleave a read-modify-write.
func (s *SQLiteStore) immediate(fn func(ctx context.Context, q querier) error) error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type taskDetail struct {
	Direct *DirectDetail `json:"direct,omitempty"`
	HLS    *HLSDetail    `json:"hls,omitempty"`
	Page   *PageDetail   `json:"page,omitempty"`
}

const taskColumns = `id, position, kind, source, destination, state, bytes_done, bytes_total,
	resume_offset, retry_count, last_error, detail, created_time, updated_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                Task
		detail           string
		created, updated string
	)
	err := row.Scan(&t.ID, &t.Position, &t.Kind, &t.Source, &t.Destination, &t.State,
		&t.BytesDone, &t.BytesTotal, &t.ResumeOffset, &t.RetryCount, &t.LastError,
		&detail, &created, &updated)
	if err != nil {
		return nil, err
	}
	var d taskDetail
	if err := json.Unmarshal([]byte(detail), &d); err != nil {
		return nil, fmt.Errorf("task %d: decode detail: %w", t.ID, err)
	}
	t.Direct, t.HLS, t.Page = d.Direct, d.HLS, d.Page
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &t, nil
}

func encodeDetail(t *Task) (string, error) {
	b, err := json.Marshal(taskDetail{Direct: t.Direct, HLS: t.HLS, Page: t.Page})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLiteStore) LoadQueue() ([]*Task, error) {
	return loadQueue(context.Background(), s.db)
}

func loadQueue(ctx context.Context, q querier) ([]*Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) GetTask(id int64) (*Task, error) {
	return getTask(context.Background(), s.db, id)
}

func getTask(ctx context.Context, q querier, id int64) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return t, err
}

func (s *SQLiteStore) SaveTask(t *Task) error {
	detail, err := encodeDetail(t)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}

	return s.immediate(func(ctx context.Context, q querier) error {
		if t.ID == 0 {
			var next int
			if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM tasks`).Scan(&next); err != nil {
				return err
			}
			query := `INSERT INTO tasks (position, kind, source, destination, state, bytes_done, bytes_total,
				resume_offset, retry_count, last_error, detail, created_time, updated_time)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
			res, err := q.ExecContext(ctx, query, next, t.Kind, t.Source, t.Destination, t.State,
				t.BytesDone, t.BytesTotal, t.ResumeOffset, t.RetryCount, t.LastError, detail,
				t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			t.ID = id
			t.Position = next
			return nil
		}
		return updateRow(ctx, q, t, detail)
	})
}

func updateRow(ctx context.Context, q querier, t *Task, detail string) error {
	query := `UPDATE tasks SET position = ?, kind = ?, source = ?, destination = ?, state = ?,
		bytes_done = ?, bytes_total = ?, resume_offset = ?, retry_count = ?, last_error = ?,
		detail = ?, updated_time = ? WHERE id = ?`
	res, err := q.ExecContext(ctx, query, t.Position, t.Kind, t.Source, t.Destination, t.State,
		t.BytesDone, t.BytesTotal, t.ResumeOffset, t.RetryCount, t.LastError, detail,
		t.UpdatedAt.Format(time.RFC3339Nano), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, t.ID)
	}
	return nil
}

func (s *SQLiteStore) UpdateTask(id int64, fn func(*Task) error) (*Task, error) {
	var out *Task
	err := s.immediate(func(ctx context.Context, q querier) error {
		t, err := getTask(ctx, q, id)
		if err != nil {
			return err
		}
		pos := t.Position
		if err := fn(t); err != nil {
			return err
		}
		t.ID, t.Position = id, pos
		t.UpdatedAt = time.Now().UTC()
		detail, err := encodeDetail(t)
		if err != nil {
			return err
		}
		if err := updateRow(ctx, q, t, detail); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *SQLiteStore) DeleteTask(id int64) error {
	return s.immediate(func(ctx context.Context, q querier) error {
		return deleteAndCompact(ctx, q, id)
	})
}

func deleteAndCompact(ctx context.Context, q querier, id int64) error {
	var pos int
	err := q.QueryRowContext(ctx, `SELECT position FROM tasks WHERE id = ?`, id).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `UPDATE tasks SET position = position - 1 WHERE position > ?`, pos)
	return err
}

func (s *SQLiteStore) Reorder(ids []int64) error {
	return s.immediate(func(ctx context.Context, q querier) error {
		current, err := loadQueue(ctx, q)
		if err != nil {
			return err
		}
		if err := checkReorder(current, ids); err != nil {
			return err
		}
		for pos, id := range ids {
			if _, err := q.ExecContext(ctx, `UPDATE tasks SET position = ? WHERE id = ?`, pos, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ArchiveTask(id int64) error {
	return s.immediate(func(ctx context.Context, q querier) error {
		t, err := getTask(ctx, q, id)
		if err != nil {
			return err
		}
		record, err := json.Marshal(t)
		if err != nil {
			return err
		}
		query := `INSERT OR REPLACE INTO archive (id, record, archived_time) VALUES (?, ?, ?)`
		if _, err := q.ExecContext(ctx, query, id, string(record), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		return deleteAndCompact(ctx, q, id)
	})
}

func (s *SQLiteStore) ListArchive() ([]ArchivedTask, error) {
	rows, err := s.db.Query(`SELECT record, archived_time FROM archive ORDER BY archived_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedTask
	for rows.Next() {
		var record, at string
		if err := rows.Scan(&record, &at); err != nil {
			return nil, err
		}
		var t Task
		if err := json.Unmarshal([]byte(record), &t); err != nil {
			return nil, err
		}
		ts, _ := time.Parse(time.RFC3339Nano, at)
		out = append(out, ArchivedTask{Task: &t, ArchivedAt: ts})
	}
	return out, rows.Err()
}
