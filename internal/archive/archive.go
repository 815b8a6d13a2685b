// Package archive is the post-completion hook: it files finished downloads
// away and takes their tasks out of the queue.
package archive

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Hook is called once per task that reaches Completed.
type Hook interface {
	TaskCompleted(ctx context.Context, id int64, path string) error
}

// Archiver is the queue side of archiving (*task.Manager).
type Archiver interface {
	Archive(id int64) error
}

// Mover moves a completed download into Dir (when set) and archives its
// task.
type Mover struct {
	Dir   string
	Queue Archiver
}

func NewMover(dir string, queue Archiver) *Mover {
	return &Mover{Dir: dir, Queue: queue}
}

func (m *Mover) TaskCompleted(ctx context.Context, id int64, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Dir != "" && path != "" {
		dest, err := m.move(path)
		if err != nil {
			return fmt.Errorf("task %d: archive %s: %w", id, path, err)
		}
		log.Printf("task %d: moved to %s", id, dest)
	}
	if err := m.Queue.Archive(id); err != nil {
		return fmt.Errorf("task %d: archive: %w", id, err)
	}
	return nil
}

// move renames path into Dir, picking a free name when one is taken.
func (m *Mover) move(path string) (string, error) {
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return "", err
	}
	dest := freeName(filepath.Join(m.Dir, filepath.Base(path)))
	err := os.Rename(path, dest)
	if err == nil {
		return dest, nil
	}
	// Rename fails across filesystems; fall back to copy and delete.
	info, statErr := os.Stat(path)
	if statErr != nil || info.IsDir() {
		return "", err
	}
	if err := copyFile(path, dest); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, os.Remove(path)
}

func freeName(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
