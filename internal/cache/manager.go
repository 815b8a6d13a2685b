package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// PartSuffix marks a destination that is still being written.
const PartSuffix = ".part"

// PartPath returns where dest is written until it completes.
func PartPath(dest string) string {
	return dest + PartSuffix
}

// Renamed reports whether dest already holds size bytes and its part file
// is gone, which is what a run leaves behind after the final rename.
func Renamed(dest string, size int64) bool {
	if _, err := os.Stat(PartPath(dest)); !os.IsNotExist(err) {
		return false
	}
	info, err := os.Stat(dest)
	return err == nil && info.Mode().IsRegular() && info.Size() == size
}

// Manager lays out per-task staging directories under Root:
//
//	<root>/<task id>/000042.seg   staged HLS segment 42
//	<root>/<task id>/<md5>.key    AES-128 key fetched from a key URI
type Manager struct {
	Root string
}

func New(root string) *Manager {
	return &Manager{Root: root}
}

// TaskDir returns the absolute path to the task's staging directory
func (m *Manager) TaskDir(id int64) string {
	path, _ := filepath.Abs(filepath.Join(m.Root, strconv.FormatInt(id, 10)))
	return path
}

// EnsureTaskDir creates the task directory if it doesn't exist
func (m *Manager) EnsureTaskDir(id int64) (string, error) {
	path := m.TaskDir(id)
	return path, os.MkdirAll(path, 0755)
}

func (m *Manager) SegmentPath(id int64, index int) string {
	return filepath.Join(m.TaskDir(id), fmt.Sprintf("%06d.seg", index))
}

// KeyPath names the cached copy of the key at keyURI.
func (m *Manager) KeyPath(id int64, keyURI string) string {
	hash := md5.Sum([]byte(keyURI))
	return filepath.Join(m.TaskDir(id), hex.EncodeToString(hash[:])+".key")
}

// FileExists checks if a file exists in the task's staging directory
func (m *Manager) FileExists(id int64, filename string) bool {
	info, err := os.Stat(filepath.Join(m.TaskDir(id), filename))
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Remove deletes everything staged for a task.
func (m *Manager) Remove(id int64) error {
	return os.RemoveAll(m.TaskDir(id))
}
