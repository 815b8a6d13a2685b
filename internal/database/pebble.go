package database

import (
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

// ErrLocked is returned when another handle, usually another process, has
// the Pebble store open.
var ErrLocked = errors.New("store is in use by another process")

// OpenPebble opens (creating if needed) a Pebble store in dir. Pebble takes
// an exclusive directory lock, so only one process can hold the queue open;
// a second one gets ErrLocked.
func OpenPebble(dir string) (*pebble.DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	lock, err := pebble.LockDirectory(dir, vfs.Default)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLocked, dir, err)
	}
	if err := lock.Close(); err != nil {
		return nil, fmt.Errorf("release lock on %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open PebbleDB: %w", err)
	}
	return db, nil
}
