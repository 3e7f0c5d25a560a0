/*
Package shm provides cross-process shared cells backing the watchdog's
heartbeat timestamp, in-context flag, lease-id record, and the service
runtime's signal cell.

A fork()-based supervisor could place these values in memory shared by
the fork itself. Go's os/exec never shares address space with its
children — every child is a fresh program image — so this package
instead backs each cell with a small memory-mapped file that
parent and child map independently. The file path is handed to the child
through an environment variable (SENTINEL_HEARTBEAT_SHM and friends); the
child maps the same file and the two processes observe each other's
writes through the page cache. A companion flock on the same file
provides the mutual exclusion a single-process design would otherwise
get for free from a single address space.
*/
package shm

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// cellSize is one machine word; every cell in this package is a single
// int64, which covers UNIX timestamps, lease ids, and signal numbers.
const cellSize = 8

var byteOrder = binary.LittleEndian

// Int64Cell is an 8-byte shared-memory word guarded by a file lock. It is
// the building block for the heartbeat timestamp, the lease-id record,
// and the cross-process signal cell.
type Int64Cell struct {
	path string
	f    *os.File
	data []byte
}

// CreateInt64Cell creates (or truncates) the backing file at path and
// maps it. The caller owns the returned cell and must Close it.
func CreateInt64Cell(path string) (*Int64Cell, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	if err := f.Truncate(cellSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	return mapCell(f, path)
}

// OpenInt64Cell maps an existing cell created by CreateInt64Cell in
// another process. Workers use this to attach to the cell their parent
// already created.
func OpenInt64Cell(path string) (*Int64Cell, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	return mapCell(f, path)
}

func mapCell(f *os.File, path string) (*Int64Cell, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, cellSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Int64Cell{path: path, f: f, data: data}, nil
}

// Path returns the backing file path, passed to children via environment
// variables so they can OpenInt64Cell the same region.
func (c *Int64Cell) Path() string { return c.path }

// Load reads the cell's current value under an flock-guarded critical
// section, so readers in one process never observe a torn write from
// another.
func (c *Int64Cell) Load() (int64, error) {
	if err := c.lock(); err != nil {
		return 0, err
	}
	defer c.unlock()
	return int64(byteOrder.Uint64(c.data)), nil
}

// Store writes v under the same flock-guarded critical section Load uses.
func (c *Int64Cell) Store(v int64) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.unlock()
	byteOrder.PutUint64(c.data, uint64(v))
	return nil
}

// CompareAndStore atomically replaces the value with newVal only if it
// currently equals oldVal, returning whether the swap happened. The
// watchdogs themselves use only Load and Store.
func (c *Int64Cell) CompareAndStore(oldVal, newVal int64) (bool, error) {
	if err := c.lock(); err != nil {
		return false, err
	}
	defer c.unlock()
	cur := int64(byteOrder.Uint64(c.data))
	if cur != oldVal {
		return false, nil
	}
	byteOrder.PutUint64(c.data, uint64(newVal))
	return true, nil
}

func (c *Int64Cell) lock() error {
	if err := unix.Flock(int(c.f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("shm: lock %s: %w", c.path, err)
	}
	return nil
}

func (c *Int64Cell) unlock() error {
	return unix.Flock(int(c.f.Fd()), unix.LOCK_UN)
}

// Close unmaps the cell and closes its backing file. It does not remove
// the file: the parent removes it once every process bound to the unit
// has exited.
func (c *Int64Cell) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.f.Close()
}

// Remove unmaps, closes, and deletes the backing file. Only the process
// that owns the cell's lifetime (the driver, on unit removal) should call
// this.
func (c *Int64Cell) Remove() error {
	if err := c.Close(); err != nil {
		return err
	}
	return os.Remove(c.path)
}
