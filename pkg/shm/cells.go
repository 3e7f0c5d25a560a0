package shm

import "fmt"

// LeaseCell is the shared {defined, lease_id} record describing the
// distributed lock currently held, so a process that does not hold the
// lock object (which lives in the worker whose Lease.Enter acquired
// it) can reach the lease by id; the supervisor reads it this way when
// checking liveness and never acquires the lock itself.
//
// It is realized as two adjacent Int64Cells rather than a single packed
// word, trading a little space for simpler, independently lockable
// fields.
type LeaseCell struct {
	defined *Int64Cell
	leaseID *Int64Cell
}

// CreateLeaseCell creates the backing files for a lease cell rooted at
// path (two files: path+".defined" and path+".id").
func CreateLeaseCell(path string) (*LeaseCell, error) {
	defined, err := CreateInt64Cell(path + ".defined")
	if err != nil {
		return nil, err
	}
	leaseID, err := CreateInt64Cell(path + ".id")
	if err != nil {
		defined.Close()
		return nil, err
	}
	return &LeaseCell{defined: defined, leaseID: leaseID}, nil
}

// OpenLeaseCell attaches to an existing lease cell created by
// CreateLeaseCell in another process.
func OpenLeaseCell(path string) (*LeaseCell, error) {
	defined, err := OpenInt64Cell(path + ".defined")
	if err != nil {
		return nil, err
	}
	leaseID, err := OpenInt64Cell(path + ".id")
	if err != nil {
		defined.Close()
		return nil, err
	}
	return &LeaseCell{defined: defined, leaseID: leaseID}, nil
}

// Set records that a lock is held, or clears the record if held is
// false.
func (c *LeaseCell) Set(held bool, leaseID int64) error {
	defined := int64(0)
	if held {
		defined = 1
	}
	if err := c.defined.Store(defined); err != nil {
		return err
	}
	return c.leaseID.Store(leaseID)
}

// Get returns whether a lock is currently recorded as held, and its
// lease id if so.
func (c *LeaseCell) Get() (held bool, leaseID int64, err error) {
	d, err := c.defined.Load()
	if err != nil {
		return false, 0, err
	}
	id, err := c.leaseID.Load()
	if err != nil {
		return false, 0, err
	}
	return d != 0, id, nil
}

// Close unmaps both underlying cells.
func (c *LeaseCell) Close() error {
	err1 := c.defined.Close()
	err2 := c.leaseID.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Remove unmaps and deletes both backing files.
func (c *LeaseCell) Remove() error {
	err1 := c.defined.Remove()
	err2 := c.leaseID.Remove()
	if err1 != nil {
		return fmt.Errorf("shm: remove lease cell: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("shm: remove lease cell: %w", err2)
	}
	return nil
}

// BoolCell is a shared boolean word, used for the watchdog's in-context
// flag. (The watchdog's sticky failed flag is process-local, not a
// BoolCell.)
type BoolCell struct {
	cell *Int64Cell
}

// CreateBoolCell creates a new shared boolean, initialised to false.
func CreateBoolCell(path string) (*BoolCell, error) {
	c, err := CreateInt64Cell(path)
	if err != nil {
		return nil, err
	}
	return &BoolCell{cell: c}, nil
}

// OpenBoolCell attaches to an existing shared boolean.
func OpenBoolCell(path string) (*BoolCell, error) {
	c, err := OpenInt64Cell(path)
	if err != nil {
		return nil, err
	}
	return &BoolCell{cell: c}, nil
}

// Load returns the current value.
func (c *BoolCell) Load() (bool, error) {
	v, err := c.cell.Load()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Store sets the current value.
func (c *BoolCell) Store(v bool) error {
	iv := int64(0)
	if v {
		iv = 1
	}
	return c.cell.Store(iv)
}

// Close unmaps the underlying cell.
func (c *BoolCell) Close() error { return c.cell.Close() }

// Remove unmaps and deletes the backing file.
func (c *BoolCell) Remove() error { return c.cell.Remove() }
