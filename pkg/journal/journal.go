package journal

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/sentinel/pkg/events"
)

// Journal is a bbolt-backed sink for events.Event, one bucket per
// Event.Service value (the emitting service's Config.Name, e.g. "hub"
// for the Hub's own loop), one entry per iteration within that bucket.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal database under dataDir.
func Open(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dbPath, err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func bucketName(unit string) []byte {
	return []byte("unit:" + unit)
}

func entryKey(e events.Event) []byte {
	return []byte(fmt.Sprintf("%s:%020d", e.LaunchID, e.Iteration))
}

// Send implements events.Sender. A bucket is created for the service
// name on first write; Send never returns an error to the caller since
// pkg/service's Sender interface has no error return, so a write
// failure here is silently dropped (not logged), matching the
// journal's role as best-effort diagnostics rather than authoritative
// state.
func (j *Journal) Send(e events.Event) {
	_ = j.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(e.Service))
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(entryKey(e), data)
	})
}

// Events returns every recorded event for unit, ordered by launch id
// then iteration (the natural order of its storage key), for operator
// post-mortem inspection. It returns an empty slice, not an error, if
// the unit has never been written to.
func (j *Journal) Events(unit string) ([]events.Event, error) {
	var out []events.Event
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(unit))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e events.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("journal: decode entry %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Units returns every Event.Service value (bucket key) the journal has
// at least one recorded event for, sorted.
func (j *Journal) Units() ([]string, error) {
	var out []string
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if unit, ok := strings.CutPrefix(string(name), "unit:"); ok {
				out = append(out, unit)
			}
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}
